// depot publishes directories as verified archives and retrieves them.
//
// Usage:
//
//	depot [--config file] [--log-level level] <command> [flags] [args]
//
// Commands:
//
//	publish   pack a directory and record it in the catalog
//	download  retrieve a package by identity, sidecar or group
//	list      list catalogued packages
//	group     create, show, list, delete, export, import, publish and fetch groups
//
// Settings come from the YAML file given with --config and DEPOT_*
// environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/git-pkgs/depot"
	_ "github.com/git-pkgs/depot/all"
	"github.com/git-pkgs/depot/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes failures worth retrying from the rest.
func exitCode(err error) int {
	switch {
	case errors.Is(err, depot.ErrTransient):
		return 75 // EX_TEMPFAIL
	case errors.Is(err, depot.ErrIntegrityViolation):
		return 3
	default:
		return 1
	}
}

// app is the state shared by every command.
type app struct {
	depot *depot.Depot
	cfg   *depot.Config
	out   io.Writer
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"publish":  runPublish,
	"download": runDownload,
	"list":     runList,
	"group":    runGroup,
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var configPath, logLevel, logFormat string

	flagSet := pflag.NewFlagSet("depot", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("DEPOT_CONFIG"), "path to YAML config file")
	flagSet.StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flagSet.StringVar(&logFormat, "log-format", "", "override logging.format (text, json)")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(flagSet)
		return errors.New("missing command")
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}

	cfg, err := depot.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	d, err := depot.Open(ctx, cfg, depot.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Warn("closing depot", "error", err)
		}
	}()

	return cmd(ctx, &app{depot: d, cfg: cfg, out: out}, rest[1:])
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, `depot publishes directories as verified archives and retrieves them.

Usage:
  depot [flags] <command> [command flags] [args]

Commands:
  publish <dir> --name NAME --version VERSION [--remote] [--git]
  download --name NAME [--version VERSION] | --manifest PATH|URL | --group NAME [--group-version V]
  list [--name NAME] [--version VERSION]
  group create|show|list|delete|export|import|publish|fetch ...

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
