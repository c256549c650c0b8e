package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/git-pkgs/depot"
	"github.com/git-pkgs/depot/archive"
	"github.com/git-pkgs/depot/digest"
)

func runPublish(ctx context.Context, a *app, args []string) error {
	var (
		name, version, outDir, algorithm, format string
		opts                                     depot.PublishOptions
		remote                                   bool
	)
	flagSet := pflag.NewFlagSet("publish", pflag.ContinueOnError)
	flagSet.StringVarP(&name, "name", "n", "", "package name")
	flagSet.StringVarP(&version, "version", "v", "", "package version")
	flagSet.StringVarP(&outDir, "out", "o", a.cfg.Storage.LocalPath, "directory for the archive and sidecar")
	flagSet.StringVar(&opts.Description, "description", "", "package description")
	flagSet.StringToStringVar(&opts.Metadata, "meta", nil, "metadata key=value pairs")
	flagSet.StringArrayVar(&opts.IgnorePatterns, "ignore", nil, "extra ignore pattern (repeatable)")
	flagSet.BoolVar(&opts.CaptureRevision, "git", false, "record the git revision of the source directory")
	flagSet.StringVar(&algorithm, "algorithm", "", "digest algorithm (sha256, sha512, md5, blake3)")
	flagSet.StringVar(&format, "format", "", "archive format (zip, tar.zst)")
	flagSet.BoolVar(&remote, "remote", false, "upload the archive to the configured blob store")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("publish takes exactly one source directory")
	}
	if name == "" || version == "" {
		return errors.New("--name and --version are required")
	}

	opts.Algorithm = digest.Algorithm(algorithm)
	if format != "" {
		f, err := archive.ParseFormat(format)
		if err != nil {
			return err
		}
		opts.Format = f
	}

	src := flagSet.Arg(0)
	var (
		res *depot.PublishResult
		err error
	)
	if remote {
		res, err = a.depot.PublishRemote(ctx, src, name, version, outDir, opts)
	} else {
		res, err = a.depot.Publish(ctx, src, name, version, outDir, opts)
	}
	if err != nil {
		return err
	}

	status := "published"
	if res.Existing {
		status = "already published"
	}
	fmt.Fprintf(a.out, "%s %s@%s\n", status, name, version)
	fmt.Fprintf(a.out, "  id:      %s\n", res.PackageID)
	fmt.Fprintf(a.out, "  hash:    %s\n", res.Package.ArchiveHash)
	fmt.Fprintf(a.out, "  files:   %d\n", res.Package.FileCount)
	if res.ArchivePath != "" {
		fmt.Fprintf(a.out, "  archive: %s\n", res.ArchivePath)
	}
	if ref := res.Package.Storage; ref != nil && ref.Kind != depot.StorageLocal {
		fmt.Fprintf(a.out, "  stored:  %s://%s/%s\n", ref.Kind, ref.Bucket, ref.Key)
	}
	fmt.Fprintf(a.out, "  sidecar: %s\n", res.SidecarPath)
	return nil
}

func runDownload(ctx context.Context, a *app, args []string) error {
	var name, version, manifestRef, groupName, groupVersion, outDir string
	flagSet := pflag.NewFlagSet("download", pflag.ContinueOnError)
	flagSet.StringVarP(&name, "name", "n", "", "package name")
	flagSet.StringVarP(&version, "version", "v", "latest", "package version")
	flagSet.StringVarP(&manifestRef, "manifest", "m", "", "sidecar path or URL")
	flagSet.StringVarP(&groupName, "group", "g", "", "group name, or ID without --group-version")
	flagSet.StringVar(&groupVersion, "group-version", "", "group version")
	flagSet.StringVarP(&outDir, "out", "o", ".", "output directory")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	selected := 0
	for _, s := range []string{name, manifestRef, groupName} {
		if s != "" {
			selected++
		}
	}
	if selected != 1 {
		return errors.New("exactly one of --name, --manifest or --group is required")
	}

	switch {
	case groupName != "":
		results, err := a.depot.DownloadGroup(ctx, groupName, groupVersion, outDir)
		for _, res := range results {
			printDownload(a, res)
		}
		return err
	case manifestRef != "":
		res, err := a.depot.DownloadManifest(ctx, manifestRef, outDir)
		if err != nil {
			return err
		}
		printDownload(a, res)
	default:
		res, err := a.depot.Download(ctx, name, version, outDir)
		if err != nil {
			return err
		}
		printDownload(a, res)
	}
	return nil
}

func printDownload(a *app, res *depot.DownloadResult) {
	fmt.Fprintf(a.out, "downloaded %s@%s to %s (%d files from %s)\n",
		res.Name, res.Version, res.OutputDir, len(res.Files), res.Source)
}

func runList(ctx context.Context, a *app, args []string) error {
	var f depot.PackageFilter
	flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
	flagSet.StringVarP(&f.Name, "name", "n", "", "only this package")
	flagSet.StringVarP(&f.Version, "version", "v", "", "only this version")
	flagSet.StringVar(&f.PublisherID, "publisher", "", "only packages from this publisher")
	flagSet.StringVar(&f.Branch, "branch", "", "only packages published from this branch")
	flagSet.IntVar(&f.Limit, "limit", 0, "maximum rows")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	pkgs, err := a.depot.Catalog().FindAll(ctx, f)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tCOMMIT\tHASH\tID")
	for _, p := range pkgs {
		commit := "-"
		if p.Revision != nil && p.Revision.CommitShort != "" {
			commit = p.Revision.CommitShort
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Version, commit, p.ArchiveHash, p.ID)
	}
	return w.Flush()
}

var groupCommands = map[string]command{
	"create":  runGroupCreate,
	"show":    runGroupShow,
	"list":    runGroupList,
	"delete":  runGroupDelete,
	"export":  runGroupExport,
	"import":  runGroupImport,
	"publish": runGroupPublish,
	"fetch":   runGroupFetch,
}

func runGroup(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errors.New("group needs a subcommand: create, show, list, delete, export, import, publish or fetch")
	}
	cmd, ok := groupCommands[args[0]]
	if !ok {
		return fmt.Errorf("unknown group subcommand %q", args[0])
	}
	return cmd(ctx, a, args[1:])
}

func runGroupCreate(ctx context.Context, a *app, args []string) error {
	var (
		members []string
		env     map[string]string
		opts    depot.GroupOptions
	)
	flagSet := pflag.NewFlagSet("group create", pflag.ContinueOnError)
	flagSet.StringArrayVarP(&members, "member", "m", nil, "member as name@version; append ? for optional (repeatable, in install order)")
	flagSet.StringVar(&opts.Description, "description", "", "group description")
	flagSet.StringToStringVar(&env, "env", nil, "environment config key=value pairs")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 2 {
		return errors.New("usage: depot group create <name> <version> --member name@version ...")
	}

	parsed := make([]depot.GroupMember, 0, len(members))
	for i, s := range members {
		m, err := parseMember(s, i+1)
		if err != nil {
			return err
		}
		parsed = append(parsed, m)
	}
	if len(env) > 0 {
		opts.EnvironmentConfig = make(map[string]any, len(env))
		for k, v := range env {
			opts.EnvironmentConfig[k] = v
		}
	}

	g, err := a.depot.Groups().Create(ctx, flagSet.Arg(0), flagSet.Arg(1), parsed, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "created group %s@%s (%s) with %d members\n", g.Name, g.Version, g.ID, len(g.Members))
	return nil
}

// parseMember reads "name@version" with an optional trailing "?" marking
// the member as not required. A missing version means latest.
func parseMember(s string, order int) (depot.GroupMember, error) {
	required := true
	if strings.HasSuffix(s, "?") {
		required = false
		s = strings.TrimSuffix(s, "?")
	}
	name, version, _ := strings.Cut(s, "@")
	if name == "" {
		return depot.GroupMember{}, fmt.Errorf("invalid member %q", s)
	}
	if version == "" {
		version = "latest"
	}
	return depot.GroupMember{
		PackageName:    depot.PackageName(name),
		PackageVersion: version,
		InstallOrder:   order,
		Required:       required,
	}, nil
}

// findGroup accepts either an ID or a name and version.
func findGroup(ctx context.Context, a *app, args []string) (*depot.Group, error) {
	switch len(args) {
	case 1:
		return a.depot.Groups().Get(ctx, args[0])
	case 2:
		return a.depot.Groups().Find(ctx, args[0], args[1])
	default:
		return nil, errors.New("expected <id> or <name> <version>")
	}
}

func runGroupShow(ctx context.Context, a *app, args []string) error {
	g, err := findGroup(ctx, a, args)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s@%s (%s)\n", g.Name, g.Version, g.ID)
	if g.Description != "" {
		fmt.Fprintf(a.out, "  %s\n", g.Description)
	}
	missing, err := a.depot.Groups().Missing(ctx, g.ID)
	if err != nil {
		return err
	}
	absent := make(map[depot.PackageKey]bool, len(missing))
	for _, m := range missing {
		absent[depot.PackageKey{Name: string(m.PackageName), Version: m.PackageVersion}] = true
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tPACKAGE\tVERSION\tREQUIRED\tSTATUS")
	for _, m := range g.OrderedMembers() {
		status := "ok"
		if absent[depot.PackageKey{Name: string(m.PackageName), Version: m.PackageVersion}] {
			status = "missing"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", m.InstallOrder, m.PackageName, m.PackageVersion, m.Required, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(missing) > 0 {
		fmt.Fprintf(a.out, "%d member(s) missing from the catalog\n", len(missing))
	}
	return nil
}

func runGroupList(ctx context.Context, a *app, args []string) error {
	var f depot.GroupFilter
	flagSet := pflag.NewFlagSet("group list", pflag.ContinueOnError)
	flagSet.StringVarP(&f.Name, "name", "n", "", "only groups with this name")
	flagSet.StringVar(&f.CreatedBy, "created-by", "", "only groups from this creator")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	groups, err := a.depot.Groups().List(ctx, f)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tMEMBERS\tID")
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", g.Name, g.Version, len(g.Members), g.ID)
	}
	return w.Flush()
}

func runGroupDelete(ctx context.Context, a *app, args []string) error {
	g, err := findGroup(ctx, a, args)
	if err != nil {
		return err
	}
	if err := a.depot.Groups().Delete(ctx, g.ID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "deleted group %s@%s\n", g.Name, g.Version)
	return nil
}

func runGroupExport(ctx context.Context, a *app, args []string) error {
	var outDir string
	flagSet := pflag.NewFlagSet("group export", pflag.ContinueOnError)
	flagSet.StringVarP(&outDir, "out", "o", ".", "output directory")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	g, err := findGroup(ctx, a, flagSet.Args())
	if err != nil {
		return err
	}
	path, err := a.depot.Groups().Export(ctx, g.ID, outDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "exported %s@%s to %s\n", g.Name, g.Version, path)
	return nil
}

func runGroupImport(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: depot group import <file>")
	}
	g, err := a.depot.Groups().Import(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "imported group %s@%s (%s)\n", g.Name, g.Version, g.ID)
	return nil
}

func runGroupPublish(ctx context.Context, a *app, args []string) error {
	g, err := findGroup(ctx, a, args)
	if err != nil {
		return err
	}
	key, err := a.depot.Groups().PublishConfig(ctx, g.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "published group %s@%s to %s\n", g.Name, g.Version, key)
	return nil
}

func runGroupFetch(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: depot group fetch <name> <version>")
	}
	g, err := a.depot.Groups().FetchConfig(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "fetched group %s@%s (%s)\n", g.Name, g.Version, g.ID)
	return nil
}
