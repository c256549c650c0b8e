package core

import (
	"errors"
	"fmt"

	"github.com/git-pkgs/depot/digest"
)

// Input errors.
var (
	ErrSourceNotFound       = errors.New("source not found")
	ErrDirectoryNotFound    = errors.New("directory not found")
	ErrNotADirectory        = errors.New("not a directory")
	ErrInvalidPackageName   = errors.New("invalid package name")
	ErrInvalidManifest      = errors.New("invalid manifest")
	ErrUnsupportedAlgorithm = digest.ErrUnsupportedAlgorithm
)

// Integrity errors.
var ErrIntegrityViolation = errors.New("integrity violation")

// Resolution errors.
var (
	ErrPackageNotFound        = errors.New("package not found")
	ErrArchiveNotFound        = errors.New("archive not found")
	ErrRequiredPackageMissing = errors.New("required package missing")
	ErrGroupNotFound          = errors.New("group not found")
	ErrBlobNotFound           = errors.New("blob not found")
)

var (
	ErrTransient           = errors.New("transient failure")
	ErrRemotePublishFailed = errors.New("remote publish failed")
	ErrGroupExists         = errors.New("group already exists")
	ErrPackageReferenced   = errors.New("package is referenced by a group")
)

// NameError is returned for names that fail PackageName validation.
type NameError struct {
	Name string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid package name %q: must match [A-Za-z0-9_-]{1,100}", e.Name)
}

func (e *NameError) Unwrap() error {
	return ErrInvalidPackageName
}

// NotFoundError wraps ErrPackageNotFound with the missing coordinates.
type NotFoundError struct {
	Name    string
	Version string
}

func (e *NotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("package %s version %s not found", e.Name, e.Version)
	}
	return fmt.Sprintf("package %s not found", e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return ErrPackageNotFound
}

// GroupNotFoundError wraps ErrGroupNotFound.
type GroupNotFoundError struct {
	Name    string
	Version string
	ID      string
}

func (e *GroupNotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("group %s not found", e.ID)
	}
	return fmt.Sprintf("group %s version %s not found", e.Name, e.Version)
}

func (e *GroupNotFoundError) Unwrap() error {
	return ErrGroupNotFound
}

// MissingMemberError is returned when a required group member has no
// matching catalog package.
type MissingMemberError struct {
	Group   string
	Name    string
	Version string
}

func (e *MissingMemberError) Error() string {
	return fmt.Sprintf("group %s: required package %s version %s missing", e.Group, e.Name, e.Version)
}

func (e *MissingMemberError) Unwrap() error {
	return ErrRequiredPackageMissing
}

// IntegrityError reports an archive whose digest does not match the record.
type IntegrityError struct {
	Path     string
	Expected digest.Token
	Actual   digest.Token
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrityViolation
}

// ManifestError wraps ErrInvalidManifest with the offending source and reason.
type ManifestError struct {
	Source string
	Reason string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %s", e.Source, e.Reason)
}

func (e *ManifestError) Unwrap() error {
	return ErrInvalidManifest
}

// TransientError marks infrastructure failures (network, disk, lock
// contention) that a caller may retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTransient) match any TransientError.
func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
