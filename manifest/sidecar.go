// Package manifest reads and writes the JSON documents exchanged outside the
// catalog: the sidecar manifest published next to each archive, and the
// group export file.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/git-pkgs/depot/digest"
	"github.com/git-pkgs/depot/internal/core"
)

const sidecarSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["package_name", "version", "created_at", "file_info", "files"],
  "properties": {
    "package_name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "created_at": {"type": "string", "minLength": 1},
    "file_info": {
      "type": "object",
      "required": ["archive_name", "size", "file_count", "hash"],
      "properties": {
        "archive_name": {"type": "string", "minLength": 1},
        "size": {"type": "integer", "minimum": 0},
        "file_count": {"type": "integer", "minimum": 0},
        "hash": {"type": "string", "minLength": 1}
      }
    },
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path", "size", "hash"],
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "size": {"type": "integer", "minimum": 0},
          "hash": {"type": "string"}
        }
      }
    },
    "download_url": {"type": ["string", "null"]},
    "git_info": {"type": ["object", "null"]},
    "storage": {"type": ["object", "null"]},
    "description": {"type": ["string", "null"]},
    "metadata": {"type": ["object", "null"]}
  }
}`

var sidecarSchema = jsonschema.MustCompileString("sidecar.schema.json", sidecarSchemaJSON)

// Sidecar is the self-contained JSON description of a published package.
type Sidecar struct {
	PackageName string             `json:"package_name"`
	Version     string             `json:"version"`
	CreatedAt   Timestamp          `json:"created_at"`
	FileInfo    FileInfo           `json:"file_info"`
	Files       []File             `json:"files"`
	DownloadURL string             `json:"download_url,omitempty"`
	GitInfo     *core.RevisionInfo `json:"git_info,omitempty"`
	Storage     *Storage           `json:"storage,omitempty"`
	Publisher   *Publisher         `json:"publisher,omitempty"`
	PURL        string             `json:"purl,omitempty"`
	Description string             `json:"description,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// FileInfo describes the archive.
type FileInfo struct {
	ArchiveName string       `json:"archive_name"`
	Size        int64        `json:"size"`
	FileCount   int          `json:"file_count"`
	Hash        digest.Token `json:"hash"`
}

// File is one manifest entry.
type File struct {
	Path string       `json:"path"`
	Size int64        `json:"size"`
	Hash digest.Token `json:"hash"`
}

// Storage mirrors core.StorageRef.
type Storage struct {
	Type   string `json:"type"`
	Path   string `json:"path"`
	Bucket string `json:"bucket,omitempty"`
	Region string `json:"region,omitempty"`
	Key    string `json:"key,omitempty"`
}

// Publisher identifies who published the package.
type Publisher struct {
	PublisherID string `json:"publisher_id"`
}

// Timestamp is a UTC time that also accepts ISO-8601 values without a zone.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// SidecarName returns "{name}_v{version}.json".
func SidecarName(name, version string) string {
	return fmt.Sprintf("%s_v%s.json", name, version)
}

// FromPackage builds the sidecar for p. downloadURL may be empty.
func FromPackage(p *core.Package, downloadURL string) *Sidecar {
	s := &Sidecar{
		PackageName: string(p.Name),
		Version:     p.Version,
		CreatedAt:   Timestamp{p.CreatedAt.UTC()},
		FileInfo: FileInfo{
			ArchiveName: p.ArchiveName,
			Size:        p.ArchiveSize,
			FileCount:   p.FileCount,
			Hash:        p.ArchiveHash,
		},
		Files:       make([]File, 0, len(p.Files)),
		DownloadURL: downloadURL,
		GitInfo:     p.Revision,
		PURL:        core.PackageURL(p),
		Description: p.Description,
		Metadata:    p.Metadata,
	}
	for _, f := range p.Files {
		s.Files = append(s.Files, File{Path: f.Path, Size: f.Size, Hash: f.Hash})
	}
	if p.Storage != nil {
		s.Storage = &Storage{
			Type:   string(p.Storage.Kind),
			Path:   p.Storage.Path,
			Bucket: p.Storage.Bucket,
			Region: p.Storage.Region,
			Key:    p.Storage.Key,
		}
	}
	if p.PublisherID != "" {
		s.Publisher = &Publisher{PublisherID: p.PublisherID}
	}
	return s
}

// Package converts the sidecar back into a package record. The result has
// no catalog identity.
func (s *Sidecar) Package() (*core.Package, error) {
	name, err := core.NewPackageName(s.PackageName)
	if err != nil {
		return nil, err
	}

	p := &core.Package{
		Name:        name,
		Version:     s.Version,
		ArchiveName: s.FileInfo.ArchiveName,
		ArchiveHash: s.FileInfo.Hash,
		ArchiveSize: s.FileInfo.Size,
		FileCount:   s.FileInfo.FileCount,
		Files:       make([]core.FileEntry, 0, len(s.Files)),
		Revision:    s.GitInfo,
		Description: s.Description,
		Metadata:    s.Metadata,
		CreatedAt:   s.CreatedAt.Time,
	}
	for _, f := range s.Files {
		p.Files = append(p.Files, core.FileEntry{Path: f.Path, Size: f.Size, Hash: f.Hash})
	}
	if s.Storage != nil {
		p.Storage = &core.StorageRef{
			Kind:   core.StorageKind(s.Storage.Type),
			Path:   s.Storage.Path,
			Bucket: s.Storage.Bucket,
			Region: s.Storage.Region,
			Key:    s.Storage.Key,
		}
	}
	if s.Publisher != nil {
		p.PublisherID = s.Publisher.PublisherID
	}
	return p, nil
}

// Encode renders the sidecar as indented JSON.
func (s *Sidecar) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Decode parses and validates a sidecar. source names the document in
// error messages. Structural problems yield an error wrapping
// core.ErrInvalidManifest.
func Decode(data []byte, source string) (*Sidecar, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &core.ManifestError{Source: source, Reason: err.Error()}
	}
	if err := sidecarSchema.Validate(doc); err != nil {
		return nil, &core.ManifestError{Source: source, Reason: flatten(err.Error())}
	}

	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &core.ManifestError{Source: source, Reason: err.Error()}
	}
	if s.FileInfo.Hash.IsZero() {
		return nil, &core.ManifestError{Source: source, Reason: "file_info.hash is empty"}
	}
	if !core.ValidArchiveName(s.FileInfo.ArchiveName) {
		return nil, &core.ManifestError{Source: source, Reason: fmt.Sprintf("file_info.archive_name %q is not a bare file name", s.FileInfo.ArchiveName)}
	}
	return &s, nil
}

// Load reads and validates the sidecar at path.
func Load(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data, path)
}

// Write stores s at path, replacing any existing file atomically.
func Write(path string, s *Sidecar) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// flatten joins a multi-line validation report into one line.
func flatten(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.Join(lines, "; ")
}
