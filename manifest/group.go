package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/git-pkgs/depot/internal/core"
)

// GroupExport is the portable JSON form of a group.
type GroupExport struct {
	GroupName         string         `json:"group_name"`
	Version           string         `json:"version"`
	CreatedBy         string         `json:"created_by"`
	Description       string         `json:"description,omitempty"`
	EnvironmentConfig map[string]any `json:"environment_config"`
	Metadata          map[string]any `json:"metadata"`
	Packages          []GroupPackage `json:"packages"`
}

// GroupPackage is one member of an exported group.
type GroupPackage struct {
	PackageName  string `json:"package_name"`
	Version      string `json:"version"`
	InstallOrder int    `json:"install_order"`
	Required     *bool  `json:"required,omitempty"` // absent means required
	GitCommit    string `json:"git_commit,omitempty"`
}

// IsRequired reports the member's required flag, defaulting to true.
func (p GroupPackage) IsRequired() bool {
	return p.Required == nil || *p.Required
}

// GroupFileName returns "{name}_v{version}.json".
func GroupFileName(name, version string) string {
	return fmt.Sprintf("%s_v%s.json", name, version)
}

// ExportGroup converts g for export. commits maps member package IDs to
// the commit recorded for them and may be nil.
func ExportGroup(g *core.Group, commits map[string]string) *GroupExport {
	out := &GroupExport{
		GroupName:         string(g.Name),
		Version:           g.Version,
		CreatedBy:         g.CreatedBy,
		Description:       g.Description,
		EnvironmentConfig: nonNil(g.EnvironmentConfig),
		Metadata:          nonNil(g.Metadata),
		Packages:          make([]GroupPackage, 0, len(g.Members)),
	}
	for _, m := range g.OrderedMembers() {
		required := m.Required
		out.Packages = append(out.Packages, GroupPackage{
			PackageName:  string(m.PackageName),
			Version:      m.PackageVersion,
			InstallOrder: m.InstallOrder,
			Required:     &required,
			GitCommit:    commits[m.PackageID],
		})
	}
	return out
}

// Group converts the export back into a group without identity. Member
// package IDs are left for the caller to resolve.
func (e *GroupExport) Group() (*core.Group, error) {
	name, err := core.NewPackageName(e.GroupName)
	if err != nil {
		return nil, err
	}
	g := &core.Group{
		Name:              name,
		Version:           e.Version,
		CreatedBy:         e.CreatedBy,
		Description:       e.Description,
		EnvironmentConfig: nonNil(e.EnvironmentConfig),
		Metadata:          nonNil(e.Metadata),
		Members:           make([]core.GroupMember, 0, len(e.Packages)),
	}
	for _, p := range e.Packages {
		pname, err := core.NewPackageName(p.PackageName)
		if err != nil {
			return nil, err
		}
		g.Members = append(g.Members, core.GroupMember{
			PackageName:    pname,
			PackageVersion: p.Version,
			InstallOrder:   p.InstallOrder,
			Required:       p.IsRequired(),
		})
	}
	return g, nil
}

// EncodeGroup renders e as indented JSON.
func EncodeGroup(e *GroupExport) ([]byte, error) {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeGroup parses a group export. Comments and trailing commas are
// accepted so exports can be edited by hand.
func DecodeGroup(data []byte, source string) (*GroupExport, error) {
	var e GroupExport
	if err := json.Unmarshal(jsonc.ToJSON(data), &e); err != nil {
		return nil, &core.ManifestError{Source: source, Reason: err.Error()}
	}
	if e.GroupName == "" {
		return nil, &core.ManifestError{Source: source, Reason: "missing group_name"}
	}
	if e.Version == "" {
		return nil, &core.ManifestError{Source: source, Reason: "missing version"}
	}
	for i, p := range e.Packages {
		if p.PackageName == "" || p.Version == "" {
			return nil, &core.ManifestError{
				Source: source,
				Reason: fmt.Sprintf("packages[%d]: package_name and version are required", i),
			}
		}
	}
	return &e, nil
}

// WriteGroup stores e at path.
func WriteGroup(path string, e *GroupExport) error {
	data, err := EncodeGroup(e)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// LoadGroup reads a group export from path.
func LoadGroup(path string) (*GroupExport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeGroup(data, path)
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
