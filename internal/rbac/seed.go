package rbac

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

//go:embed seed.yaml
var defaultSeed []byte

// Seed is the bootstrap set of roles and permissions.
type Seed struct {
	Permissions []SeedPermission `yaml:"permissions"`
	Roles       []SeedRole       `yaml:"roles"`
}

// SeedPermission describes one built-in permission.
type SeedPermission struct {
	Name        string `yaml:"name"`
	Resource    string `yaml:"-"`
	Action      string `yaml:"-"`
	Description string `yaml:"description"`
	BuiltIn     bool   `yaml:"-"`
}

// SeedRole describes one role and its initial permission names.
type SeedRole struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
	BuiltIn     bool     `yaml:"-"`
}

// Seeder applies a Seed to storage.
type Seeder interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// DefaultSeed parses the embedded seed file.
func DefaultSeed() (Seed, error) {
	return ParseSeed(defaultSeed)
}

// LoadSeed reads a seed file from path, or the embedded default when path is empty.
func LoadSeed(path string) (Seed, error) {
	if path == "" {
		return DefaultSeed()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("rbac: read seed: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed decodes and validates YAML seed data. Built-in roles are always present
// in the result and every seeded permission is marked built-in.
func ParseSeed(raw []byte) (Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return Seed{}, fmt.Errorf("rbac: parse seed: %w", err)
	}

	known := make(map[string]struct{}, len(seed.Permissions))
	for i := range seed.Permissions {
		p := &seed.Permissions[i]
		p.Name = NormalizeName(p.Name)
		resource, action, ok := SplitName(p.Name)
		if !ok {
			return Seed{}, fmt.Errorf("rbac: seed permission %q must look like resource:action", p.Name)
		}
		if _, dup := known[p.Name]; dup {
			return Seed{}, fmt.Errorf("rbac: seed permission %q listed twice", p.Name)
		}
		known[p.Name] = struct{}{}
		p.Resource, p.Action, p.BuiltIn = resource, action, true
	}

	seen := make(map[string]struct{}, len(seed.Roles))
	for i := range seed.Roles {
		r := &seed.Roles[i]
		r.Name = NormalizeName(r.Name)
		if r.Name == "" {
			return Seed{}, fmt.Errorf("rbac: seed role %d has no name", i)
		}
		r.BuiltIn = shared.IsBuiltinRole(r.Name)
		for j, name := range r.Permissions {
			name = NormalizeName(name)
			if _, ok := known[name]; !ok {
				return Seed{}, fmt.Errorf("rbac: seed role %s references unknown permission %s", r.Name, name)
			}
			r.Permissions[j] = name
		}
		seen[r.Name] = struct{}{}
	}
	for _, name := range shared.BuiltinRoles() {
		if _, ok := seen[name]; !ok {
			seed.Roles = append(seed.Roles, SeedRole{Name: name, Description: name, BuiltIn: true})
		}
	}
	return seed, nil
}
