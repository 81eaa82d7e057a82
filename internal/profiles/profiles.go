// Package profiles loads the agent profile catalog: the commands the
// factory spawns per attempt, keyed by profile id.
package profiles

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Profile describes one agent command
type Profile struct {
	ID      string            `yaml:"id"`
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

type catalogFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// Catalog holds the loaded profiles plus a default used when an attempt
// carries no profile id
type Catalog struct {
	path string

	mu       sync.RWMutex
	profiles map[string]Profile
	def      Profile
}

// NewCatalog creates a catalog with the given default profile. If path is
// empty only the default is available.
func NewCatalog(path string, def Profile) *Catalog {
	return &Catalog{
		path:     path,
		profiles: make(map[string]Profile),
		def:      def,
	}
}

// Load reads the YAML catalog from disk. A missing file is not an error;
// the default profile keeps working.
func (c *Catalog) Load() error {
	if c.path == "" {
		return nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing profiles: %w", err)
	}

	loaded := make(map[string]Profile, len(f.Profiles))
	for _, p := range f.Profiles {
		if p.ID == "" {
			return fmt.Errorf("profile without id in %s", c.path)
		}
		if p.Command == "" {
			return fmt.Errorf("profile %q has no command", p.ID)
		}
		loaded[p.ID] = p
	}

	c.mu.Lock()
	c.profiles = loaded
	c.mu.Unlock()
	return nil
}

// Get resolves a profile id; an empty id yields the default
func (c *Catalog) Get(id string) (Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if id == "" {
		return c.def, nil
	}
	p, ok := c.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("unknown agent profile %q", id)
	}
	return p, nil
}

// Len returns the number of loaded profiles (excluding the default)
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.profiles)
}
