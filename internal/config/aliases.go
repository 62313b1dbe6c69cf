package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/portino/pkg/domain"
)

// Aliases maps friendly names onto port keys so commands can say "board"
// instead of "serial|/dev/ttyACM0".
type Aliases struct {
	byName map[string]domain.PortKey
}

type aliasFile struct {
	Aliases map[string]string `yaml:"aliases"`
}

// LoadAliases reads a YAML alias file. A missing path yields an empty set.
func LoadAliases(path string) (*Aliases, error) {
	a := &Aliases{byName: make(map[string]domain.PortKey)}
	if path == "" {
		return a, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return nil, fmt.Errorf("read alias file %s: %w", path, err)
	}
	var f aliasFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse alias file %s: %w", path, err)
	}
	for name, key := range f.Aliases {
		a.byName[name] = domain.PortKey(key)
	}
	return a, nil
}

// Resolve maps an alias or raw key to a port key. Unknown names pass through
// unchanged, with serial assumed for bare device paths.
func (a *Aliases) Resolve(name string) domain.PortKey {
	if key, ok := a.byName[name]; ok {
		return key
	}
	key := domain.PortKey(name)
	if key.Protocol() == "" || key.Address() == "" {
		return domain.NewPortKey("serial", name)
	}
	return key
}

// Len reports how many aliases are defined.
func (a *Aliases) Len() int { return len(a.byName) }
