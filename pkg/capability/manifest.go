package capability

import (
	"errors"
	"fmt"
	"os"

	"github.com/crankbird/crank/pkg/types"
	"gopkg.in/yaml.v3"
)

// manifestFile is the on-disk shape of a worker's static capability
// manifest: a list of capability definitions under a single top-level key.
type manifestFile struct {
	Capabilities []types.CapabilityDefinition `yaml:"capabilities"`
}

// LoadManifest reads a YAML capability manifest from path and validates
// every entry, per the §9 redesign note favoring data-first capability
// manifests over code-level declaration. It returns every violation found
// across the manifest, not just the first.
func LoadManifest(path string) ([]types.CapabilityDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var manifest manifestFile
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	var errs []error
	seen := make(map[string]bool, len(manifest.Capabilities))
	for i := range manifest.Capabilities {
		def := &manifest.Capabilities[i]
		if err := Validate(def); err != nil {
			errs = append(errs, fmt.Errorf("manifest %s: capability %q: %w", path, def.ID, err))
			continue
		}
		key := def.ID + "@" + def.Version
		if seen[key] {
			errs = append(errs, fmt.Errorf("manifest %s: duplicate (id, version) %s", path, key))
			continue
		}
		seen[key] = true
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return manifest.Capabilities, nil
}
