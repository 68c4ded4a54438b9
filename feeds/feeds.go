// Package feeds implements the fifth pipeline step: ingesting IP-only
// abuse feeds, attributing each observation to a hosting organization,
// deduplicating through the persistent feed store, and exporting per-feed
// counts joined with capacity figures.
package feeds

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// Spec names one configured feed and where its files live. Path may be a
// file, a directory, or a glob.
type Spec struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

type feedsFile struct {
	Feeds []Spec `yaml:"feeds"`
}

// LoadSpecs reads feeds.yaml. A missing or empty path yields zero feeds,
// which is a valid configuration: the export still writes one row per
// organization with capacity columns filled. Every named parser must
// exist in the registry.
func LoadSpecs(path string) ([]Spec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("step5: no feeds file at %s, proceeding with zero feeds", path)
			return nil, nil
		}
		return nil, fmt.Errorf("feeds: read %s: %w", path, err)
	}
	var ff feedsFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("feeds: parse %s: %w", path, err)
	}
	for _, spec := range ff.Feeds {
		if spec.Name == "" || spec.Path == "" {
			return nil, fmt.Errorf("feeds: %s: every feed needs name and path", path)
		}
		if _, err := NewParser(spec.Name); err != nil {
			return nil, err
		}
	}
	return ff.Feeds, nil
}
