// Package rulebook parses the rulebook YAML only far enough to extract
// port mappings for the container request (spec.md §6, "Rulebook port
// extraction"); the rule engine itself is an external collaborator.
// Grounded on original_source/src/aap_eda/services/activation/engine/ports.py's
// find_ports, translated to gopkg.in/yaml.v3 decoding.
package rulebook

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ansible/rulebook-orchestrator/internal/engine"
)

type ruleset struct {
	Sources []map[string]any `yaml:"sources"`
}

// FindPorts walks every ruleset's sources list and returns a (host, port)
// pair for each source whose single remaining key (after dropping "name")
// maps to parameters carrying an integer "port".
func FindPorts(rulebookText string) ([]engine.PortMapping, error) {
	var rulesets []ruleset
	if err := yaml.Unmarshal([]byte(rulebookText), &rulesets); err != nil {
		return nil, fmt.Errorf("failed to parse rulebook: %w", err)
	}

	var found []engine.PortMapping
	for _, rs := range rulesets {
		for _, source := range rs.Sources {
			delete(source, "name")
			if len(source) == 0 {
				continue
			}

			var args map[string]any
			for _, v := range source {
				if m, ok := v.(map[string]any); ok {
					args = m
				}
				break
			}
			if args == nil {
				continue
			}

			host, _ := args["host"].(string)

			var port int
			switch v := args["port"].(type) {
			case int:
				port = v
			case int64:
				port = int(v)
			default:
				continue
			}

			found = append(found, engine.PortMapping{Host: host, Port: port})
		}
	}

	return found, nil
}
