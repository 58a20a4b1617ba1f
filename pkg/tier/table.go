package tier

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rawLimit mirrors one YAML (tier, resource) entry before it is converted
// into a Limit -- kept separate so the on-disk shape can use pointers to
// distinguish "absent" from "zero" without polluting Limit itself.
type rawLimit struct {
	Quota      *float64 `yaml:"quota"`
	AllowList  []string `yaml:"allow_list"`
	Capability *bool    `yaml:"capability"`
}

// LoadTableFile reads the tier limit table from a YAML file shaped as
// {tier: {resource_key: {quota|allow_list|capability: ...}}}, per spec.md
// section 4.7 ("loaded at startup from configuration"). Grounded on
// cellorg/public/agent/framework.go's loadConfigFile -- read the whole
// file, yaml.Unmarshal into a map, same one-shot startup-time load, no
// hot-reload.
func LoadTableFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tier: failed to read limit table %s: %w", path, err)
	}

	var raw map[string]map[string]rawLimit
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("tier: failed to parse limit table %s: %w", path, err)
	}

	table := make(Table, len(raw))
	for tierName, resources := range raw {
		limits := make(map[string]Limit, len(resources))
		for resourceKey, r := range resources {
			limit := Limit{AllowList: r.AllowList}
			if r.Quota != nil {
				limit.Quota = *r.Quota
			}
			if r.Capability != nil {
				limit.Capability = *r.Capability
			}
			limits[resourceKey] = limit
		}
		table[tierName] = limits
	}
	return table, nil
}
