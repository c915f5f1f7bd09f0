package search

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedDefinitions models the structure of configs/indices.yaml, the seed
// corpus loaded into the in-memory engine.
type SeedDefinitions struct {
	Cluster string      `yaml:"cluster"`
	Indices []SeedIndex `yaml:"indices"`
}

// SeedIndex describes one seeded index: its field mappings and documents.
type SeedIndex struct {
	Name      string            `yaml:"name"`
	Mappings  map[string]string `yaml:"mappings"`
	Documents []SeedDocument    `yaml:"documents"`
}

// SeedDocument is a single seeded record.
type SeedDocument struct {
	ID     string         `yaml:"id"`
	Source map[string]any `yaml:"source"`
}

// LoadSeedDefinitions parses the YAML file containing the seed corpus.
func LoadSeedDefinitions(path string) (SeedDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return SeedDefinitions{}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return SeedDefinitions{}, fmt.Errorf("读取索引种子配置失败: %w", err)
	}

	var defs SeedDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return SeedDefinitions{}, fmt.Errorf("解析索引种子配置失败: %w", err)
	}
	return defs, nil
}
