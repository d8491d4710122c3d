// Package eval scores resolutions against reference answers so runs with
// and without experience memory can be compared.
package eval

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed dataset.yaml
var defaultDataset []byte

// Case is one incident with its reference resolution.
type Case struct {
	Name     string `yaml:"name"`
	Input    string `yaml:"input"`
	Expected string `yaml:"expected"`
}

// Dataset is an ordered list of cases.
type Dataset struct {
	Cases []Case `yaml:"cases"`
}

// LoadDataset reads path, or the built-in scenarios when path is empty.
func LoadDataset(path string) (Dataset, error) {
	raw := defaultDataset
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Dataset{}, fmt.Errorf("read dataset: %w", err)
		}
		raw = b
	}
	return ParseDataset(raw)
}

// ParseDataset decodes and validates a YAML dataset. Unnamed cases get
// positional names.
func ParseDataset(raw []byte) (Dataset, error) {
	var ds Dataset
	if err := yaml.Unmarshal(raw, &ds); err != nil {
		return Dataset{}, fmt.Errorf("parse dataset: %w", err)
	}
	if len(ds.Cases) == 0 {
		return Dataset{}, fmt.Errorf("dataset has no cases")
	}
	for i := range ds.Cases {
		c := &ds.Cases[i]
		c.Input = strings.TrimSpace(c.Input)
		c.Expected = strings.TrimSpace(c.Expected)
		if c.Input == "" || c.Expected == "" {
			return Dataset{}, fmt.Errorf("case %d: input and expected are required", i+1)
		}
		if strings.TrimSpace(c.Name) == "" {
			c.Name = fmt.Sprintf("case-%d", i+1)
		}
	}
	return ds, nil
}
