package pool

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadMachines reads a YAML list of machine specs.
func LoadMachines(path string) ([]Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read machine file: %w", err)
	}
	var specs []Spec
	if err := yaml.Unmarshal(b, &specs); err != nil {
		return nil, fmt.Errorf("parse machine file %s: %w", path, err)
	}
	var errs []error
	seen := map[string]bool{}
	for i, s := range specs {
		h := strings.TrimSpace(s.Hostname)
		switch {
		case h == "":
			errs = append(errs, fmt.Errorf("machine %d: hostname required", i))
		case seen[h]:
			errs = append(errs, fmt.Errorf("machine %s: listed twice", h))
		}
		seen[h] = true
		specs[i].Hostname = h
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return specs, nil
}
