package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of the run log kept at each alias root.
const ManifestFile = "manifest.yaml"

// Manifest records every run that wrote into one alias directory, oldest
// first.
type Manifest struct {
	Alias string      `json:"alias" yaml:"alias"`
	Runs  []RunReport `json:"runs" yaml:"runs"`
}

// ParseManifest decodes a manifest. Empty input yields an empty manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// Append adds a run report.
func (m *Manifest) Append(r RunReport) {
	m.Runs = append(m.Runs, r)
}

// Latest returns the most recent run, or nil.
func (m *Manifest) Latest() *RunReport {
	if len(m.Runs) == 0 {
		return nil
	}
	return &m.Runs[len(m.Runs)-1]
}

// Marshal encodes the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}
