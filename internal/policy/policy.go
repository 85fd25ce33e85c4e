// Package policy loads campaign policies from YAML files.
//
// A file has an optional defaults block merged into every entry:
//
//	defaults:
//	  min_conversions: 5
//	policies:
//	  - platform: google
//	    account_id: "123-456"
//	    campaign_id: brand
//	    target_cac: 40
//	    max_cac: 60
//	    min_budget: 20
//	    max_budget: 500
//
// Entries are enabled unless they say otherwise.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/spendpilot/spendpilot/internal/model"
)

type entry struct {
	Platform       string   `yaml:"platform"`
	AccountID      string   `yaml:"account_id"`
	CampaignID     string   `yaml:"campaign_id"`
	TargetCAC      *float64 `yaml:"target_cac"`
	MaxCAC         *float64 `yaml:"max_cac"`
	MinBudget      *float64 `yaml:"min_budget"`
	MaxBudget      *float64 `yaml:"max_budget"`
	MinConversions *int64   `yaml:"min_conversions"`
	Enabled        *bool    `yaml:"enabled"`
}

type file struct {
	Defaults entry   `yaml:"defaults"`
	Policies []entry `yaml:"policies"`
}

// LoadFile reads and validates the policy file at path.
func LoadFile(path string) ([]model.CampaignPolicy, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	defer f.Close() //nolint:errcheck
	ps, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ps, nil
}

// Load decodes a policy document, applies defaults and validates every
// entry. Unknown keys and duplicate campaigns are errors.
func Load(r io.Reader) ([]model.CampaignPolicy, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("policy: read: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var doc file
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}

	out := make([]model.CampaignPolicy, 0, len(doc.Policies))
	seen := make(map[model.CampaignKey]int, len(doc.Policies))
	var errs []error
	for i, e := range doc.Policies {
		p := merge(doc.Defaults, e)
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policies[%d]: %w", i, err))
			continue
		}
		if j, dup := seen[p.Key()]; dup {
			errs = append(errs, fmt.Errorf("policies[%d]: duplicates policies[%d] (%s)", i, j, p.Key()))
			continue
		}
		seen[p.Key()] = i
		out = append(out, p)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("policy: %w", errors.Join(errs...))
	}
	return out, nil
}

func merge(d, e entry) model.CampaignPolicy {
	p := model.CampaignPolicy{
		Platform:   model.Platform(e.Platform),
		AccountID:  e.AccountID,
		CampaignID: e.CampaignID,
		Enabled:    true,
	}
	if pl, err := model.ParsePlatform(e.Platform); err == nil {
		p.Platform = pl
	}
	p.TargetCAC = pick(e.TargetCAC, d.TargetCAC, 0)
	p.MaxCAC = pick(e.MaxCAC, d.MaxCAC, 0)
	p.MinBudget = pick(e.MinBudget, d.MinBudget, 0)
	p.MaxBudget = pick(e.MaxBudget, d.MaxBudget, 0)
	p.MinConversions = pick(e.MinConversions, d.MinConversions, 0)
	p.Enabled = pick(e.Enabled, d.Enabled, true)
	return p
}

func pick[T any](v, fallback *T, zero T) T {
	switch {
	case v != nil:
		return *v
	case fallback != nil:
		return *fallback
	default:
		return zero
	}
}

// Marshal renders policies in the file format LoadFile accepts.
func Marshal(ps []model.CampaignPolicy) ([]byte, error) {
	doc := struct {
		Policies []model.CampaignPolicy `yaml:"policies"`
	}{Policies: ps}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("policy: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("policy: encode: %w", err)
	}
	return buf.Bytes(), nil
}
