package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

// Policy decides whether a predicted class is a positive finding and which
// risk tier a prediction falls into. Labels are compared case-insensitively.
type Policy struct {
	NoFindingMarkers      []string `yaml:"no_finding_markers"`
	NoFindingExact        []string `yaml:"no_finding_exact"`
	HighSeverityTokens    []string `yaml:"high_severity_tokens"`
	HighSeverityThreshold float64  `yaml:"high_severity_threshold"`
	DefaultThreshold      float64  `yaml:"default_threshold"`
}

// DefaultPolicy returns the built-in classification policy.
func DefaultPolicy() Policy {
	return Policy{
		NoFindingMarkers:      []string{"no tumor", "notumor"},
		NoFindingExact:        []string{"normal"},
		HighSeverityTokens:    []string{"glioma"},
		HighSeverityThreshold: 85,
		DefaultThreshold:      90,
	}
}

// LoadPolicy reads a YAML policy file. Keys absent from the file keep
// their default values. An empty path returns DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading risk policy: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("decoding risk policy %s: %w", path, err)
	}

	if err := p.validate(); err != nil {
		return Policy{}, fmt.Errorf("risk policy %s: %w", path, err)
	}
	return p, nil
}

func (p Policy) validate() error {
	if p.HighSeverityThreshold < 0 || p.HighSeverityThreshold > 100 {
		return fmt.Errorf("high_severity_threshold must be within [0, 100], got %v", p.HighSeverityThreshold)
	}
	if p.DefaultThreshold < 0 || p.DefaultThreshold > 100 {
		return fmt.Errorf("default_threshold must be within [0, 100], got %v", p.DefaultThreshold)
	}
	return nil
}

// PositiveFinding reports whether label names an abnormal finding.
func (p Policy) PositiveFinding(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	for _, m := range p.NoFindingMarkers {
		if strings.Contains(l, strings.ToLower(m)) {
			return false
		}
	}
	for _, e := range p.NoFindingExact {
		if l == strings.ToLower(e) {
			return false
		}
	}
	return true
}

// RiskTier maps a label and confidence percentage to Low, Medium or High.
// Confidence must strictly exceed the threshold to reach High.
func (p Policy) RiskTier(label string, confidence float64) string {
	if !p.PositiveFinding(label) {
		return models.RiskLow
	}

	threshold := p.DefaultThreshold
	l := strings.ToLower(label)
	for _, tok := range p.HighSeverityTokens {
		if strings.Contains(l, strings.ToLower(tok)) {
			threshold = p.HighSeverityThreshold
			break
		}
	}

	if confidence > threshold {
		return models.RiskHigh
	}
	return models.RiskMedium
}

// Result builds the typed scan result for a prediction.
func (p Policy) Result(pred Prediction) models.ScanResult {
	probs := pred.Probabilities
	if probs == nil {
		probs = map[string]float64{}
	}
	return models.ScanResult{
		PredictedClass:  pred.Class,
		Confidence:      pred.Confidence,
		Probabilities:   probs,
		PositiveFinding: p.PositiveFinding(pred.Class),
		RiskTier:        p.RiskTier(pred.Class, pred.Confidence),
	}
}
