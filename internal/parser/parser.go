// Package parser turns the analyzer's line-oriented stdout into a typed prediction.
//
// The analyzer prints, in any order:
//
//	Class: Glioma
//	Confidence: 0.97
//
// optionally followed by a probability block that runs to the end of output:
//
//	All probabilities
//	-----------------
//	glioma      : 0.9700
//	notumor     : 0.0100
//
// Raw floats are fractions and are always scaled by 100. Parsing never fails:
// malformed lines are skipped and a missing class degrades to UnknownClass.
package parser

import (
	"bufio"
	"math"
	"strconv"
	"strings"
)

// UnknownClass is reported when the output carries no Class line.
const UnknownClass = "Unknown"

const (
	classMarker      = "Class:"
	confidenceMarker = "Confidence:"
	probBlockMarker  = "probabilities"
)

// Prediction is the raw classification extracted from analyzer output.
// Confidence and Probabilities are percentages.
type Prediction struct {
	Class         string
	Confidence    float64
	Probabilities map[string]float64
}

// Parse extracts a Prediction from analyzer stdout.
func Parse(output string) Prediction {
	p := Prediction{
		Class:         UnknownClass,
		Probabilities: make(map[string]float64),
	}

	inProbs := false
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || isSeparator(line) {
			continue
		}

		switch {
		case strings.Contains(line, probBlockMarker):
			inProbs = true
		case strings.HasPrefix(line, classMarker):
			if class := strings.TrimSpace(strings.TrimPrefix(line, classMarker)); class != "" {
				p.Class = class
			}
		case strings.HasPrefix(line, confidenceMarker):
			if v, ok := parsePercent(strings.TrimPrefix(line, confidenceMarker)); ok {
				p.Confidence = v
			}
		case inProbs:
			label, v, ok := parseProbability(line)
			if ok {
				p.Probabilities[label] = v
			}
		}
	}

	return p
}

// parseProbability splits "<label> : <float>" at the last colon.
func parseProbability(line string) (string, float64, bool) {
	idx := strings.LastIndex(line, ":")
	if idx <= 0 {
		return "", 0, false
	}
	label := strings.TrimSpace(line[:idx])
	if label == "" {
		return "", 0, false
	}
	v, ok := parsePercent(line[idx+1:])
	if !ok {
		return "", 0, false
	}
	return label, v, true
}

// parsePercent reads a fraction and scales it to a percentage. NaN and
// infinities, written out or reached by overflow, are rejected.
func parsePercent(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	v *= 100
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func isSeparator(line string) bool {
	return strings.Trim(line, "-") == ""
}
