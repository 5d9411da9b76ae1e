// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

// Package engine scores feature vectors using combined signature, heuristic
// and learned-model inference, with result caching by content fingerprint.
package engine

import (
	"time"
)

// Level is the ordered threat severity assigned to a scan result.
type Level int

const (
	LevelSafe Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelSafe:
		return "safe"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	}
	return "unknown"
}

// Method denotes which detection stage produced a verdict.
type Method int

const (
	MethodSignature Method = iota
	MethodHeuristic
	MethodModel
	MethodEnsemble
)

func (m Method) String() string {
	switch m {
	case MethodSignature:
		return "signature"
	case MethodHeuristic:
		return "heuristic"
	case MethodModel:
		return "model"
	case MethodEnsemble:
		return "ensemble"
	}
	return "unknown"
}

// Verdict is the engine's classification output for one scan request. A
// verdict is never mutated after creation; the cache hands out copies.
type Verdict struct {
	Level          Level         `json:"level"`
	Confidence     float64       `json:"confidence"`
	MaliciousScore float64       `json:"malicious_score"`
	BenignScore    float64       `json:"benign_score"`
	Method         Method        `json:"method"`
	Family         string        `json:"family,omitempty"`
	Indicators     []string      `json:"indicators,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	Latency        time.Duration `json:"latency"`
}

// clone returns a deep copy so that cached verdicts stay immutable even if a
// caller modifies the returned indicator slice.
func (v Verdict) clone() Verdict {
	out := v
	if v.Indicators != nil {
		out.Indicators = append([]string(nil), v.Indicators...)
	}
	return out
}

// levelForScore maps a combined score to a threat level using the fixed
// threshold table.
func levelForScore(score float64) Level {
	switch {
	case score >= 0.85:
		return LevelCritical
	case score >= 0.70:
		return LevelHigh
	case score >= 0.50:
		return LevelMedium
	case score >= 0.30:
		return LevelLow
	}
	return LevelSafe
}

// threatNameForLevel returns the generated threat label for verdicts that
// were not matched by an exact signature.
func threatNameForLevel(l Level) string {
	switch l {
	case LevelCritical:
		return "HEUR:Malware.Score.Critical"
	case LevelHigh:
		return "HEUR:Suspicious.High"
	case LevelMedium:
		return "HEUR:Suspicious.Medium"
	case LevelLow:
		return "HEUR:Suspicious.Low"
	}
	return ""
}
