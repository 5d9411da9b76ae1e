// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package feature

// Technique is one of a small set of attack techniques the process analysis
// collaborator can flag on a report.
type Technique int

const (
	TechniqueInjection Technique = iota
	TechniqueHollowing
	TechniqueKeylogging
	TechniquePersistence
	TechniqueCredentialTheft
	TechniqueDefenseEvasion
	techniqueCount
)

// BehaviorReport is the read-only view of a process analysis result consumed
// by behavioral feature extraction. It is produced by the process analysis
// collaborator, which is outside this module.
type BehaviorReport struct {
	ModuleCount       int
	ThreadCount       int
	Elevated          bool
	InjectedCode      bool
	EscalationAttempt bool
	Techniques        []Technique
	ThreatScore       float32
}

// ExtractBehavior converts a behavioral report into a feature vector of the
// configured size. Reports are never rejected; an all-quiet report simply
// produces a near-zero vector that still carries the valid flag.
func (e *Extractor) ExtractBehavior(rep BehaviorReport) Vector {
	features := behaviorFeatures(rep)

	vec := Vector{
		Data:  fitToSize(features, e.cfg.VectorSize),
		Kind:  Behavioral,
		Valid: true,
	}
	if e.cfg.Normalize {
		minMaxNormalize(vec.Data)
	}
	return vec
}

// ExtractHybrid blends static features from a buffer with behavioral
// features from a report. Static features keep their layout; the behavioral
// block replaces the tail of the vector so that both signals survive the
// size cap.
func (e *Extractor) ExtractHybrid(data []byte, rep BehaviorReport) Vector {
	vec := e.Extract(data, Hybrid)
	if !vec.Valid {
		return vec
	}

	bf := behaviorFeatures(rep)
	if len(bf) > len(vec.Data) {
		bf = bf[:len(vec.Data)]
	}
	copy(vec.Data[len(vec.Data)-len(bf):], bf)
	if e.cfg.Normalize {
		minMaxNormalize(vec.Data)
	}
	return vec
}

func behaviorFeatures(rep BehaviorReport) []float32 {
	boolF := func(b bool) float32 {
		if b {
			return 1
		}
		return 0
	}

	techniques := make([]float32, techniqueCount)
	for _, t := range rep.Techniques {
		if t >= 0 && int(t) < len(techniques) {
			techniques[t] = 1
		}
	}

	score := rep.ThreatScore
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	out := []float32{
		float32(rep.ModuleCount) / 512.0,
		float32(rep.ThreadCount) / 256.0,
		boolF(rep.Elevated),
		boolF(rep.InjectedCode),
		boolF(rep.EscalationAttempt),
		score,
	}
	return append(out, techniques...)
}
