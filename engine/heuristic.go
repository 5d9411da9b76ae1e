// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package engine

import (
	"fmt"

	"github.com/vigil-av/vigil/feature"
)

// heuristicScore derives a score in [0,1] from the named sub-features of a
// vector, together with human-readable indicators for each rule that fired.
// The additive weights are tuned so that no single rule can push a clean
// file past the medium threshold on its own.
func heuristicScore(sum feature.Summary) (float64, []string) {
	var score float64
	var indicators []string

	switch {
	case sum.Entropy > 7.5:
		score += 0.25
		indicators = append(indicators, fmt.Sprintf("high entropy %.2f, likely packed or encrypted", sum.Entropy))
	case sum.Entropy < 1.0 && sum.Size > 1024:
		score += 0.15
		indicators = append(indicators, fmt.Sprintf("abnormally low entropy %.2f for %d bytes", sum.Entropy, sum.Size))
	}

	if sum.UniformityDev > 0.6 {
		score += 0.2
		indicators = append(indicators, fmt.Sprintf("byte distribution deviation %.2f from uniform", sum.UniformityDev))
	}

	if sum.PrintableStrings > 0 && sum.SuspiciousHits > 0 {
		r := float64(sum.SuspiciousHits) / float64(sum.PrintableStrings)
		if r > 1 {
			r = 1
		}
		score += r * 0.3
		indicators = append(indicators, fmt.Sprintf("%d of %d strings match suspicious API/tool names", sum.SuspiciousHits, sum.PrintableStrings))
	}

	if sum.PackerHits > 0 {
		score += 0.2
		indicators = append(indicators, fmt.Sprintf("%d packer artifacts found", sum.PackerHits))
	}

	if sum.HasPE && sum.Unsigned {
		score += 0.1
		indicators = append(indicators, "unsigned native executable")
	}

	if score > 1 {
		score = 1
	}
	return score, indicators
}
