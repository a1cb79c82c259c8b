// Package match scores string similarity for evidence reconciliation. The
// metric is hidden behind Scorer so the three-tier matching policy never
// depends on a specific algorithm.
package match

import (
	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

// Scorer returns a similarity score in [0,1] for two already-normalized
// strings.
type Scorer interface {
	Similarity(a, b string) float64
}

// JaroWinkler is the default scorer.
type JaroWinkler struct{}

func (JaroWinkler) Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return strutil.Similarity(a, b, metrics.NewJaroWinkler())
}

// SorensenDice is a token-friendly alternative for long multi-word titles.
type SorensenDice struct{}

func (SorensenDice) Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return strutil.Similarity(a, b, metrics.NewSorensenDice())
}

// Default returns the scorer used when config does not select one.
func Default() Scorer { return JaroWinkler{} }

// ByName resolves a configured metric name, falling back to the default.
func ByName(name string) Scorer {
	switch name {
	case "sorensen_dice":
		return SorensenDice{}
	case "jaro_winkler", "":
		return JaroWinkler{}
	default:
		return JaroWinkler{}
	}
}
