// Package risk scores the blast radius of cloud mutations.
//
// Scores are 0-100 and derived from four step attributes: reversibility,
// downtime, data loss, and the number of resources touched. The exact
// weighting is policy, not physics, so it lives in a tunable table; the
// invariant callers may rely on is monotonicity (more resources or less
// reversibility never lowers the score), not specific values.
package risk

// Level is the qualitative risk classification.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Factors are the step attributes the scorer consumes.
type Factors struct {
	Reversible    bool
	Downtime      bool
	DataLoss      bool
	ResourceCount int
}

// Policy is the tunable weighting table.
type Policy struct {
	IrreversibleWeight int `json:"irreversible_weight" yaml:"irreversible_weight"`
	DataLossWeight     int `json:"data_loss_weight" yaml:"data_loss_weight"`
	DowntimeWeight     int `json:"downtime_weight" yaml:"downtime_weight"`

	// BlastRadiusBuckets maps resource-count thresholds to weights.
	// Buckets must be sorted ascending by MaxResources; the last bucket
	// with MaxResources == 0 is the unbounded tail.
	BlastRadiusBuckets []BlastBucket `json:"blast_radius_buckets" yaml:"blast_radius_buckets"`
}

// BlastBucket assigns a weight to step blast radius up to MaxResources.
type BlastBucket struct {
	MaxResources int `json:"max_resources" yaml:"max_resources"` // 0 = unbounded
	Weight       int `json:"weight" yaml:"weight"`
}

// DefaultPolicy returns the shipped weighting. An irreversible,
// data-losing step with downtime and a large blast radius saturates
// at 100.
func DefaultPolicy() Policy {
	return Policy{
		IrreversibleWeight: 35,
		DataLossWeight:     30,
		DowntimeWeight:     15,
		BlastRadiusBuckets: []BlastBucket{
			{MaxResources: 1, Weight: 0},
			{MaxResources: 10, Weight: 8},
			{MaxResources: 100, Weight: 14},
			{MaxResources: 0, Weight: 20},
		},
	}
}

// Score computes the 0-100 risk score for a set of factors.
func (p Policy) Score(f Factors) int {
	score := 0
	if !f.Reversible {
		score += p.IrreversibleWeight
	}
	if f.DataLoss {
		score += p.DataLossWeight
	}
	if f.Downtime {
		score += p.DowntimeWeight
	}
	score += p.blastWeight(f.ResourceCount)
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func (p Policy) blastWeight(count int) int {
	if count <= 0 {
		return 0
	}
	for _, b := range p.BlastRadiusBuckets {
		if b.MaxResources != 0 && count <= b.MaxResources {
			return b.Weight
		}
	}
	if n := len(p.BlastRadiusBuckets); n > 0 {
		return p.BlastRadiusBuckets[n-1].Weight
	}
	return 0
}

// LevelFor maps a numeric score to its qualitative level.
func LevelFor(score int) Level {
	switch {
	case score < 25:
		return LevelLow
	case score < 50:
		return LevelMedium
	case score < 75:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// MaxLevel returns the more severe of two levels.
func MaxLevel(a, b Level) Level {
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

func rank(l Level) int {
	switch l {
	case LevelCritical:
		return 3
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	default:
		return 0
	}
}

// FloorScore returns the lowest numeric score inside a level's band.
// Used when only a qualitative category is known (e.g. catalog entries).
func FloorScore(l Level) int {
	switch l {
	case LevelCritical:
		return 75
	case LevelHigh:
		return 50
	case LevelMedium:
		return 25
	default:
		return 0
	}
}
