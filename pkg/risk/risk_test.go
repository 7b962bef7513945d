package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore_Bounds(t *testing.T) {
	p := DefaultPolicy()

	benign := p.Score(Factors{Reversible: true, ResourceCount: 1})
	assert.GreaterOrEqual(t, benign, 0)
	assert.Less(t, benign, 25, "single reversible resource should be low risk")

	worst := p.Score(Factors{Reversible: false, Downtime: true, DataLoss: true, ResourceCount: 5000})
	assert.Equal(t, 100, worst, "worst case saturates at 100")
}

func TestScore_IrreversibilityNeverLowers(t *testing.T) {
	p := DefaultPolicy()
	for _, count := range []int{1, 5, 50, 500} {
		rev := p.Score(Factors{Reversible: true, ResourceCount: count})
		irrev := p.Score(Factors{Reversible: false, ResourceCount: count})
		assert.GreaterOrEqual(t, irrev, rev, "count=%d", count)
	}
}

func TestScore_BlastRadiusMonotonic(t *testing.T) {
	p := DefaultPolicy()
	prev := -1
	for _, count := range []int{0, 1, 2, 10, 11, 100, 101, 10000} {
		s := p.Score(Factors{Reversible: true, ResourceCount: count})
		assert.GreaterOrEqual(t, s, prev, "count=%d", count)
		prev = s
	}
}

func TestLevelFor(t *testing.T) {
	cases := []struct {
		score int
		want  Level
	}{
		{0, LevelLow},
		{24, LevelLow},
		{25, LevelMedium},
		{49, LevelMedium},
		{50, LevelHigh},
		{74, LevelHigh},
		{75, LevelCritical},
		{100, LevelCritical},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, LevelFor(c.score), "score=%d", c.score)
	}
}

func TestMaxLevel(t *testing.T) {
	assert.Equal(t, LevelCritical, MaxLevel(LevelLow, LevelCritical))
	assert.Equal(t, LevelHigh, MaxLevel(LevelHigh, LevelMedium))
	assert.Equal(t, LevelLow, MaxLevel(LevelLow, LevelLow))
}

func TestFloorScore_AlignsWithLevelFor(t *testing.T) {
	for _, l := range []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical} {
		assert.Equal(t, l, LevelFor(FloorScore(l)))
	}
}
