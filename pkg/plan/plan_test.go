package plan

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/core/pkg/audit"
	"github.com/stackpilot/core/pkg/boundary"
	"github.com/stackpilot/core/pkg/cloud"
	"github.com/stackpilot/core/pkg/intent"
	"github.com/stackpilot/core/pkg/risk"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testGenerator(t *testing.T) (*Generator, *audit.Log) {
	t.Helper()
	log, err := audit.Open(context.Background(), audit.NewMemoryStore())
	require.NoError(t, err)
	g := NewGenerator(boundary.Default(), risk.DefaultPolicy(), log,
		WithGeneratorClock(func() time.Time { return fixedNow }))
	return g, log
}

func stopIntent(resources ...string) *intent.ParsedIntent {
	return &intent.ParsedIntent{
		IntentID:          "intent-1",
		ConnectionID:      "conn-1",
		InterpretedAction: "ec2:stop_instances",
		Confidence:        0.9,
		Entities: intent.Entities{
			Service:   "ec2",
			Action:    "stop_instances",
			Resources: resources,
		},
	}
}

func testConn() *cloud.Connection {
	return &cloud.Connection{ID: "conn-1", CustomerID: "cust-1", Provider: "aws"}
}

func TestGenerateOrdersStepsDeterministically(t *testing.T) {
	g, _ := testGenerator(t)

	p, err := g.Generate(context.Background(), testConn(), stopIntent("i-0c", "i-0a", "i-0b"), nil)
	require.NoError(t, err)

	require.Len(t, p.Steps, 3)
	assert.Equal(t, []string{"i-0a"}, p.Steps[0].Resources)
	assert.Equal(t, []string{"i-0b"}, p.Steps[1].Resources)
	assert.Equal(t, []string{"i-0c"}, p.Steps[2].Resources)
	for i, st := range p.Steps {
		assert.Equal(t, i+1, st.Order)
		assert.Equal(t, StepPending, st.Status)
	}
}

func TestGenerateSummaryDerivation(t *testing.T) {
	g, _ := testGenerator(t)

	p, err := g.Generate(context.Background(), testConn(), stopIntent("i-1", "i-2"), nil)
	require.NoError(t, err)

	maxScore := 0
	allReversible := true
	for _, st := range p.Steps {
		if st.Impact.RiskScore > maxScore {
			maxScore = st.Impact.RiskScore
		}
		allReversible = allReversible && st.Impact.Reversible
	}
	assert.Equal(t, maxScore, p.Summary.RiskScore)
	assert.Equal(t, allReversible, p.Summary.Reversible)
	assert.Equal(t, 2, p.Summary.TotalSteps)
	assert.Equal(t, 2, p.Summary.ResourcesAffected)
	assert.InDelta(t, -90.0, p.Summary.EstimatedCostImpact, 0.001)
	assert.Equal(t, []string{"ec2"}, p.Summary.ServicesAffected)
	assert.True(t, p.Summary.RequiresApproval)
}

func TestGenerateIrreversibleActionPoisonsReversibility(t *testing.T) {
	g, _ := testGenerator(t)
	pi := stopIntent("i-1")
	pi.InterpretedAction = "ec2:terminate_instances"
	pi.Entities.Action = "terminate_instances"

	p, err := g.Generate(context.Background(), testConn(), pi, nil)
	require.NoError(t, err)

	assert.False(t, p.Summary.Reversible)
	assert.Empty(t, p.Steps[0].CompensatingAction)
}

func TestGenerateSetsTTL(t *testing.T) {
	g, _ := testGenerator(t)

	p, err := g.Generate(context.Background(), testConn(), stopIntent("i-1"), nil)
	require.NoError(t, err)

	assert.Equal(t, fixedNow, p.CreatedAt)
	assert.Equal(t, fixedNow.Add(DefaultTTL), p.ExpiresAt)
	assert.False(t, p.Expired(fixedNow.Add(DefaultTTL-time.Second)))
	assert.True(t, p.Expired(fixedNow.Add(DefaultTTL)))
}

func TestGenerateDSLHashIsStable(t *testing.T) {
	g, _ := testGenerator(t)

	p1, err := g.Generate(context.Background(), testConn(), stopIntent("i-1", "i-2"), nil)
	require.NoError(t, err)
	p2, err := g.Generate(context.Background(), testConn(), stopIntent("i-2", "i-1"), nil)
	require.NoError(t, err)
	p3, err := g.Generate(context.Background(), testConn(), stopIntent("i-1", "i-3"), nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(p1.DSLHash, "sha256:"))
	assert.Equal(t, p1.DSLHash, p2.DSLHash, "same logical steps hash identically")
	assert.NotEqual(t, p1.DSLHash, p3.DSLHash)
}

func TestGenerateExplicitResourcesOverrideIntent(t *testing.T) {
	g, _ := testGenerator(t)

	p, err := g.Generate(context.Background(), testConn(), stopIntent("i-ignored"), []string{"i-explicit"})
	require.NoError(t, err)

	require.Len(t, p.Steps, 1)
	assert.Equal(t, []string{"i-explicit"}, p.Steps[0].Resources)
}

func TestGenerateRefusesBlockedIntent(t *testing.T) {
	g, log := testGenerator(t)
	pi := stopIntent("i-1")
	pi.Blocked = true
	pi.BlockReason = "banned"

	_, err := g.Generate(context.Background(), testConn(), pi, nil)
	assert.ErrorIs(t, err, ErrIntentBlocked)
	assert.Equal(t, uint64(0), log.Position(), "no plan entry for a blocked intent")
}

func TestGenerateRefusesEmptyResourceSet(t *testing.T) {
	g, _ := testGenerator(t)

	_, err := g.Generate(context.Background(), testConn(), stopIntent(), nil)
	assert.ErrorIs(t, err, ErrNoResources)
}

func TestGenerateEnforcesHardLimits(t *testing.T) {
	g, log := testGenerator(t)

	resources := make([]string, 101)
	for i := range resources {
		resources[i] = "i-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
	}
	_, err := g.Generate(context.Background(), testConn(), stopIntent(resources...), nil)
	require.ErrorIs(t, err, boundary.ErrHardLimitExceeded)

	entries, total, err := log.Query(context.Background(), audit.Filter{EventType: audit.EventPermissionDenied})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, audit.ResultBlocked, entries[0].Result)
}

func TestGenerateValidatesParams(t *testing.T) {
	g, _ := testGenerator(t)
	pi := stopIntent("i-1")
	pi.Entities.Parameters = map[string]interface{}{"force": "definitely"}

	_, err := g.Generate(context.Background(), testConn(), pi, nil)
	assert.ErrorIs(t, err, boundary.ErrInvalidParams)
}

func TestGenerateAuditsPlan(t *testing.T) {
	g, log := testGenerator(t)

	p, err := g.Generate(context.Background(), testConn(), stopIntent("i-1"), nil)
	require.NoError(t, err)

	entries, total, err := log.Query(context.Background(), audit.Filter{EventType: audit.EventPlanGenerated})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, p.PlanID, entries[0].Action.PlanID)
	assert.Equal(t, audit.ResultSuccess, entries[0].Result)
}

func TestGenerateVisualization(t *testing.T) {
	g, _ := testGenerator(t)

	p, err := g.Generate(context.Background(), testConn(), stopIntent("i-1", "i-2"), nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(p.Visualization, "graph TD"))
	assert.Contains(t, p.Visualization, "S1 --> S2")
}
