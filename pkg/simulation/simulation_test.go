package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/core/pkg/audit"
	"github.com/stackpilot/core/pkg/boundary"
	"github.com/stackpilot/core/pkg/cloud"
	"github.com/stackpilot/core/pkg/intent"
	"github.com/stackpilot/core/pkg/plan"
	"github.com/stackpilot/core/pkg/risk"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testHarness(t *testing.T, opts ...EngineOption) (*Engine, *plan.Generator, *audit.Log) {
	t.Helper()
	log, err := audit.Open(context.Background(), audit.NewMemoryStore())
	require.NoError(t, err)
	b := boundary.Default()
	policy := risk.DefaultPolicy()
	opts = append([]EngineOption{WithEngineClock(func() time.Time { return fixedNow })}, opts...)
	e := NewEngine(b, policy, log, opts...)
	g := plan.NewGenerator(b, policy, log,
		plan.WithGeneratorClock(func() time.Time { return fixedNow }))
	return e, g, log
}

func testConn() *cloud.Connection {
	return &cloud.Connection{
		ID:         "conn-1",
		CustomerID: "cust-1",
		Provider:   "aws",
		GrantedPermissions: []string{
			"ec2:stop_instances",
			"ec2:start_instances",
			"s3:put_lifecycle_policy",
		},
	}
}

func stopPlan(t *testing.T, g *plan.Generator, resources ...string) *plan.Plan {
	t.Helper()
	p, err := g.Generate(context.Background(), testConn(), &intent.ParsedIntent{
		IntentID:          "intent-1",
		InterpretedAction: "ec2:stop_instances",
		Entities: intent.Entities{
			Service: "ec2", Action: "stop_instances", Resources: resources,
		},
	}, nil)
	require.NoError(t, err)
	return p
}

func TestSimulatePassesWhenPermissionsCoverPlan(t *testing.T) {
	e, g, _ := testHarness(t)
	p := stopPlan(t, g, "i-1", "i-2")

	r, err := e.Simulate(context.Background(), testConn(), p)
	require.NoError(t, err)

	assert.True(t, r.CanPromoteToLive)
	assert.Empty(t, r.PromotionBlockers)
	assert.True(t, r.PermissionValidation.Valid)
	assert.Empty(t, r.PermissionValidation.MissingPermissions)
	assert.Equal(t, p.DSLHash, r.DSLHash)
}

func TestSimulateMissingPermissionBlocksPromotion(t *testing.T) {
	e, g, _ := testHarness(t)
	p := stopPlan(t, g, "i-1")
	conn := testConn()
	conn.GrantedPermissions = []string{"ec2:start_instances"}

	r, err := e.Simulate(context.Background(), conn, p)
	require.NoError(t, err)

	assert.False(t, r.CanPromoteToLive)
	assert.False(t, r.PermissionValidation.Valid)
	assert.Equal(t, []string{"ec2:stop_instances"}, r.PermissionValidation.MissingPermissions)
	assert.NotEmpty(t, r.PromotionBlockers)
}

func TestSimulateExpiredPlanBlocksPromotion(t *testing.T) {
	e, g, _ := testHarness(t)
	p := stopPlan(t, g, "i-1")
	p.ExpiresAt = fixedNow.Add(-time.Minute)

	r, err := e.Simulate(context.Background(), testConn(), p)
	require.NoError(t, err)

	assert.False(t, r.CanPromoteToLive)
	assert.Contains(t, r.PromotionBlockers[0], "expired")
}

func TestSimulateCostConfidenceBucketing(t *testing.T) {
	e, g, _ := testHarness(t)

	// All-tabular pricing predicts with high confidence.
	p := stopPlan(t, g, "i-1", "i-2")
	r, err := e.Simulate(context.Background(), testConn(), p)
	require.NoError(t, err)
	assert.Equal(t, ConfidenceHigh, r.CostPrediction.Confidence)
	assert.InDelta(t, -90.0, r.CostPrediction.MonthlyDelta, 0.001)
	assert.InDelta(t, -1080.0, r.CostPrediction.AnnualDelta, 0.001)

	// One estimated-pricing step drops the whole prediction to low.
	lifecycle, err := g.Generate(context.Background(), testConn(), &intent.ParsedIntent{
		InterpretedAction: "s3:put_lifecycle_policy",
		Entities: intent.Entities{
			Service: "s3", Action: "put_lifecycle_policy", Resources: []string{"logs-bucket"},
		},
	}, nil)
	require.NoError(t, err)
	r, err = e.Simulate(context.Background(), testConn(), lifecycle)
	require.NoError(t, err)
	assert.Equal(t, ConfidenceLow, r.CostPrediction.Confidence)
}

func TestSimulateObservesLiveState(t *testing.T) {
	driver := cloud.NewFakeDriver()
	driver.SetState("i-1", "stopped")
	driver.SetState("i-2", "running")
	e, g, _ := testHarness(t, WithStateObserver(driver))
	p := stopPlan(t, g, "i-1", "i-2")

	r, err := e.Simulate(context.Background(), testConn(), p)
	require.NoError(t, err)

	require.Len(t, r.Observations, 1)
	assert.Contains(t, r.Observations[0], "i-1")
	assert.Contains(t, r.Observations[0], "no-op")
	// The no-op step drops out of the cost prediction.
	assert.InDelta(t, -45.0, r.CostPrediction.MonthlyDelta, 0.001)
}

func TestSimulateRiskAssessmentIsIndependent(t *testing.T) {
	driver := cloud.NewFakeDriver()
	driver.SetState("i-1", "stopped")
	e, g, _ := testHarness(t, WithStateObserver(driver))
	p := stopPlan(t, g, "i-1")

	r, err := e.Simulate(context.Background(), testConn(), p)
	require.NoError(t, err)

	// Every live step is a no-op, so the live risk collapses to zero
	// even though the plan's static summary scored higher.
	assert.Equal(t, 0, r.RiskAssessment.RiskScore)
	assert.Equal(t, risk.LevelLow, r.RiskAssessment.OverallRisk)
	assert.NotEqual(t, p.Summary.RiskScore, r.RiskAssessment.RiskScore)
}

func TestSimulateAuditsOutcome(t *testing.T) {
	e, g, log := testHarness(t)
	p := stopPlan(t, g, "i-1")
	conn := testConn()
	conn.GrantedPermissions = nil

	_, err := e.Simulate(context.Background(), conn, p)
	require.NoError(t, err)

	entries, total, err := log.Query(context.Background(), audit.Filter{EventType: audit.EventSimulationExecuted})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, audit.ResultFailure, entries[0].Result)
	assert.Equal(t, p.PlanID, entries[0].Action.PlanID)
}

func TestSimulateNeverMutates(t *testing.T) {
	driver := cloud.NewFakeDriver()
	driver.SetState("i-1", "running")
	e, g, _ := testHarness(t, WithStateObserver(driver))
	p := stopPlan(t, g, "i-1")

	_, err := e.Simulate(context.Background(), testConn(), p)
	require.NoError(t, err)

	assert.Empty(t, driver.Calls(), "simulation must not issue Execute calls")
}
