package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/core/pkg/approval"
	"github.com/stackpilot/core/pkg/audit"
	"github.com/stackpilot/core/pkg/boundary"
	"github.com/stackpilot/core/pkg/cloud"
	"github.com/stackpilot/core/pkg/execution"
	"github.com/stackpilot/core/pkg/intent"
	"github.com/stackpilot/core/pkg/killswitch"
	"github.com/stackpilot/core/pkg/plan"
	"github.com/stackpilot/core/pkg/registry"
	"github.com/stackpilot/core/pkg/risk"
	"github.com/stackpilot/core/pkg/simulation"
)

const adminToken = "test-admin-token"

type apiHarness struct {
	ts     *httptest.Server
	driver *cloud.FakeDriver
	log    *audit.Log
	store  registry.Store
}

func testServer(t *testing.T) *apiHarness {
	t.Helper()
	log, err := audit.Open(context.Background(), audit.NewMemoryStore())
	require.NoError(t, err)

	b := boundary.Default()
	policy := risk.DefaultPolicy()
	store := registry.NewMemoryStore()
	kill := killswitch.New(killswitch.NewMemoryStore(), log, slog.Default())
	driver := cloud.NewFakeDriver()
	driver.SetState("i-1", "running")
	driver.SetState("i-2", "running")

	classifier := intent.NewStaticClassifier().
		Add("stop idle ec2 instances", intent.Entities{
			Service: "ec2", Action: "stop_instances",
			Resources:  []string{"i-1", "i-2"},
			Regions:    []string{"us-east-1"},
			Confidence: 0.93,
		}).
		Add("delete all s3 buckets", intent.Entities{
			Service: "s3", Action: "delete_bucket",
			Confidence: 0.97,
		})

	connections := cloud.NewMemorySource()
	connections.Put(&cloud.Connection{
		ID: "conn-1", CustomerID: "cust-1", Provider: "aws",
		Regions: []string{"us-east-1"},
		GrantedPermissions: []string{
			"ec2:stop_instances", "ec2:start_instances",
		},
	})

	approvals := approval.NewService([]byte("api-test-secret"), store, kill, log)
	srv := NewServer(Config{
		Connections: connections,
		Parser:      intent.NewParser(classifier, b, policy, log),
		Generator:   plan.NewGenerator(b, policy, log),
		Simulator:   simulation.NewEngine(b, policy, log, simulation.WithStateObserver(driver)),
		Approvals:   approvals,
		Executor:    execution.NewEngine(driver, approvals, kill, log),
		KillSwitch:  kill,
		AuditLog:    log,
		Boundary:    b,
		Store:       store,
		AdminToken:  adminToken,
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &apiHarness{ts: ts, driver: driver, log: log, store: store}
}

func postJSON(t *testing.T, url string, body map[string]interface{}, out interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestFullLifecycleOverHTTP(t *testing.T) {
	h := testServer(t)
	ts, driver := h.ts, h.driver

	// Parse.
	var intentResp struct {
		Intent intent.ParsedIntent `json:"intent"`
	}
	resp := postJSON(t, ts.URL+"/v1/intent", map[string]interface{}{
		"request":       "please stop idle ec2 instances in us-east-1",
		"connection_id": "conn-1",
	}, &intentResp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, intentResp.Intent.Blocked, intentResp.Intent.BlockReason)
	assert.Equal(t, "ec2:stop_instances", intentResp.Intent.InterpretedAction)

	// Plan.
	var planResp struct {
		Plan plan.Plan `json:"plan"`
	}
	resp = postJSON(t, ts.URL+"/v1/plan", map[string]interface{}{
		"intent":        intentResp.Intent,
		"connection_id": "conn-1",
	}, &planResp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := planResp.Plan
	assert.Len(t, p.Steps, 2)
	assert.True(t, p.Summary.RequiresApproval)
	assert.True(t, p.Summary.Reversible)

	// Simulate.
	var simResp struct {
		Simulation simulation.Result `json:"simulation"`
	}
	resp = postJSON(t, ts.URL+"/v1/simulate", map[string]interface{}{
		"plan_id":       p.PlanID,
		"connection_id": "conn-1",
	}, &simResp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, simResp.Simulation.CanPromoteToLive)
	assert.Empty(t, simResp.Simulation.PermissionValidation.MissingPermissions)

	// Approve.
	var approveResp struct {
		ApprovalToken string    `json:"approval_token"`
		ExpiresAt     time.Time `json:"expires_at"`
	}
	resp = postJSON(t, ts.URL+"/v1/approve", map[string]interface{}{
		"plan_id":       p.PlanID,
		"connection_id": "conn-1",
	}, &approveResp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, approveResp.ApprovalToken)

	// Execute.
	var execResp struct {
		Result execution.Result `json:"result"`
	}
	resp = postJSON(t, ts.URL+"/v1/execute", map[string]interface{}{
		"plan_id":        p.PlanID,
		"connection_id":  "conn-1",
		"approval_token": approveResp.ApprovalToken,
	}, &execResp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, execution.StatusCompleted, execResp.Result.Status)
	assert.Len(t, driver.Calls(), 2)

	// The chain stays verifiable end to end.
	var verify audit.VerifyResult
	resp = getJSON(t, ts.URL+"/v1/audit/verify", &verify)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, verify.Valid)
	assert.GreaterOrEqual(t, verify.EntriesChecked, 5)
}

func TestBlockedIntentOverHTTP(t *testing.T) {
	h := testServer(t)
	ts, log := h.ts, h.log

	var intentResp struct {
		Intent intent.ParsedIntent `json:"intent"`
	}
	resp := postJSON(t, ts.URL+"/v1/intent", map[string]interface{}{
		"request":       "delete all s3 buckets",
		"connection_id": "conn-1",
	}, &intentResp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, intentResp.Intent.Blocked)
	assert.Contains(t, intentResp.Intent.BlockReason, "banned")

	entries, total, err := log.Query(context.Background(), audit.Filter{EventType: audit.EventIntentParsed})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, audit.ResultBlocked, entries[0].Result)
}

func TestExpiredPlanReturnsGone(t *testing.T) {
	h := testServer(t)
	ts := h.ts

	var intentResp struct {
		Intent intent.ParsedIntent `json:"intent"`
	}
	postJSON(t, ts.URL+"/v1/intent", map[string]interface{}{
		"request": "stop idle ec2 instances", "connection_id": "conn-1",
	}, &intentResp)
	var planResp struct {
		Plan plan.Plan `json:"plan"`
	}
	postJSON(t, ts.URL+"/v1/plan", map[string]interface{}{
		"intent": intentResp.Intent, "connection_id": "conn-1",
	}, &planResp)

	stored, err := h.store.Plan(context.Background(), planResp.Plan.PlanID)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, h.store.SavePlan(context.Background(), stored))

	resp := postJSON(t, ts.URL+"/v1/approve", map[string]interface{}{
		"plan_id": stored.PlanID, "connection_id": "conn-1",
	}, nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestUnknownPlanReturnsNotFound(t *testing.T) {
	h := testServer(t)

	resp := postJSON(t, h.ts.URL+"/v1/approve", map[string]interface{}{
		"plan_id": "nonexistent", "connection_id": "conn-1",
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKillSwitchRequiresAdminToken(t *testing.T) {
	ts := testServer(t).ts

	resp := postJSON(t, ts.URL+"/v1/kill-switch", map[string]interface{}{
		"scope": "global", "reason": "incident",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body, _ := json.Marshal(map[string]interface{}{"scope": "global", "reason": "incident"})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/kill-switch", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = authed.Body.Close() }()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	var state struct {
		Activations []killswitch.Activation `json:"activations"`
		ReadOnly    bool                    `json:"read_only"`
	}
	resp = getJSON(t, ts.URL+"/v1/kill-switch", &state)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, state.Activations, 1)
	assert.Equal(t, killswitch.ScopeGlobal, state.Activations[0].Scope)

	// Approval is now refused.
	approveResp := postJSON(t, ts.URL+"/v1/approve", map[string]interface{}{
		"plan_id": "any", "connection_id": "conn-1",
	}, nil)
	assert.Equal(t, http.StatusNotFound, approveResp.StatusCode) // unknown plan checked first
}

func TestBoundariesAndActionsEndpoints(t *testing.T) {
	ts := testServer(t).ts

	var boundaries struct {
		BannedActions   []string `json:"banned_actions"`
		AllowedServices []string `json:"allowed_services"`
	}
	resp := getJSON(t, ts.URL+"/v1/boundaries", &boundaries)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, boundaries.BannedActions, "s3:delete_bucket")
	assert.Contains(t, boundaries.AllowedServices, "ec2")

	var actions struct {
		CatalogVersion string                     `json:"catalog_version"`
		Actions        []boundary.CanonicalAction `json:"actions"`
	}
	resp = getJSON(t, ts.URL+"/v1/actions", &actions)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, actions.Actions)
	assert.Equal(t, boundary.CatalogVersion, actions.CatalogVersion)
}

func TestAuditPagination(t *testing.T) {
	h := testServer(t)
	ts, log := h.ts, h.log
	for i := 0; i < 5; i++ {
		_, err := log.Record(context.Background(), audit.Event{
			Type:   audit.EventIntentParsed,
			Result: audit.ResultSuccess,
		})
		require.NoError(t, err)
	}

	var page struct {
		Entries []audit.Entry `json:"entries"`
		Total   int           `json:"total"`
		HasMore bool          `json:"has_more"`
	}
	resp := getJSON(t, fmt.Sprintf("%s/v1/audit?limit=2&offset=0", ts.URL), &page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, 5, page.Total)
	assert.True(t, page.HasMore)

	resp = getJSON(t, fmt.Sprintf("%s/v1/audit?limit=2&offset=4", ts.URL), &page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, page.Entries, 1)
	assert.False(t, page.HasMore)
}

func TestAuditVerifyOnFreshChain(t *testing.T) {
	ts := testServer(t).ts

	var verify audit.VerifyResult
	resp := getJSON(t, ts.URL+"/v1/audit/verify", &verify)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, verify.Valid)
	assert.Zero(t, verify.EntriesChecked)
}

func TestUnknownConnectionReturnsNotFound(t *testing.T) {
	ts := testServer(t).ts

	resp := postJSON(t, ts.URL+"/v1/intent", map[string]interface{}{
		"request": "stop idle ec2 instances", "connection_id": "conn-unknown",
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMethodDiscipline(t *testing.T) {
	ts := testServer(t).ts

	resp := getJSON(t, ts.URL+"/v1/intent", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/audit", map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
