package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/physicsrail/pkg/authz"
	"github.com/Mindburn-Labs/physicsrail/pkg/budget"
	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
	"github.com/Mindburn-Labs/physicsrail/pkg/escalation"
	"github.com/Mindburn-Labs/physicsrail/pkg/governance"
	"github.com/Mindburn-Labs/physicsrail/pkg/guardrail"
	"github.com/Mindburn-Labs/physicsrail/pkg/risk"
)

const testSecret = "test-signing-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	srv       *httptest.Server
	approvals *escalation.Manager
	clock     *testClock
}

func newFixture(t *testing.T, opts ...ServerOption) *fixture {
	t.Helper()
	ctx := context.Background()

	clock := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}

	roles := authz.NewEngine()
	require.NoError(t, roles.Grant(ctx, "bob", authz.Role("admin")))

	ledger := budget.NewMemoryLedger()
	approvals := escalation.NewManager(escalation.NewMemoryStore(), authz.ClaimsResolver{Next: roles}).
		WithClock(clock.Now).
		WithTTL(time.Hour).
		WithReleaser(ledger)
	classifier, err := risk.NewClassifier(nil)
	require.NoError(t, err)

	engine, err := governance.NewEngine(governance.Options{
		Roles: authz.ClaimsResolver{Next: roles},
		Guardrails: guardrail.NewMemoryStore(contracts.AgentConfig{
			AgentID:              "agent-2",
			CostCeilingPerPeriod: 10,
			PeriodLengthSeconds:  3600,
			ForbiddenActions:     []contracts.ActionType{contracts.ActionDeleteRecord},
		}),
		Ledger:     ledger,
		Classifier: classifier,
		Approvals:  approvals,
	})
	require.NoError(t, err)

	s, err := NewServer(engine, approvals, opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, approvals: approvals, clock: clock}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func signToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEvaluate(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/evaluate", map[string]any{
		"principal_id":          "alice",
		"on_behalf_of_agent_id": "agent-2",
		"action_type":           "send_email",
		"estimated_cost":        5,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decode[contracts.Verdict](t, resp)
	assert.Equal(t, contracts.OutcomeApproved, v.Outcome)
	assert.Equal(t, contracts.TierMedium, v.Tier)

	resp = f.do(t, http.MethodPost, "/v1/evaluate", map[string]any{
		"principal_id":          "alice",
		"on_behalf_of_agent_id": "agent-2",
		"action_type":           "send_email",
		"estimated_cost":        6,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, "a denial is a verdict, not an error")
	v = decode[contracts.Verdict](t, resp)
	assert.Equal(t, contracts.ReasonCostCeilingExceeded, v.Reason)
	require.NotNil(t, v.Remaining)
	assert.Equal(t, int64(5), *v.Remaining)
}

func TestEvaluate_BadRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing action", map[string]any{"principal_id": "alice"}},
		{"negative cost", map[string]any{"principal_id": "alice", "action_type": "read_record", "estimated_cost": -1}},
		{"cost past the schema maximum", map[string]any{"principal_id": "alice", "action_type": "read_record", "estimated_cost": uint64(math.MaxInt64)}},
		{"fractional cost", map[string]any{"principal_id": "alice", "action_type": "read_record", "estimated_cost": 1.5}},
		{"unknown field", map[string]any{"principal_id": "alice", "action_type": "read_record", "priority": "high"}},
		{"missing principal", map[string]any{"action_type": "read_record"}},
		{"not an object", []string{"read_record"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/v1/evaluate", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestEvaluate_UnknownActionIsDenied(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/evaluate", map[string]any{
		"principal_id": "alice",
		"action_type":  "format_disk",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decode[contracts.Verdict](t, resp)
	assert.Equal(t, contracts.ReasonUnknownActionType, v.Reason)
}

func TestApprovalFlow(t *testing.T) {
	f := newFixture(t, WithInsecureApprovals())

	resp := f.do(t, http.MethodPost, "/v1/evaluate", map[string]any{
		"principal_id": "alice",
		"action_type":  "transfer_funds",
		"payload":      map[string]any{"amount": 50000},
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decode[contracts.Verdict](t, resp)
	require.Equal(t, contracts.OutcomePendingApproval, v.Outcome)
	require.NotEmpty(t, v.RequestID)

	resp = f.do(t, http.MethodGet, "/v1/approvals/"+v.RequestID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	req := decode[contracts.ApprovalRequest](t, resp)
	assert.Equal(t, contracts.ApprovalPending, req.State)

	resp = f.do(t, http.MethodPost, "/v1/approvals/"+v.RequestID+"/resolve",
		ResolveRequest{Decision: contracts.DecisionApprove, ApproverID: "alice"}, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "no self-approval")

	resp = f.do(t, http.MethodPost, "/v1/approvals/"+v.RequestID+"/resolve",
		ResolveRequest{Decision: contracts.DecisionApprove, ApproverID: "bob", Comment: "ok"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	req = decode[contracts.ApprovalRequest](t, resp)
	assert.Equal(t, contracts.ApprovalApproved, req.State)

	// Duplicate delivery is harmless; a reversal is a conflict.
	resp = f.do(t, http.MethodPost, "/v1/approvals/"+v.RequestID+"/resolve",
		ResolveRequest{Decision: contracts.DecisionApprove, ApproverID: "bob"}, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/v1/approvals/"+v.RequestID+"/resolve",
		ResolveRequest{Decision: contracts.DecisionDeny, ApproverID: "bob"}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/approvals/"+v.RequestID+"/resolve",
		ResolveRequest{Decision: "maybe", ApproverID: "bob"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/approvals/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApprovalWindowClosed(t *testing.T) {
	f := newFixture(t, WithInsecureApprovals())

	resp := f.do(t, http.MethodPost, "/v1/evaluate", map[string]any{
		"principal_id": "alice",
		"action_type":  "modify_permissions",
	}, "")
	v := decode[contracts.Verdict](t, resp)
	require.Equal(t, contracts.OutcomePendingApproval, v.Outcome)

	f.clock.Advance(2 * time.Hour)

	resp = f.do(t, http.MethodPost, "/v1/approvals/"+v.RequestID+"/resolve",
		ResolveRequest{Decision: contracts.DecisionApprove, ApproverID: "bob"}, "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "approval_window_closed", problem.Code)

	resp = f.do(t, http.MethodGet, "/v1/approvals/"+v.RequestID, nil, "")
	req := decode[contracts.ApprovalRequest](t, resp)
	assert.Equal(t, contracts.ApprovalExpired, req.State)
}

func TestResolve_RequiresAuthenticatedApprover(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/evaluate", map[string]any{
		"principal_id": "alice",
		"action_type":  "modify_permissions",
	}, "")
	v := decode[contracts.Verdict](t, resp)
	require.Equal(t, contracts.OutcomePendingApproval, v.Outcome)

	resp = f.do(t, http.MethodPost, "/v1/approvals/"+v.RequestID+"/resolve",
		ResolveRequest{Decision: contracts.DecisionApprove, ApproverID: "bob"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "a body approver_id is not trusted")

	resp = f.do(t, http.MethodGet, "/v1/approvals/"+v.RequestID, nil, "")
	assert.Equal(t, contracts.ApprovalPending, decode[contracts.ApprovalRequest](t, resp).State)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, WithAuth(NewJWTValidator(testSecret)))

	// Health stays public.
	resp := f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/evaluate", map[string]any{"action_type": "read_record"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/evaluate", map[string]any{"action_type": "read_record"}, "garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The token subject fills in the principal.
	resp = f.do(t, http.MethodPost, "/v1/evaluate", map[string]any{"action_type": "read_record"}, signToken(t, "alice"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contracts.OutcomeApproved, decode[contracts.Verdict](t, resp).Outcome)

	resp = f.do(t, http.MethodPost, "/v1/evaluate",
		map[string]any{"principal_id": "mallory", "action_type": "read_record"}, signToken(t, "alice"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Roles in the token count toward the override.
	resp = f.do(t, http.MethodPost, "/v1/evaluate",
		map[string]any{"action_type": "delete_record"}, signToken(t, "carol", "admin"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contracts.OutcomeApproved, decode[contracts.Verdict](t, resp).Outcome)

	// Approver identity comes from the token.
	resp = f.do(t, http.MethodPost, "/v1/evaluate",
		map[string]any{"action_type": "spawn_workflow"}, signToken(t, "alice"))
	v := decode[contracts.Verdict](t, resp)
	require.Equal(t, contracts.OutcomePendingApproval, v.Outcome)

	resp = f.do(t, http.MethodPost, "/v1/approvals/"+v.RequestID+"/resolve",
		ResolveRequest{Decision: contracts.DecisionApprove, ApproverID: "bob"}, signToken(t, "carol"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "body cannot impersonate another approver")

	resp = f.do(t, http.MethodPost, "/v1/approvals/"+v.RequestID+"/resolve",
		ResolveRequest{Decision: contracts.DecisionApprove}, signToken(t, "carol", "admin"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "carol", decode[contracts.ApprovalRequest](t, resp).ResolvedBy)
}

func TestRateLimitedRoutes(t *testing.T) {
	rl := NewGlobalRateLimiter(0.001, 1)
	defer rl.Stop()
	f := newFixture(t, WithRateLimiter(rl))

	resp := f.do(t, http.MethodGet, "/v1/approvals/none", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/v1/approvals/none", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is not limited")
}
