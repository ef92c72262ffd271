package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "escrow-tests",
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

type apiHarness struct {
	t       *testing.T
	ledger  *fakeLedger
	service *Service
	handler http.Handler
}

func newAPIHarness(t *testing.T, service *Service, ledger *fakeLedger, api APIConfig) *apiHarness {
	t.Helper()
	srv := NewServer(service, AuthConfig{HMACSecret: testSecret, Issuer: "escrow-tests"}, api, slogDiscard())
	return &apiHarness{t: t, ledger: ledger, service: service, handler: srv.Handler()}
}

func (h *apiHarness) do(method, path string, caller common.Address, body any) (int, map[string]any) {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if caller != (common.Address{}) {
		req.Header.Set("Authorization", "Bearer "+signToken(h.t, testSecret, caller.Hex(), time.Now().Add(time.Hour)))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func snapshotPhase(t *testing.T, body map[string]any) string {
	t.Helper()
	snap, ok := body["snapshot"].(map[string]any)
	require.True(t, ok, "response has no snapshot: %v", body)
	return snap["agreement"].(map[string]any)["phase"].(string)
}

func createBody() map[string]any {
	return map[string]any{
		"totalAmount": 3_000_000,
		"units": []map[string]any{
			{"assignee": testWorkerA.Hex(), "amount": 1_000_000, "revisionLimit": 1, "description": "design"},
			{"assignee": testWorkerB.Hex(), "amount": 1_000_000, "revisionLimit": 2, "dependencies": []uint64{0}, "description": "build"},
			{"assignee": testWorkerA.Hex(), "amount": 1_000_000, "description": "handover"},
		},
		"listing": map[string]any{"title": "Brand refresh", "collection": "design"},
	}
}

func TestServerAuthentication(t *testing.T) {
	ledger := newFakeLedger()
	h := newAPIHarness(t, newTestService(t, ledger, nil), ledger, APIConfig{})
	path := "/v1/agreements/" + createdAddress(1).Hex()

	status, _ := h.do(http.MethodGet, "/healthz", common.Address{}, nil)
	require.Equal(t, http.StatusOK, status)

	status, body := h.do(http.MethodGet, path, common.Address{}, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "unauthenticated", body["code"])

	cases := map[string]string{
		"wrong secret":  signToken(t, "other", testClient.Hex(), time.Now().Add(time.Hour)),
		"expired":       signToken(t, testSecret, testClient.Hex(), time.Now().Add(-time.Hour)),
		"not address":   signToken(t, testSecret, "alice", time.Now().Add(time.Hour)),
		"zero address":  signToken(t, testSecret, common.Address{}.Hex(), time.Now().Add(time.Hour)),
		"wrong scheme":  "",
		"garbage token": "not-a-jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			if name == "wrong scheme" {
				req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
			} else {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestServerWorkflow(t *testing.T) {
	ledger := newFakeLedger()
	discovery := newTestDiscovery(t)
	h := newAPIHarness(t, newTestService(t, ledger, discovery), ledger, APIConfig{})

	status, body := h.do(http.MethodPost, "/v1/agreements", testClient, createBody())
	require.Equal(t, http.StatusCreated, status, body)
	addr := createdAddress(1)
	require.Equal(t, addr.Hex(), body["agreement"])
	require.Equal(t, "Created", snapshotPhase(t, body))
	base := "/v1/agreements/" + addr.Hex()

	status, body = h.do(http.MethodGet, base, testWorkerA, nil)
	require.Equal(t, http.StatusOK, status)
	units := body["units"].([]any)
	require.Len(t, units, 3)
	blocked := units[1].(map[string]any)
	require.Equal(t, []any{float64(0)}, blocked["blockers"])

	status, body = h.do(http.MethodPost, base+"/actions/deposit", testClient, nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "InProgress", snapshotPhase(t, body))

	status, body = h.do(http.MethodPost, base+"/actions/submitUnit", testWorkerB, map[string]any{"unitId": 1, "deliverable": "ipfs://build"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "precondition_rejected", body["code"])
	require.Equal(t, string(DispositionRetryAfterRefresh), body["disposition"])

	status, body = h.do(http.MethodPost, base+"/actions/submitUnit", testWorkerA, map[string]any{"unitId": 0, "deliverable": "ipfs://design"})
	require.Equal(t, http.StatusOK, status, body)

	status, _ = h.do(http.MethodPost, base+"/actions/submitUnit", testWorkerA, map[string]any{"unitId": 0, "surprise": true})
	require.Equal(t, http.StatusBadRequest, status)

	status, body = h.do(http.MethodPost, base+"/actions/approveUnit", testClient, map[string]any{"unitId": 0})
	require.Equal(t, http.StatusOK, status, body)
	snap := body["snapshot"].(map[string]any)
	require.Equal(t, "1000000", snap["agreement"].(map[string]any)["totalPaid"])

	status, body = h.do(http.MethodPost, base+"/actions/raiseDispute", testWorkerB, map[string]any{"unitId": 1, "disputeType": "bogus"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_request", body["code"])

	status, body = h.do(http.MethodPost, base+"/actions/raiseDispute", testWorkerB, map[string]any{"unitId": 1, "disputeType": "missedDeadline", "reason": "late"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "Disputed", snapshotPhase(t, body))
	disputes := body["snapshot"].(map[string]any)["disputes"].([]any)
	require.Len(t, disputes, 1)
	require.Equal(t, "MissedDeadline", disputes[0].(map[string]any)["type"])

	status, body = h.do(http.MethodPost, base+"/actions/launch", testClient, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "unknown_action", body["code"])

	status, body = h.do(http.MethodGet, base+"/participant", testWorkerA, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["isAssignee"])
	require.Equal(t, false, body["isClient"])
	require.Equal(t, "1000000", body["summary"].(map[string]any)["totalEarned"])

	status, body = h.do(http.MethodGet, base+"/progress", testClient, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "2000000", body["remaining"])

	status, body = h.do(http.MethodGet, "/v1/agreements?collection=design", testWorkerB, nil)
	require.Equal(t, http.StatusOK, status)
	listings := body["listings"].([]any)
	require.Len(t, listings, 1)
	require.Equal(t, "Disputed", listings[0].(map[string]any)["status"])

	status, _ = h.do(http.MethodPut, base+"/listing", testWorkerA, map[string]any{"title": "mine now"})
	require.Equal(t, http.StatusForbidden, status)

	status, body = h.do(http.MethodPut, base+"/listing", testClient, map[string]any{"title": "Brand refresh v2", "description": "scope grew"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "Brand refresh v2", body["title"])

	status, body = h.do(http.MethodGet, base+"/listing", testWorkerA, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "scope grew", body["description"])

	status, body = h.do(http.MethodPost, base+"/refresh", testWorkerA, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Disputed", body["agreement"].(map[string]any)["phase"])
}

func TestServerPendingLifecycle(t *testing.T) {
	ledger := newFakeLedger()
	addr := common.HexToAddress("0x00000000000000000000000000000000000a9e30")
	ledger.seed(t, addr, defaultUnits()...)
	svc, err := NewService(ServiceConfig{
		Engine:         ledger.engine,
		Reader:         ledger,
		Tracker:        newTestTracker(t, ledger),
		ConfirmTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	h := newAPIHarness(t, svc, ledger, APIConfig{})
	base := "/v1/agreements/" + addr.Hex()

	status, _ := h.do(http.MethodGet, "/v1/pending/0x1234", testClient, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, body := h.do(http.MethodGet, "/v1/pending/"+common.HexToHash("0x404").Hex(), testClient, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", body["code"])

	ledger.mu.Lock()
	ledger.hold = true
	ledger.mu.Unlock()

	status, body = h.do(http.MethodPost, base+"/actions/deposit", testClient, nil)
	require.Equal(t, http.StatusAccepted, status, body)
	require.Equal(t, "confirmation_pending", body["code"])
	require.Equal(t, string(DispositionWait), body["disposition"])
	id, ok := body["pendingId"].(string)
	require.True(t, ok)

	status, body = h.do(http.MethodGet, "/v1/pending/"+id, testClient, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, string(StatusSubmitted), body["status"])
	require.Equal(t, "deposit", body["kind"])
	require.Equal(t, testClient.Hex(), body["caller"])

	status, _ = h.do(http.MethodPost, "/v1/pending/"+id+"/await?timeout=never", testClient, nil)
	require.Equal(t, http.StatusBadRequest, status)

	ledger.release()
	status, body = h.do(http.MethodPost, "/v1/pending/"+id+"/await?timeout=1s", testClient, nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "InProgress", snapshotPhase(t, body))

	status, _ = h.do(http.MethodGet, "/v1/pending/"+id, testClient, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestServerRecoverUnrecoverableCreation(t *testing.T) {
	ledger := newFakeLedger()
	ledger.dropLogs = true
	h := newAPIHarness(t, newTestService(t, ledger, nil), ledger, APIConfig{})

	status, body := h.do(http.MethodPost, "/v1/agreements", testClient, createBody())
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "identifier_unrecoverable", body["code"])
	require.Equal(t, string(DispositionRecover), body["disposition"])
	id := body["pendingId"].(string)

	status, body = h.do(http.MethodPost, "/v1/pending/"+id+"/recover", testWorkerA, map[string]any{"agreement": createdAddress(1).Hex()})
	require.Equal(t, http.StatusUnprocessableEntity, status, body)
	require.Equal(t, "precondition_rejected", body["code"])

	status, body = h.do(http.MethodPost, "/v1/pending/"+id+"/recover", testClient, map[string]any{"agreement": createdAddress(1).Hex()})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, createdAddress(1).Hex(), body["agreement"])
}

func TestServerRateLimitsPerCaller(t *testing.T) {
	ledger := newFakeLedger()
	addr := common.HexToAddress("0x00000000000000000000000000000000000a9e31")
	ledger.seed(t, addr, defaultUnits()...)
	h := newAPIHarness(t, newTestService(t, ledger, nil), ledger, APIConfig{RateLimit: 0.001, Burst: 1})
	path := "/v1/agreements/" + addr.Hex() + "/progress"

	status, _ := h.do(http.MethodGet, path, testClient, nil)
	require.Equal(t, http.StatusOK, status)
	status, body := h.do(http.MethodGet, path, testClient, nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "rate_limited", body["code"])

	status, _ = h.do(http.MethodGet, path, testWorkerA, nil)
	require.Equal(t, http.StatusOK, status)
}

func TestServerLimiterTableIsBounded(t *testing.T) {
	ledger := newFakeLedger()
	srv := NewServer(newTestService(t, ledger, nil), AuthConfig{HMACSecret: testSecret}, APIConfig{RateLimit: 1, Burst: 1}, slogDiscard())
	srv.maxLimiters = 2
	now := testNow
	srv.now = func() time.Time { return now }

	first := srv.limiter(testClient)
	require.True(t, first.Allow())
	require.Same(t, first, srv.limiter(testClient))
	now = now.Add(time.Second)
	srv.limiter(testWorkerA)

	// Both entries are fresh, so the least recently seen one makes room.
	now = now.Add(time.Second)
	srv.limiter(testWorkerB)
	require.Len(t, srv.limiters, 2)
	require.NotContains(t, srv.limiters, testClient)

	// Idle entries have refilled and are dropped together.
	now = now.Add(2 * time.Minute)
	srv.limiter(testArbiter)
	require.Len(t, srv.limiters, 1)
	require.Contains(t, srv.limiters, testArbiter)
}

func TestServerBadAgreementAddress(t *testing.T) {
	ledger := newFakeLedger()
	h := newAPIHarness(t, newTestService(t, ledger, nil), ledger, APIConfig{})

	status, _ := h.do(http.MethodGet, "/v1/agreements/not-an-address", testClient, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, body := h.do(http.MethodGet, "/v1/agreements/"+common.HexToAddress("0x404").Hex(), testClient, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "stale_view", body["code"])

	status, body = h.do(http.MethodGet, "/v1/agreements", testClient, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "discovery_disabled", body["code"])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{ErrIdentifierUnrecoverable, http.StatusInternalServerError, "identifier_unrecoverable"},
		{ErrConfirmationTimeout, http.StatusAccepted, "confirmation_pending"},
		{ErrArithmeticOverflow, http.StatusBadRequest, "arithmetic_overflow"},
		{ErrPreconditionRejected, http.StatusUnprocessableEntity, "precondition_rejected"},
		{ErrStaleView, http.StatusConflict, "stale_view"},
		{ErrSubmissionFailed, http.StatusBadGateway, "submission_failed"},
		{ErrUnknownAgreement, http.StatusNotFound, "not_found"},
		{ErrListingNotFound, http.StatusNotFound, "not_found"},
		{context.Canceled, 499, "canceled"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
		{fmt.Errorf("wrapped: %w", &ActionError{Err: ErrStaleView}), http.StatusConflict, "stale_view"},
	}
	for _, tc := range cases {
		status, code := statusFor(tc.err)
		require.Equal(t, tc.status, status, "%v", tc.err)
		require.Equal(t, tc.code, code, "%v", tc.err)
	}
}
