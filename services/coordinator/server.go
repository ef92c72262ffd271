package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"escrowcoord/native/escrow"
	"escrowcoord/observability"
)

const maxBodyBytes = 1 << 20

type callerKey struct{}

// Server exposes the coordinator over HTTP.
type Server struct {
	service *Service
	auth    AuthConfig
	api     APIConfig
	secret  []byte
	logger  *slog.Logger
	metrics *observability.APIMetrics
	now     func() time.Time
	router  http.Handler

	mu          sync.Mutex
	limiters    map[common.Address]*callerLimiter
	maxLimiters int
}

// maxTrackedCallers bounds the per-caller limiter table.
const maxTrackedCallers = 4096

type callerLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewServer builds the HTTP surface for service.
func NewServer(service *Service, auth AuthConfig, api APIConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service:     service,
		auth:        auth,
		api:         api,
		secret:      []byte(strings.TrimSpace(auth.HMACSecret)),
		logger:      logger.With("component", "http"),
		metrics:     observability.API(),
		now:         time.Now,
		limiters:    make(map[common.Address]*callerLimiter),
		maxLimiters: maxTrackedCallers,
	}
	if s.auth.ClockSkew.Duration <= 0 {
		s.auth.ClockSkew.Duration = 2 * time.Minute
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the instrumented HTTP router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "escrowd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.authenticate)
		api.Use(s.throttle)
		api.Post("/agreements", s.handleCreate)
		api.Get("/agreements", s.handleListListings)
		api.Get("/agreements/{address}", s.handleView)
		api.Post("/agreements/{address}/refresh", s.handleRefresh)
		api.Get("/agreements/{address}/participant", s.handleParticipant)
		api.Get("/agreements/{address}/progress", s.handleProgress)
		api.Get("/agreements/{address}/listing", s.handleGetListing)
		api.Put("/agreements/{address}/listing", s.handleUpdateListing)
		api.Post("/agreements/{address}/actions/{kind}", s.handleAction)
		api.Get("/pending/{id}", s.handlePending)
		api.Post("/pending/{id}/await", s.handleAwait)
		api.Post("/pending/{id}/recover", s.handleRecover)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Observe(route, r.Method, status, time.Since(start))
	})
}

// authenticate verifies the HS256 bearer token and binds the subject, a hex
// address, as the caller identity.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token", nil)
			return
		}
		caller, err := s.parseCaller(tokenString)
		if err != nil {
			s.logger.Info("token validation failed", "error", err)
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid token", nil)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) parseCaller(tokenString string) (common.Address, error) {
	if len(s.secret) == 0 {
		return common.Address{}, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithLeeway(s.auth.ClockSkew.Duration), jwt.WithExpirationRequired()}
	if s.auth.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.auth.Issuer))
	}
	if s.auth.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.auth.Audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return common.Address{}, err
	}
	if !token.Valid {
		return common.Address{}, errors.New("token invalid")
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(subject) {
		return common.Address{}, errors.New("subject is not an address")
	}
	caller := common.HexToAddress(subject)
	if caller == (common.Address{}) {
		return common.Address{}, errors.New("subject is the zero address")
	}
	return caller, nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.api.RateLimit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter(callerFrom(r.Context())).Allow() {
			s.metrics.RecordThrottle(r.URL.Path, "rate_limit")
			writeError(w, http.StatusTooManyRequests, "rate_limited", http.StatusText(http.StatusTooManyRequests), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiter(caller common.Address) *rate.Limiter {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.limiters[caller]; ok {
		entry.seen = now
		return entry.limiter
	}
	burst := s.api.Burst
	if burst <= 0 {
		burst = 1
	}
	if len(s.limiters) >= s.maxLimiters {
		s.evictLimiters(now, burst)
	}
	entry := &callerLimiter{limiter: rate.NewLimiter(rate.Limit(s.api.RateLimit), burst), seen: now}
	s.limiters[caller] = entry
	return entry.limiter
}

// evictLimiters drops limiters idle long enough to have refilled, then the
// least recently seen one if the table is still full. Callers hold s.mu.
func (s *Server) evictLimiters(now time.Time, burst int) {
	refill := time.Duration(float64(burst) / s.api.RateLimit * float64(time.Second))
	if refill < time.Minute {
		refill = time.Minute
	}
	var (
		oldest     common.Address
		oldestSeen time.Time
	)
	for caller, entry := range s.limiters {
		if now.Sub(entry.seen) >= refill {
			delete(s.limiters, caller)
			continue
		}
		if oldestSeen.IsZero() || entry.seen.Before(oldestSeen) {
			oldest, oldestSeen = caller, entry.seen
		}
	}
	if len(s.limiters) >= s.maxLimiters && !oldestSeen.IsZero() {
		delete(s.limiters, oldest)
	}
}

func callerFrom(ctx context.Context) common.Address {
	caller, _ := ctx.Value(callerKey{}).(common.Address)
	return caller
}

type createRequest struct {
	PaymentAsset common.Address    `json:"paymentAsset"`
	TotalAmount  *big.Int          `json:"totalAmount"`
	Units        []escrow.UnitSpec `json:"units"`
	Listing      *ListingDraft     `json:"listing,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	caller := callerFrom(r.Context())
	args := escrow.CreateArgs{
		Client:       caller,
		PaymentAsset: req.PaymentAsset,
		TotalAmount:  req.TotalAmount,
		Units:        req.Units,
	}
	result, err := s.service.CreateAgreement(r.Context(), caller, args, req.Listing)
	s.writeResult(w, http.StatusCreated, result, err)
}

func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	discovery := s.service.Discovery()
	if discovery == nil {
		writeError(w, http.StatusNotFound, "discovery_disabled", "discovery store not configured", nil)
		return
	}
	q := r.URL.Query()
	filter := ListingFilter{Status: q.Get("status"), Collection: q.Get("collection"), Client: q.Get("client")}
	if raw := q.Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &filter.Limit); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer", nil)
			return
		}
	}
	listings, err := discovery.List(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings})
}

func (s *Server) coordinator(w http.ResponseWriter, r *http.Request) (*Coordinator, bool) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid_request", "agreement must be a hex address", nil)
		return nil, false
	}
	c, err := s.service.Open(r.Context(), common.HexToAddress(raw))
	if err != nil {
		s.writeFailure(w, err)
		return nil, false
	}
	return c, true
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	snap, ok := c.View()
	if !ok {
		s.writeFailure(w, fmt.Errorf("%w: agreement %s not mirrored", ErrStaleView, c.Agreement().Hex()))
		return
	}
	writeJSON(w, http.StatusOK, s.snapshotJSON(snap))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	snap, err := c.Refresh(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshotJSON(snap))
}

func (s *Server) handleParticipant(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	view, err := c.Participant(callerFrom(r.Context()))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	units := make([]unitJSON, 0, len(view.Units))
	snap, _ := c.View()
	for _, u := range view.Units {
		units = append(units, s.unitJSON(snap, u))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"caller":        view.Caller.Hex(),
		"isClient":      view.IsClient,
		"isAssignee":    view.IsAssignee,
		"isParticipant": view.IsParticipant,
		"units":         units,
		"summary": map[string]any{
			"pending":     view.Summary.Pending,
			"submitted":   view.Summary.Submitted,
			"paid":        view.Summary.Paid,
			"totalEarned": view.Summary.TotalEarned.String(),
		},
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	progress, err := c.Progress()
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalUnits":     progress.TotalUnits,
		"completedUnits": progress.CompletedUnits,
		"totalPaid":      progress.TotalPaid.String(),
		"remaining":      progress.Remaining.String(),
	})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	discovery := s.service.Discovery()
	raw := chi.URLParam(r, "address")
	if discovery == nil || !common.IsHexAddress(raw) {
		writeError(w, http.StatusNotFound, "not_found", "listing not found", nil)
		return
	}
	listing, err := discovery.Get(r.Context(), common.HexToAddress(raw))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleUpdateListing(w http.ResponseWriter, r *http.Request) {
	discovery := s.service.Discovery()
	if discovery == nil {
		writeError(w, http.StatusNotFound, "discovery_disabled", "discovery store not configured", nil)
		return
	}
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	snap, _ := c.View()
	if !snap.IsClient(callerFrom(r.Context())) {
		writeError(w, http.StatusForbidden, "forbidden", "only the client may edit the listing", nil)
		return
	}
	var draft ListingDraft
	if err := decodeBody(r, &draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	listing, err := discovery.Update(r.Context(), c.Agreement(), draft)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

type unitRequest struct {
	UnitID uint64 `json:"unitId"`
}

type disputeRequest struct {
	UnitID      uint64 `json:"unitId"`
	DisputeType string `json:"disputeType"`
	Reason      string `json:"reason"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	caller := callerFrom(ctx)
	var (
		result *Result
		err    error
	)
	switch kind := escrow.ActionKind(chi.URLParam(r, "kind")); kind {
	case escrow.ActionAccept:
		result, err = c.Accept(ctx, caller)
	case escrow.ActionFinalizeSetup:
		result, err = c.FinalizeSetup(ctx, caller)
	case escrow.ActionDeposit:
		result, err = c.Deposit(ctx, caller)
	case escrow.ActionRefund:
		result, err = c.Refund(ctx, caller)
	case escrow.ActionAddUnit:
		var spec escrow.UnitSpec
		if !decodeOrFail(w, r, &spec) {
			return
		}
		result, err = c.AddUnit(ctx, caller, spec)
	case escrow.ActionSubmitUnit:
		var args escrow.SubmitArgs
		if !decodeOrFail(w, r, &args) {
			return
		}
		result, err = c.SubmitUnit(ctx, caller, args)
	case escrow.ActionRequestRevision:
		var args escrow.RevisionArgs
		if !decodeOrFail(w, r, &args) {
			return
		}
		result, err = c.RequestRevision(ctx, caller, args)
	case escrow.ActionApproveUnit:
		var req unitRequest
		if !decodeOrFail(w, r, &req) {
			return
		}
		result, err = c.ApproveUnit(ctx, caller, req.UnitID)
	case escrow.ActionRaiseDispute:
		var req disputeRequest
		if !decodeOrFail(w, r, &req) {
			return
		}
		dt, perr := escrow.ParseDisputeType(req.DisputeType)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", perr.Error(), nil)
			return
		}
		result, err = c.RaiseDispute(ctx, caller, escrow.RaiseDisputeArgs{UnitID: req.UnitID, Type: dt, Reason: req.Reason})
	case escrow.ActionResolveDispute:
		var args escrow.ResolveDisputeArgs
		if !decodeOrFail(w, r, &args) {
			return
		}
		result, err = c.ResolveDispute(ctx, caller, args)
	case escrow.ActionCancelDispute:
		var req unitRequest
		if !decodeOrFail(w, r, &req) {
			return
		}
		result, err = c.CancelDispute(ctx, caller, req.UnitID)
	case escrow.ActionCancelUnit:
		var req unitRequest
		if !decodeOrFail(w, r, &req) {
			return
		}
		result, err = c.CancelUnit(ctx, caller, req.UnitID)
	default:
		writeError(w, http.StatusNotFound, "unknown_action", fmt.Sprintf("unknown action %q", kind), nil)
		return
	}
	s.writeResult(w, http.StatusOK, result, err)
}

func (s *Server) pendingID(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	raw := chi.URLParam(r, "id")
	if !strings.HasPrefix(raw, "0x") || len(raw) != 66 {
		writeError(w, http.StatusBadRequest, "invalid_request", "pending id must be a 32-byte hex string", nil)
		return common.Hash{}, false
	}
	return common.HexToHash(raw), true
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pendingID(w, r)
	if !ok {
		return
	}
	pa, ok := s.service.Tracker().Get(id)
	if !ok {
		s.writeFailure(w, fmt.Errorf("%w: %s", ErrUnknownAction, id.Hex()))
		return
	}
	writeJSON(w, http.StatusOK, pendingJSON(pa))
}

func (s *Server) handleAwait(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pendingID(w, r)
	if !ok {
		return
	}
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "timeout must be a positive duration", nil)
			return
		}
		timeout = parsed
	}
	result, err := s.service.Await(r.Context(), id, timeout)
	s.writeResult(w, http.StatusOK, result, err)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pendingID(w, r)
	if !ok {
		return
	}
	var req struct {
		Agreement common.Address `json:"agreement"`
	}
	if !decodeOrFail(w, r, &req) {
		return
	}
	result, err := s.service.Recover(r.Context(), callerFrom(r.Context()), id, req.Agreement)
	s.writeResult(w, http.StatusOK, result, err)
}

func (s *Server) writeResult(w http.ResponseWriter, status int, result *Result, err error) {
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	body := map[string]any{
		"pendingId": result.PendingID.Hex(),
		"kind":      result.Kind,
	}
	if result.Resource != nil {
		body["agreement"] = result.Resource.Hex()
	}
	if result.Snapshot != nil {
		body["snapshot"] = s.snapshotJSON(result.Snapshot)
	}
	writeJSON(w, status, body)
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrIdentifierUnrecoverable):
		return http.StatusInternalServerError, "identifier_unrecoverable"
	case errors.Is(err, ErrConfirmationTimeout):
		return http.StatusAccepted, "confirmation_pending"
	case errors.Is(err, ErrArithmeticOverflow):
		return http.StatusBadRequest, "arithmetic_overflow"
	case errors.Is(err, ErrPreconditionRejected):
		return http.StatusUnprocessableEntity, "precondition_rejected"
	case errors.Is(err, ErrStaleView):
		return http.StatusConflict, "stale_view"
	case errors.Is(err, ErrSubmissionFailed):
		return http.StatusBadGateway, "submission_failed"
	case errors.Is(err, ErrUnknownAction), errors.Is(err, ErrUnknownAgreement), errors.Is(err, ErrListingNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	extra := map[string]any{"disposition": string(DispositionOf(err))}
	var actionErr *ActionError
	if errors.As(err, &actionErr) && actionErr.PendingID != (common.Hash{}) {
		extra["pendingId"] = actionErr.PendingID.Hex()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", code, "error", err)
	}
	writeError(w, status, code, err.Error(), extra)
}

func writeError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	body := map[string]any{"error": message, "code": code}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func decodeOrFail(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeBody(r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return false
	}
	return true
}

type agreementJSON struct {
	Address        string  `json:"address"`
	Client         string  `json:"client"`
	Counterparty   *string `json:"counterparty,omitempty"`
	PaymentAsset   string  `json:"paymentAsset"`
	TotalAmount    string  `json:"totalAmount"`
	TotalPaid      string  `json:"totalPaid"`
	FeesCollected  string  `json:"feesCollected"`
	Phase          string  `json:"phase"`
	FundedAt       int64   `json:"fundedAt"`
	UnitCount      uint64  `json:"unitCount"`
	CompletedUnits uint64  `json:"completedUnits"`
	SetupFinalized bool    `json:"setupFinalized"`
}

type unitJSON struct {
	ID             uint64   `json:"id"`
	Assignee       string   `json:"assignee"`
	Amount         string   `json:"amount"`
	Deadline       int64    `json:"deadline"`
	RevisionLimit  uint32   `json:"revisionLimit"`
	RevisionCount  uint32   `json:"revisionCount"`
	Status         string   `json:"status"`
	PreviousStatus string   `json:"previousStatus,omitempty"`
	Description    string   `json:"description"`
	CreatedAt      int64    `json:"createdAt"`
	Dependencies   []uint64 `json:"dependencies,omitempty"`
	Blockers       []uint64 `json:"blockers,omitempty"`
	Progress       uint8    `json:"progress"`
	Overdue        bool     `json:"overdue"`
}

type disputeJSON struct {
	UnitID    uint64  `json:"unitId"`
	Type      string  `json:"type"`
	Initiator string  `json:"initiator"`
	Reason    string  `json:"reason"`
	RaisedAt  int64   `json:"raisedAt"`
	Resolved  bool    `json:"resolved"`
	Winner    *string `json:"winner,omitempty"`
}

type snapshotJSON struct {
	Agreement agreementJSON `json:"agreement"`
	Units     []unitJSON    `json:"units"`
	Disputes  []disputeJSON `json:"disputes"`
	Block     uint64        `json:"block"`
	FetchedAt time.Time     `json:"fetchedAt"`
}

func (s *Server) snapshotJSON(snap *escrow.Snapshot) snapshotJSON {
	a := &snap.Agreement
	out := snapshotJSON{
		Agreement: agreementJSON{
			Address:        a.Address.Hex(),
			Client:         a.Client.Hex(),
			PaymentAsset:   a.PaymentAsset.Hex(),
			TotalAmount:    bigString(a.TotalAmount),
			TotalPaid:      bigString(a.TotalPaid),
			FeesCollected:  bigString(a.FeesCollected),
			Phase:          a.Phase.String(),
			FundedAt:       a.FundedAt,
			UnitCount:      a.UnitCount,
			CompletedUnits: a.CompletedUnits,
			SetupFinalized: a.SetupFinalized,
		},
		Units:     make([]unitJSON, 0, len(snap.Units)),
		Disputes:  []disputeJSON{},
		Block:     snap.Block,
		FetchedAt: snap.FetchedAt,
	}
	if a.Counterparty != nil {
		cp := a.Counterparty.Hex()
		out.Agreement.Counterparty = &cp
	}
	for _, u := range snap.Units {
		out.Units = append(out.Units, s.unitJSON(snap, u))
	}
	for _, u := range snap.Units {
		d := snap.Disputes[u.ID]
		if d == nil {
			continue
		}
		dj := disputeJSON{
			UnitID:    d.UnitID,
			Type:      d.Type.String(),
			Initiator: d.Initiator.Hex(),
			Reason:    d.Reason,
			RaisedAt:  d.RaisedAt,
			Resolved:  d.Resolved,
		}
		if d.Winner != nil {
			winner := d.Winner.Hex()
			dj.Winner = &winner
		}
		out.Disputes = append(out.Disputes, dj)
	}
	return out
}

func (s *Server) unitJSON(snap *escrow.Snapshot, u *escrow.WorkUnit) unitJSON {
	uj := unitJSON{
		ID:            u.ID,
		Assignee:      u.Assignee.Hex(),
		Amount:        bigString(u.Amount),
		Deadline:      u.Deadline,
		RevisionLimit: u.RevisionLimit,
		RevisionCount: u.RevisionCount,
		Status:        u.Status().String(),
		Description:   u.Description,
		CreatedAt:     u.CreatedAt,
		Dependencies:  u.Dependencies,
		Progress:      escrow.ProgressPercent(u.Status()),
		Overdue:       u.Overdue(s.now()),
	}
	if prev, ok := u.State.Previous(); ok {
		uj.PreviousStatus = prev.String()
	}
	if snap != nil {
		uj.Blockers = s.service.Engine().Resolver().Blockers(u.ID, snap)
	}
	return uj
}

func pendingJSON(pa PendingAction) map[string]any {
	body := map[string]any{
		"pendingId":   pa.ID.Hex(),
		"agreement":   pa.Agreement.Hex(),
		"kind":        pa.Kind,
		"caller":      pa.Caller.Hex(),
		"status":      pa.Status,
		"block":       pa.Block,
		"submittedAt": pa.SubmittedAt,
		"updatedAt":   pa.UpdatedAt,
	}
	if pa.Resource != nil {
		body["resource"] = pa.Resource.Hex()
	}
	if pa.LastError != "" {
		body["lastError"] = pa.LastError
	}
	return body
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
