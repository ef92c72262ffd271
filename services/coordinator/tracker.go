package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowcoord/native/escrow"
	"escrowcoord/observability"
)

const tracerName = "escrowcoord/services/coordinator"

// PendingStatus is the confirmation status of a submitted action.
type PendingStatus string

const (
	StatusSubmitted     PendingStatus = "submitted"
	StatusConfirmed     PendingStatus = "confirmed"
	StatusUnrecoverable PendingStatus = "unrecoverable"
)

// PendingAction is an action accepted for inclusion but not yet reconciled
// into the agreement mirror.
type PendingAction struct {
	ID              common.Hash
	Agreement       common.Address
	Kind            escrow.ActionKind
	Caller          common.Address
	Status          PendingStatus
	ExpectsResource bool
	Resource        *common.Address
	Block           uint64
	SubmittedAt     time.Time
	UpdatedAt       time.Time
	LastError       string
}

// PendingHandle identifies a submitted action.
type PendingHandle struct {
	ID        common.Hash
	Kind      escrow.ActionKind
	Agreement common.Address
}

// Outcome describes a confirmed action.
type Outcome struct {
	PendingID common.Hash
	Kind      escrow.ActionKind
	Agreement common.Address
	Block     uint64
	// Resource is the identifier recovered from event data for actions that
	// create one.
	Resource *common.Address
	// Source names the endpoint the resource was recovered from.
	Source string
}

// Journal persists pending actions so that a restarted process can resume
// polling them.
type Journal interface {
	SavePending(ctx context.Context, action PendingAction) error
	DeletePending(ctx context.Context, id common.Hash) error
	LoadPending(ctx context.Context) ([]PendingAction, error)
}

// TrackerConfig wires the tracker's collaborators. The factory address and
// the ordered fallback list are fixed for the tracker's lifetime.
type TrackerConfig struct {
	Submitter Submitter
	Primary   Endpoint
	Fallbacks []Endpoint
	// Factory is the only log origin trusted for resource extraction.
	Factory common.Address
	// EventTopic, when set, must match topic zero of the creation log.
	EventTopic common.Hash
	// ResourceTopic is the topic position carrying the resource address.
	ResourceTopic int
	// Confirmations is the block depth required before a receipt counts.
	Confirmations uint64
	PollInterval  time.Duration
	// Retention is how long a discarded confirmed outcome stays readable
	// for callers that were still awaiting it.
	Retention time.Duration
	Journal   Journal
	Logger    *slog.Logger
	Metrics   *observability.CoordinatorMetrics
	Clock     func() time.Time
}

// Tracker owns the lifecycle of submitted actions: submission, confirmation
// polling, and resource recovery with the fallback scan.
type Tracker struct {
	cfg    TrackerConfig
	logger *slog.Logger
	tracer trace.Tracer

	mu         sync.Mutex
	pending    map[common.Hash]*PendingAction
	awaiting   map[common.Hash]int
	reconciled map[common.Hash]reconciledOutcome
}

type reconciledOutcome struct {
	outcome Outcome
	at      time.Time
}

// NewTracker validates the configuration and returns a tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Submitter == nil {
		return nil, errors.New("coordinator: submitter required")
	}
	if cfg.Primary.Client == nil {
		return nil, errors.New("coordinator: primary endpoint required")
	}
	for i, fb := range cfg.Fallbacks {
		if fb.Client == nil {
			return nil, fmt.Errorf("coordinator: fallback endpoint %d has no client", i)
		}
	}
	if cfg.Factory == (common.Address{}) {
		return nil, errors.New("coordinator: factory address required")
	}
	if cfg.ResourceTopic == 0 {
		cfg.ResourceTopic = escrow.AgreementTopicIndex
	}
	if cfg.ResourceTopic < 1 {
		return nil, fmt.Errorf("coordinator: resource topic %d must follow the signature topic", cfg.ResourceTopic)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:        cfg,
		logger:     logger.With("component", "tracker"),
		tracer:     otel.Tracer(tracerName),
		pending:    make(map[common.Hash]*PendingAction),
		awaiting:   make(map[common.Hash]int),
		reconciled: make(map[common.Hash]reconciledOutcome),
	}, nil
}

// Submit hands the action to the submission collaborator and starts tracking
// it. A rejection is reported as ErrSubmissionFailed carrying the
// collaborator's error.
func (t *Tracker) Submit(ctx context.Context, action escrow.Action) (PendingHandle, error) {
	kind := action.Kind()
	ctx, span := t.tracer.Start(ctx, "coordinator.submit", trace.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("agreement", action.Agreement.Hex()),
	))
	defer span.End()

	id, err := t.cfg.Submitter.Submit(ctx, action)
	if err == nil && id == (common.Hash{}) {
		err = errors.New("empty pending identifier")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.cfg.Metrics.RecordAction(string(kind), "submission_failed")
		return PendingHandle{}, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	span.SetAttributes(attribute.String("pending_id", id.Hex()))

	now := t.cfg.Clock()
	pa := &PendingAction{
		ID:              id,
		Agreement:       action.Agreement,
		Kind:            kind,
		Caller:          action.Caller,
		Status:          StatusSubmitted,
		ExpectsResource: kind.ProducesResource(),
		SubmittedAt:     now,
		UpdatedAt:       now,
	}
	t.mu.Lock()
	t.pending[id] = pa
	snapshot := *pa
	n := len(t.pending)
	t.mu.Unlock()
	t.cfg.Metrics.SetPending(n)
	t.persist(ctx, snapshot)
	t.logger.Info("action submitted", "kind", string(kind), "agreement", action.Agreement.Hex(), "pending_id", id.Hex())
	return PendingHandle{ID: id, Kind: kind, Agreement: action.Agreement}, nil
}

// Await polls the primary endpoint until the action confirms, the timeout
// elapses or ctx is cancelled. On timeout the action stays submitted and
// ErrConfirmationTimeout is returned; Await or Poll may be called again.
func (t *Tracker) Await(ctx context.Context, handle PendingHandle, timeout time.Duration) (Outcome, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := t.tracer.Start(ctx, "coordinator.await", trace.WithAttributes(
		attribute.String("pending_id", handle.ID.Hex()),
	))
	defer span.End()

	defer t.hold(handle.ID)()

	for {
		outcome, done, err := t.check(ctx, handle.ID)
		if done {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return outcome, err
		}
		timer := time.NewTimer(t.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			err := t.waitError(ctx, handle)
			span.RecordError(err)
			return Outcome{}, err
		case <-timer.C:
		}
	}
}

// Poll performs a single confirmation check without waiting.
func (t *Tracker) Poll(ctx context.Context, id common.Hash) (Outcome, error) {
	outcome, done, err := t.check(ctx, id)
	if !done {
		return Outcome{}, fmt.Errorf("%w: %s still submitted", ErrConfirmationTimeout, id.Hex())
	}
	return outcome, err
}

func (t *Tracker) check(ctx context.Context, id common.Hash) (Outcome, bool, error) {
	pa, ok := t.Get(id)
	if !ok {
		if outcome, ok := t.reconciledOutcome(id); ok {
			return outcome, true, nil
		}
		return Outcome{}, true, fmt.Errorf("%w: %s", ErrUnknownAction, id.Hex())
	}
	switch pa.Status {
	case StatusConfirmed:
		return outcomeOf(pa), true, nil
	case StatusUnrecoverable:
		return Outcome{}, true, unrecoverableError(pa.ID)
	}

	receipt, err := t.cfg.Primary.receipt(ctx, id)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			t.logger.Debug("receipt lookup failed", "pending_id", id.Hex(), "endpoint", t.cfg.Primary.label(), "error", err)
			t.note(id, err.Error())
		}
		return Outcome{}, false, nil
	}
	if receipt == nil || !t.deepEnough(ctx, receipt) {
		return Outcome{}, false, nil
	}
	return t.settle(ctx, pa, receipt)
}

func (t *Tracker) deepEnough(ctx context.Context, receipt *gethtypes.Receipt) bool {
	if t.cfg.Confirmations == 0 {
		return true
	}
	if receipt.BlockNumber == nil {
		return false
	}
	header, err := t.cfg.Primary.Client.HeaderByNumber(ctx, nil)
	if err != nil || header == nil || header.Number == nil {
		return false
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return false
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	return confirmed.Cmp(new(big.Int).SetUint64(t.cfg.Confirmations)) >= 0
}

func (t *Tracker) settle(ctx context.Context, pa PendingAction, receipt *gethtypes.Receipt) (Outcome, bool, error) {
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		t.Discard(ctx, pa.ID)
		t.cfg.Metrics.RecordAction(string(pa.Kind), "reverted")
		t.logger.Warn("action reverted", "pending_id", pa.ID.Hex(), "kind", string(pa.Kind), "block", block)
		return Outcome{}, true, fmt.Errorf("%w: %s reverted in block %d", ErrSubmissionFailed, pa.ID.Hex(), block)
	}

	outcome := Outcome{
		PendingID: pa.ID,
		Kind:      pa.Kind,
		Agreement: pa.Agreement,
		Block:     block,
		Source:    t.cfg.Primary.label(),
	}
	if pa.ExpectsResource {
		addr, ok := t.extract(receipt.Logs)
		if !ok && len(receipt.Logs) == 0 {
			addr, outcome.Source, ok = t.scanFallbacks(ctx, pa.ID)
			if !ok && ctx.Err() != nil {
				return Outcome{}, true, t.waitError(ctx, PendingHandle{ID: pa.ID, Kind: pa.Kind})
			}
		}
		if !ok {
			t.markUnrecoverable(ctx, pa.ID, block)
			return Outcome{}, true, unrecoverableError(pa.ID)
		}
		outcome.Resource = &addr
	}
	t.markConfirmed(ctx, outcome)
	t.cfg.Metrics.RecordAction(string(pa.Kind), "confirmed")
	t.cfg.Metrics.ObserveConfirmation(string(pa.Kind), t.cfg.Clock().Sub(pa.SubmittedAt))
	return outcome, true, nil
}

// scanFallbacks queries the fallback endpoints in order and stops at the
// first one returning a matching log.
func (t *Tracker) scanFallbacks(ctx context.Context, id common.Hash) (common.Address, string, bool) {
	for _, ep := range t.cfg.Fallbacks {
		if ctx.Err() != nil {
			return common.Address{}, "", false
		}
		spanCtx, span := t.tracer.Start(ctx, "coordinator.fallback", trace.WithAttributes(
			attribute.String("endpoint", ep.label()),
			attribute.String("pending_id", id.Hex()),
		))
		receipt, err := ep.receipt(spanCtx, id)
		result := "no_match"
		switch {
		case err != nil:
			result = "error"
			span.RecordError(err)
			t.logger.Warn("fallback lookup failed", "endpoint", ep.label(), "pending_id", id.Hex(), "error", err)
		case receipt == nil || len(receipt.Logs) == 0:
			result = "empty"
		default:
			if addr, ok := t.extract(receipt.Logs); ok {
				t.cfg.Metrics.RecordFallback(ep.label(), "match")
				span.End()
				t.logger.Info("resource recovered from fallback", "endpoint", ep.label(), "pending_id", id.Hex(), "resource", addr.Hex())
				return addr, ep.label(), true
			}
		}
		t.cfg.Metrics.RecordFallback(ep.label(), result)
		span.End()
	}
	return common.Address{}, "", false
}

// extract returns the resource address from the first factory log with the
// expected topic layout. A zero address never matches.
func (t *Tracker) extract(logs []*gethtypes.Log) (common.Address, bool) {
	minTopics := t.cfg.ResourceTopic + 1
	if minTopics < 3 {
		minTopics = 3
	}
	for _, lg := range logs {
		if lg == nil || lg.Address != t.cfg.Factory {
			continue
		}
		if len(lg.Topics) < minTopics {
			continue
		}
		if t.cfg.EventTopic != (common.Hash{}) && lg.Topics[0] != t.cfg.EventTopic {
			continue
		}
		addr := escrow.AddressFromTopic(lg.Topics[t.cfg.ResourceTopic])
		if addr == (common.Address{}) {
			continue
		}
		return addr, true
	}
	return common.Address{}, false
}

func (t *Tracker) waitError(ctx context.Context, handle PendingHandle) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.cfg.Metrics.RecordAction(string(handle.Kind), "timeout")
		return fmt.Errorf("%w: %s still submitted", ErrConfirmationTimeout, handle.ID.Hex())
	}
	return ctx.Err()
}

// Get returns a copy of the tracked action.
func (t *Tracker) Get(id common.Hash) (PendingAction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pa, ok := t.pending[id]
	if !ok {
		return PendingAction{}, false
	}
	return clonePending(pa), true
}

// Awaited reports whether a caller is awaiting or reconciling id.
func (t *Tracker) Awaited(id common.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.awaiting[id] > 0
}

// handle returns the handle of a tracked action, or of one discarded within
// the retention window.
func (t *Tracker) handle(id common.Hash) (PendingHandle, bool) {
	if pa, ok := t.Get(id); ok {
		return PendingHandle{ID: id, Kind: pa.Kind, Agreement: pa.Agreement}, true
	}
	if outcome, ok := t.reconciledOutcome(id); ok {
		return PendingHandle{ID: id, Kind: outcome.Kind, Agreement: outcome.Agreement}, true
	}
	return PendingHandle{}, false
}

// hold marks id as awaited until the returned release func runs.
func (t *Tracker) hold(id common.Hash) func() {
	t.mu.Lock()
	t.awaiting[id]++
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		if t.awaiting[id] <= 1 {
			delete(t.awaiting, id)
		} else {
			t.awaiting[id]--
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) reconciledOutcome(id common.Hash) (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.reconciled[id]
	if !ok || t.cfg.Clock().Sub(entry.at) > t.cfg.Retention {
		return Outcome{}, false
	}
	return entry.outcome, true
}

// Pending lists tracked actions ordered by submission time.
func (t *Tracker) Pending() []PendingAction {
	t.mu.Lock()
	out := make([]PendingAction, 0, len(t.pending))
	for _, pa := range t.pending {
		out = append(out, clonePending(pa))
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID.Hex() < out[j].ID.Hex()
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Discard stops tracking an action once it has been reconciled. A confirmed
// outcome stays readable through Await and Poll for the retention window.
func (t *Tracker) Discard(ctx context.Context, id common.Hash) {
	now := t.cfg.Clock()
	t.mu.Lock()
	pa, ok := t.pending[id]
	if ok && pa.Status == StatusConfirmed {
		t.reconciled[id] = reconciledOutcome{outcome: outcomeOf(clonePending(pa)), at: now}
	}
	for key, entry := range t.reconciled {
		if now.Sub(entry.at) > t.cfg.Retention {
			delete(t.reconciled, key)
		}
	}
	delete(t.pending, id)
	n := len(t.pending)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.cfg.Metrics.SetPending(n)
	if t.cfg.Journal != nil {
		if err := t.cfg.Journal.DeletePending(ctx, id); err != nil {
			t.logger.Warn("journal delete failed", "pending_id", id.Hex(), "error", err)
		}
	}
}

// Recover records an identifier established out-of-band for an action
// flagged unrecoverable.
func (t *Tracker) Recover(ctx context.Context, id common.Hash, resource common.Address) (Outcome, error) {
	if resource == (common.Address{}) {
		return Outcome{}, errors.New("coordinator: recovered resource must not be zero")
	}
	pa, ok := t.Get(id)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownAction, id.Hex())
	}
	if pa.Status != StatusUnrecoverable {
		return Outcome{}, fmt.Errorf("coordinator: action %s is %s", id.Hex(), pa.Status)
	}
	outcome := Outcome{PendingID: id, Kind: pa.Kind, Agreement: pa.Agreement, Block: pa.Block, Resource: &resource, Source: "manual"}
	t.markConfirmed(ctx, outcome)
	t.logger.Info("resource recovered manually", "pending_id", id.Hex(), "resource", resource.Hex())
	return outcome, nil
}

// Restore reloads journaled actions. Actions already tracked are kept.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	if t.cfg.Journal == nil {
		return 0, nil
	}
	actions, err := t.cfg.Journal.LoadPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load journal: %w", err)
	}
	restored := 0
	t.mu.Lock()
	for i := range actions {
		pa := actions[i]
		if _, exists := t.pending[pa.ID]; exists {
			continue
		}
		t.pending[pa.ID] = &pa
		restored++
	}
	n := len(t.pending)
	t.mu.Unlock()
	t.cfg.Metrics.SetPending(n)
	return restored, nil
}

func (t *Tracker) markConfirmed(ctx context.Context, outcome Outcome) {
	t.update(ctx, outcome.PendingID, func(pa *PendingAction) {
		pa.Status = StatusConfirmed
		pa.Block = outcome.Block
		pa.LastError = ""
		if outcome.Resource != nil {
			res := *outcome.Resource
			pa.Resource = &res
		}
	})
}

func (t *Tracker) markUnrecoverable(ctx context.Context, id common.Hash, block uint64) {
	t.update(ctx, id, func(pa *PendingAction) {
		pa.Status = StatusUnrecoverable
		pa.Block = block
		pa.LastError = "no endpoint returned a matching creation event"
	})
	pa, _ := t.Get(id)
	t.cfg.Metrics.RecordAction(string(pa.Kind), "unrecoverable")
	t.logger.Error("resource identifier unrecoverable", "pending_id", id.Hex(), "block", block, "fallbacks", len(t.cfg.Fallbacks))
}

func (t *Tracker) note(id common.Hash, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pa, ok := t.pending[id]; ok {
		pa.LastError = msg
	}
}

func (t *Tracker) update(ctx context.Context, id common.Hash, fn func(*PendingAction)) {
	t.mu.Lock()
	pa, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	fn(pa)
	pa.UpdatedAt = t.cfg.Clock()
	snapshot := clonePending(pa)
	t.mu.Unlock()
	t.persist(ctx, snapshot)
}

func (t *Tracker) persist(ctx context.Context, pa PendingAction) {
	if t.cfg.Journal == nil {
		return
	}
	if err := t.cfg.Journal.SavePending(ctx, pa); err != nil {
		t.logger.Warn("journal save failed", "pending_id", pa.ID.Hex(), "error", err)
	}
}

func outcomeOf(pa PendingAction) Outcome {
	return Outcome{PendingID: pa.ID, Kind: pa.Kind, Agreement: pa.Agreement, Block: pa.Block, Resource: pa.Resource}
}

func clonePending(pa *PendingAction) PendingAction {
	out := *pa
	if pa.Resource != nil {
		res := *pa.Resource
		out.Resource = &res
	}
	return out
}

func unrecoverableError(id common.Hash) error {
	return fmt.Errorf("%w: pending %s", ErrIdentifierUnrecoverable, id.Hex())
}
