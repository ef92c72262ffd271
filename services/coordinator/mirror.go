package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"escrowcoord/native/escrow"
	"escrowcoord/observability"
)

// RefreshHook observes every snapshot the mirror accepts.
type RefreshHook func(ctx context.Context, snap *escrow.Snapshot)

// Mirror holds the latest known snapshot of one agreement. Readers never
// block on a refresh in flight; refreshes are serialized and coalesced.
type Mirror struct {
	agreement common.Address
	reader    AgreementReader
	logger    *slog.Logger
	metrics   *observability.CoordinatorMetrics
	tracer    trace.Tracer
	onRefresh RefreshHook

	sem      *semaphore.Weighted
	requests atomic.Uint64
	// covered is the highest request ticket answered by a successful read.
	// Guarded by sem.
	covered uint64

	mu   sync.RWMutex
	snap *escrow.Snapshot
}

// MirrorOption customises a mirror.
type MirrorOption func(*Mirror)

// WithMirrorLogger sets the mirror logger.
func WithMirrorLogger(logger *slog.Logger) MirrorOption {
	return func(m *Mirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMirrorMetrics sets the metrics sink.
func WithMirrorMetrics(metrics *observability.CoordinatorMetrics) MirrorOption {
	return func(m *Mirror) { m.metrics = metrics }
}

// WithRefreshHook registers a hook invoked after each accepted refresh.
func WithRefreshHook(hook RefreshHook) MirrorOption {
	return func(m *Mirror) { m.onRefresh = hook }
}

// NewMirror constructs an empty mirror for the agreement.
func NewMirror(agreement common.Address, reader AgreementReader, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		agreement: agreement,
		reader:    reader,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		sem:       semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = m.logger.With("component", "mirror", "agreement", agreement.Hex())
	return m
}

// Agreement returns the mirrored agreement address.
func (m *Mirror) Agreement() common.Address { return m.agreement }

// View returns a copy of the current snapshot. The boolean is false until
// the first successful refresh.
func (m *Mirror) View() (*escrow.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return nil, false
	}
	return m.snap.Clone(), true
}

// Refresh re-reads the agreement. A caller whose request was already
// answered by a read that started after it was issued gets that result
// without another read. On failure the previous snapshot is kept and the
// error wraps ErrStaleView.
func (m *Mirror) Refresh(ctx context.Context) (*escrow.Snapshot, error) {
	ticket := m.requests.Add(1)
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: refresh %s not started: %w", ErrStaleView, m.agreement.Hex(), err)
	}
	defer m.sem.Release(1)

	if m.covered >= ticket {
		if snap, ok := m.View(); ok {
			return snap, nil
		}
	}
	covers := m.requests.Load()

	ctx, span := m.tracer.Start(ctx, "coordinator.refresh", trace.WithAttributes(
		attribute.String("agreement", m.agreement.Hex()),
	))
	defer span.End()

	snap, err := m.read(ctx)
	m.metrics.RecordRefresh(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("refresh failed, keeping previous view", "error", err)
		return nil, fmt.Errorf("%w: refresh %s: %w", ErrStaleView, m.agreement.Hex(), err)
	}

	m.mu.Lock()
	if m.snap != nil && snap.Block < m.snap.Block {
		// A lagging node must not roll the view back.
		m.logger.Debug("ignoring older snapshot", "block", snap.Block, "current_block", m.snap.Block)
		snap = m.snap
	} else {
		m.snap = snap
	}
	m.mu.Unlock()
	m.covered = covers
	span.SetAttributes(attribute.Int64("block", int64(snap.Block)))

	m.metrics.RecordRemaining(m.agreement.Hex(), snap.Progress().Remaining)
	if m.onRefresh != nil {
		m.onRefresh(ctx, snap.Clone())
	}
	return snap.Clone(), nil
}

func (m *Mirror) read(ctx context.Context) (*escrow.Snapshot, error) {
	if m.reader == nil {
		return nil, errors.New("no agreement reader configured")
	}
	snap, err := m.reader.ReadAgreement(ctx, m.agreement)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errors.New("reader returned no snapshot")
	}
	snap = snap.Clone()
	if snap.Agreement.Address == (common.Address{}) {
		snap.Agreement.Address = m.agreement
	}
	if snap.Agreement.Address != m.agreement {
		return nil, fmt.Errorf("reader returned agreement %s", snap.Agreement.Address.Hex())
	}
	snap.SortUnits()
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// ParticipantView is the caller-specific projection of a snapshot.
type ParticipantView struct {
	Caller        common.Address
	IsClient      bool
	IsAssignee    bool
	IsParticipant bool
	Units         []*escrow.WorkUnit
	Summary       escrow.AssigneeSummary
}

// Participant derives the caller's role and units from the current view.
func (m *Mirror) Participant(caller common.Address) (ParticipantView, error) {
	snap, ok := m.View()
	if !ok {
		return ParticipantView{}, fmt.Errorf("%w: agreement %s not mirrored", ErrStaleView, m.agreement.Hex())
	}
	return ParticipantView{
		Caller:        caller,
		IsClient:      snap.IsClient(caller),
		IsAssignee:    snap.IsAssignee(caller),
		IsParticipant: snap.IsParticipant(caller),
		Units:         snap.UnitsFor(caller),
		Summary:       snap.SummaryFor(caller),
	}, nil
}

// UnitsFor returns the units assigned to assignee in the current view.
func (m *Mirror) UnitsFor(assignee common.Address) ([]*escrow.WorkUnit, error) {
	snap, ok := m.View()
	if !ok {
		return nil, fmt.Errorf("%w: agreement %s not mirrored", ErrStaleView, m.agreement.Hex())
	}
	return snap.UnitsFor(assignee), nil
}
