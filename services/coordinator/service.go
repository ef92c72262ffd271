package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowcoord/native/escrow"
	"escrowcoord/observability"
)

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Engine  *escrow.Engine
	Reader  AgreementReader
	Tracker *Tracker
	// Discovery is optional. When set, listings are created alongside new
	// agreements and kept in sync with every refresh.
	Discovery      *Discovery
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *observability.CoordinatorMetrics
}

// Service owns one Coordinator per agreement and the agreement factory
// workflow. Coordinators never share mirrors.
type Service struct {
	engine    *escrow.Engine
	reader    AgreementReader
	tracker   *Tracker
	discovery *Discovery
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *observability.CoordinatorMetrics

	mu           sync.RWMutex
	coordinators map[common.Address]*Coordinator
	drafts       map[common.Hash]ListingDraft
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("coordinator: tracker required")
	}
	if cfg.Reader == nil {
		return nil, errors.New("coordinator: agreement reader required")
	}
	engine := cfg.Engine
	if engine == nil {
		engine = escrow.NewEngine()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &Service{
		engine:       engine,
		reader:       cfg.Reader,
		tracker:      cfg.Tracker,
		discovery:    cfg.Discovery,
		timeout:      timeout,
		logger:       logger,
		metrics:      cfg.Metrics,
		coordinators: make(map[common.Address]*Coordinator),
		drafts:       make(map[common.Hash]ListingDraft),
	}, nil
}

// Engine returns the workflow engine shared by all coordinators.
func (s *Service) Engine() *escrow.Engine { return s.engine }

// Tracker returns the shared lifecycle tracker.
func (s *Service) Tracker() *Tracker { return s.tracker }

// Discovery returns the listing store, or nil when none is configured.
func (s *Service) Discovery() *Discovery { return s.discovery }

// Open returns the coordinator for an agreement, mirroring it first when it
// is not yet registered. A failed initial refresh leaves nothing registered.
func (s *Service) Open(ctx context.Context, agreement common.Address) (*Coordinator, error) {
	if agreement == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero agreement address", ErrUnknownAgreement)
	}
	if c, ok := s.Lookup(agreement); ok {
		return c, nil
	}
	mirror := NewMirror(agreement, s.reader,
		WithMirrorLogger(s.logger),
		WithMirrorMetrics(s.metrics),
		WithRefreshHook(s.syncListing),
	)
	if _, err := mirror.Refresh(ctx); err != nil {
		return nil, err
	}
	c := newCoordinator(agreement, s.engine, mirror, s.tracker, s.timeout, s.logger, s.metrics)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.coordinators[agreement]; ok {
		return existing, nil
	}
	s.coordinators[agreement] = c
	s.logger.Info("agreement registered", "agreement", agreement.Hex())
	return c, nil
}

// Lookup returns a registered coordinator.
func (s *Service) Lookup(agreement common.Address) (*Coordinator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.coordinators[agreement]
	return c, ok
}

// Coordinators lists registered coordinators ordered by address.
func (s *Service) Coordinators() []*Coordinator {
	s.mu.RLock()
	out := make([]*Coordinator, 0, len(s.coordinators))
	for _, c := range s.coordinators {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].agreement.Hex() < out[j].agreement.Hex()
	})
	return out
}

// CreateAgreement submits an agreement creation through the factory with the
// deployment fee attached, recovers the new agreement address from the
// creation event and registers a coordinator for it. When draft is non-nil
// and discovery is configured a listing is created too.
func (s *Service) CreateAgreement(ctx context.Context, caller common.Address, args escrow.CreateArgs, draft *ListingDraft) (*Result, error) {
	kind := escrow.ActionCreateAgreement
	fee, err := s.engine.DeploymentFee(args.TotalAmount)
	if err != nil {
		s.metrics.RecordAction(string(kind), "rejected")
		return nil, actionError(kind, common.Hash{}, err)
	}
	action := escrow.Action{Caller: caller, Value: fee, Args: args}
	if err := s.engine.Check(nil, action); err != nil {
		s.metrics.RecordAction(string(kind), "rejected")
		s.logger.Info("agreement creation rejected", "caller", caller.Hex(), "error", err)
		return nil, actionError(kind, common.Hash{}, err)
	}
	handle, err := s.tracker.Submit(ctx, action)
	if err != nil {
		return nil, actionError(kind, common.Hash{}, err)
	}
	if draft != nil {
		s.mu.Lock()
		s.drafts[handle.ID] = *draft
		s.mu.Unlock()
	}
	return s.finishCreate(ctx, handle, s.timeout)
}

// Await resumes waiting on any tracked action, creation included.
func (s *Service) Await(ctx context.Context, id common.Hash, timeout time.Duration) (*Result, error) {
	handle, ok := s.tracker.handle(id)
	if !ok {
		return nil, actionError("", id, fmt.Errorf("%w: %s", ErrUnknownAction, id.Hex()))
	}
	if timeout <= 0 {
		timeout = s.timeout
	}
	if handle.Kind == escrow.ActionCreateAgreement {
		return s.finishCreate(ctx, handle, timeout)
	}
	c, err := s.Open(ctx, handle.Agreement)
	if err != nil {
		return nil, actionError(handle.Kind, id, err)
	}
	return c.Await(ctx, id, timeout)
}

// Recover completes a creation flagged unrecoverable with an agreement
// address established out-of-band. Only the account that submitted the
// creation may recover it, and the agreement must name that account as its
// client.
func (s *Service) Recover(ctx context.Context, caller common.Address, id common.Hash, agreement common.Address) (*Result, error) {
	kind := escrow.ActionCreateAgreement
	pa, ok := s.tracker.Get(id)
	if !ok {
		return nil, actionError(kind, id, fmt.Errorf("%w: %s", ErrUnknownAction, id.Hex()))
	}
	if pa.Kind != kind {
		return nil, actionError(kind, id, fmt.Errorf("%w: pending %s is a %s action", ErrPreconditionRejected, id.Hex(), pa.Kind))
	}
	if pa.Caller != caller {
		return nil, actionError(kind, id, fmt.Errorf("%w: pending %s was submitted by another account", ErrPreconditionRejected, id.Hex()))
	}
	if pa.Status == StatusUnrecoverable {
		snap, err := s.reader.ReadAgreement(ctx, agreement)
		if err != nil {
			return nil, actionError(kind, id, fmt.Errorf("%w: read agreement %s: %w", ErrStaleView, agreement.Hex(), err))
		}
		if snap.Agreement.Client != caller {
			return nil, actionError(kind, id, fmt.Errorf("%w: agreement %s belongs to client %s", ErrPreconditionRejected, agreement.Hex(), snap.Agreement.Client.Hex()))
		}
	}
	if _, err := s.tracker.Recover(ctx, id, agreement); err != nil {
		return nil, actionError(kind, id, err)
	}
	s.logger.Info("agreement creation recovered", "pending_id", id.Hex(), "agreement", agreement.Hex(), "caller", caller.Hex())
	return s.finishCreate(ctx, PendingHandle{ID: id, Kind: kind}, s.timeout)
}

func (s *Service) finishCreate(ctx context.Context, handle PendingHandle, timeout time.Duration) (*Result, error) {
	defer s.tracker.hold(handle.ID)()
	outcome, err := s.tracker.Await(ctx, handle, timeout)
	if err != nil {
		return nil, actionError(handle.Kind, handle.ID, err)
	}
	if outcome.Resource == nil {
		return nil, actionError(handle.Kind, handle.ID, unrecoverableError(handle.ID))
	}
	result := &Result{PendingID: handle.ID, Kind: handle.Kind, Resource: outcome.Resource}
	c, err := s.Open(ctx, *outcome.Resource)
	if err != nil {
		return result, actionError(handle.Kind, handle.ID, err)
	}
	snap, _ := c.View()
	if reconciled(snap, outcome) != nil {
		if snap, err = c.Refresh(ctx); err != nil {
			return result, actionError(handle.Kind, handle.ID, err)
		}
	}
	if err := reconciled(snap, outcome); err != nil {
		s.logger.Warn("refreshed view predates creation", "agreement", outcome.Resource.Hex(), "pending_id", handle.ID.Hex(), "view_block", snap.Block, "confirmed_block", outcome.Block)
		return result, actionError(handle.Kind, handle.ID, err)
	}
	result.Snapshot = snap

	s.mu.Lock()
	draft, hasDraft := s.drafts[handle.ID]
	delete(s.drafts, handle.ID)
	s.mu.Unlock()
	if hasDraft && s.discovery != nil {
		if _, err := s.discovery.Create(ctx, draft, snap); err != nil {
			s.logger.Warn("listing creation failed", "agreement", outcome.Resource.Hex(), "error", err)
		}
	}
	s.tracker.Discard(ctx, handle.ID)
	s.logger.Info("agreement created", "agreement", outcome.Resource.Hex(), "pending_id", handle.ID.Hex(), "source", outcome.Source)
	return result, nil
}

func (s *Service) syncListing(ctx context.Context, snap *escrow.Snapshot) {
	if s.discovery == nil {
		return
	}
	if err := s.discovery.SyncSnapshot(ctx, snap); err != nil {
		s.logger.Warn("listing sync failed", "agreement", snap.Agreement.Address.Hex(), "error", err)
	}
}
