package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 2 * time.Second
)

var (
	errMissingStore  = errors.New("client: history store required")
	errMissingRemote = errors.New("client: remote required")
)

// Remote is the server side of a session.
type Remote interface {
	Submit(ctx context.Context, record records.Record, retryAttempt int) (SubmitResult, error)
	ListRecords(ctx context.Context, variant records.Variant) ([]records.Record, error)
}

// SessionConfig wires a Session.
type SessionConfig struct {
	Store       *history.Store
	Remote      Remote
	Logger      *zap.Logger
	MaxAttempts int
	RetryDelay  time.Duration
}

// Session couples the local history of one signed-in (or guest) user with the server.
type Session struct {
	store       *history.Store
	remote      Remote
	logger      *zap.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// SubmitOutcome reports how a background submission ended.
type SubmitOutcome struct {
	Record    records.Record
	Result    SubmitResult
	Attempts  int
	LocalOnly bool
	Err       error
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := cfg.RetryDelay
	if retryDelay < 0 {
		retryDelay = 0
	} else if retryDelay == 0 {
		retryDelay = defaultRetryDelay
	}
	return &Session{
		store:       cfg.Store,
		remote:      cfg.Remote,
		logger:      logger,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}, nil
}

// AuthChanged switches the local history to owner and reconciles it with the server.
func (s *Session) AuthChanged(ctx context.Context, owner string) (map[records.Variant]reconcile.Result, error) {
	if err := s.store.Open(ctx, owner); err != nil {
		return nil, err
	}
	return s.Reconcile(ctx)
}

// Reconcile fetches every variant from the server, then merges each with local history and stores the result.
// The guest bucket has no server copy and is left untouched.
func (s *Session) Reconcile(ctx context.Context) (map[records.Variant]reconcile.Result, error) {
	results := make(map[records.Variant]reconcile.Result, len(records.AllVariants))
	if s.store.Bucket() == history.GuestBucket {
		return results, nil
	}

	serverSets := make(map[records.Variant][]records.Record, len(records.AllVariants))
	for _, variant := range records.AllVariants {
		fetched, err := s.remote.ListRecords(ctx, variant)
		if err != nil {
			s.logger.Warn("reconcile fetch failed",
				zap.String("operation", "client.reconcile"),
				zap.String("variant", string(variant)),
				zap.Error(err),
			)
			return nil, fmt.Errorf("client: fetch %s: %w", variant, err)
		}
		serverSets[variant] = fetched
	}

	for _, variant := range records.AllVariants {
		result := reconcile.Merge(s.store.Records(variant), serverSets[variant], variant)
		for _, conflict := range result.Conflicts {
			s.logger.Info("reconcile conflict resolved",
				zap.String("variant", string(variant)),
				zap.String("natural_key", conflict.NaturalKey),
				zap.String("strategy", string(conflict.Strategy)),
				zap.String("kept", string(conflict.Kept)),
			)
		}
		for _, rejection := range result.Rejected {
			s.logger.Warn("reconcile rejected record",
				zap.String("variant", string(variant)),
				zap.String("origin", string(rejection.Origin)),
				zap.String("record_id", rejection.Record.ID),
				zap.String("reason", rejection.Reason),
			)
		}
		if err := s.store.Replace(ctx, variant, result.Merged); err != nil {
			return nil, err
		}
		results[variant] = result
	}
	return results, nil
}

// Record writes record to local history immediately and submits it in the background.
// The returned channel yields exactly one outcome and is then closed. Cancelling ctx abandons the submission.
func (s *Session) Record(ctx context.Context, record records.Record) (<-chan SubmitOutcome, error) {
	if err := s.store.Add(ctx, record); err != nil {
		return nil, err
	}
	outcomes := make(chan SubmitOutcome, 1)
	if s.store.Bucket() == history.GuestBucket {
		outcomes <- SubmitOutcome{Record: record, LocalOnly: true}
		close(outcomes)
		return outcomes, nil
	}
	go func() {
		defer close(outcomes)
		outcomes <- s.submit(ctx, record)
	}()
	return outcomes, nil
}

func (s *Session) submit(ctx context.Context, record records.Record) SubmitOutcome {
	outcome := SubmitOutcome{Record: record}
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		outcome.Attempts = attempt + 1
		result, err := s.remote.Submit(ctx, record, attempt)
		if err == nil {
			outcome.Result = result
			outcome.Err = nil
			return outcome
		}
		outcome.Err = err
		if !errors.Is(err, ErrServerUnavailable) {
			s.logSubmitFailure(record, attempt, err)
			return outcome
		}
		s.logger.Warn("submission attempt failed",
			zap.String("operation", "client.submit"),
			zap.String("natural_key", record.NaturalKey()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt+1 == s.maxAttempts {
			break
		}
		timer := time.NewTimer(s.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			outcome.Err = ctx.Err()
			return outcome
		case <-timer.C:
		}
	}
	s.logSubmitFailure(record, outcome.Attempts-1, outcome.Err)
	return outcome
}

func (s *Session) logSubmitFailure(record records.Record, attempt int, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Info("submission abandoned",
			zap.String("natural_key", record.NaturalKey()),
			zap.Int("attempt", attempt),
		)
		return
	}
	s.logger.Error("submission failed",
		zap.String("operation", "client.submit"),
		zap.String("natural_key", record.NaturalKey()),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
}
