// Package history owns the client-side record cache used as the local side of reconciliation.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

var (
	// ErrMissingBackend indicates that a store was constructed without persistence.
	ErrMissingBackend = errors.New("history: backend is required")
	// ErrUnknownVariant indicates a record whose variant has no history slot.
	ErrUnknownVariant = errors.New("history: unknown variant")
)

// StoreConfig wires the dependencies of a Store.
type StoreConfig struct {
	Backend Backend
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Store is the single owner of one session's local history.
type Store struct {
	mu       sync.RWMutex
	backend  Backend
	clock    func() time.Time
	logger   *zap.Logger
	bucket   string
	snapshot Snapshot
	notifier *notifier
}

// NewStore constructs a Store positioned on the guest bucket. Call Open to load it.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Backend == nil {
		return nil, ErrMissingBackend
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend:  cfg.Backend,
		clock:    clock,
		logger:   logger,
		bucket:   GuestBucket,
		notifier: newNotifier(),
	}, nil
}

// Open loads the bucket for owner. An empty owner selects the guest bucket.
func (s *Store) Open(ctx context.Context, owner string) error {
	bucket := BucketFor(owner)
	snapshot, err := s.backend.Load(ctx, bucket)
	if err != nil {
		s.logger.Error("history operation failed",
			zap.String("operation", "history.open"),
			zap.String("bucket", bucket),
			zap.Error(err),
		)
		return fmt.Errorf("history: load %s: %w", bucket, err)
	}

	s.mu.Lock()
	previous := s.bucket
	s.bucket = bucket
	s.snapshot = snapshot
	s.mu.Unlock()

	if previous != bucket {
		s.notifier.publish(Change{Bucket: bucket, Kind: ChangeOwnerSwitched, Timestamp: s.clock()})
	}
	return nil
}

// Bucket returns the bucket currently loaded.
func (s *Store) Bucket() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bucket
}

// Records returns a copy of the history for variant, newest first.
func (s *Store) Records(variant records.Variant) []records.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecords(s.snapshot.Records(variant))
}

// Add records an optimistic local write. A record with the natural key of an existing entry replaces it.
func (s *Store) Add(ctx context.Context, record records.Record) error {
	if !record.Variant.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownVariant, record.Variant)
	}
	record = record.Clone()
	record.Origin = records.OriginLocal

	s.mu.Lock()
	current := s.snapshot.Records(record.Variant)
	updated := make([]records.Record, 0, len(current)+1)
	updated = append(updated, record)
	key := record.NaturalKey()
	for _, existing := range current {
		if existing.NaturalKey() == key {
			continue
		}
		updated = append(updated, existing)
	}
	sortNewestFirst(updated)
	next := cloneSnapshot(s.snapshot)
	next.set(record.Variant, updated)
	bucket := s.bucket
	err := s.persistLocked(ctx, bucket, next)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notifier.publish(Change{Bucket: bucket, Kind: ChangeAdded, Variant: record.Variant, Timestamp: s.clock()})
	return nil
}

// Replace swaps the history for variant wholesale, typically with a reconciled set.
func (s *Store) Replace(ctx context.Context, variant records.Variant, set []records.Record) error {
	if !variant.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	replacement := cloneRecords(set)
	if replacement == nil {
		replacement = []records.Record{}
	}

	s.mu.Lock()
	next := cloneSnapshot(s.snapshot)
	next.set(variant, replacement)
	bucket := s.bucket
	err := s.persistLocked(ctx, bucket, next)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notifier.publish(Change{Bucket: bucket, Kind: ChangeReplaced, Variant: variant, Timestamp: s.clock()})
	return nil
}

// Subscribe streams changes until ctx is done or the returned cancel func is called.
func (s *Store) Subscribe(ctx context.Context) (<-chan Change, func()) {
	return s.notifier.subscribe(ctx)
}

func (s *Store) persistLocked(ctx context.Context, bucket string, next Snapshot) error {
	if err := s.backend.Save(ctx, bucket, next); err != nil {
		s.logger.Error("history operation failed",
			zap.String("operation", "history.save"),
			zap.String("bucket", bucket),
			zap.Error(err),
		)
		return fmt.Errorf("history: save %s: %w", bucket, err)
	}
	s.snapshot = next
	return nil
}

func sortNewestFirst(set []records.Record) {
	sort.SliceStable(set, func(i, j int) bool {
		return set[i].CreatedAt > set[j].CreatedAt
	})
}
