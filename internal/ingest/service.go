// Package ingest implements the server-side guard that accepts or suppresses record submissions.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

const (
	// DefaultDuplicateWindow is the trailing span within which a same-map submission counts as a replay.
	DefaultDuplicateWindow = 30 * time.Second
	// MaxClockSkew is how far ahead of the server clock a submitted timestamp may be.
	MaxClockSkew = 5 * time.Minute
	// DefaultFeedRetention bounds the number of feed entries kept.
	DefaultFeedRetention = 200
	// AnonymousDisplayName is shown in the feed when no display name is known.
	AnonymousDisplayName = "Anonymous Farmer"

	opServiceNew  = "ingest.service.new"
	opSubmit      = "ingest.submit"
	opListRecords = "ingest.list_records"

	actionRecordAccepted = "record_accepted"

	queryDuplicateCandidate = "owner_key = ? AND variant = ? AND " +
		"((dedupe_key = ? AND (received_at_ms >= ? OR created_at_ms BETWEEN ? AND ?)) OR natural_key = ?)"
	queryOwnerVariant  = "owner_key = ? AND variant = ?"
	orderRecordsNewest = "created_at_ms DESC, natural_key ASC"
	orderFeedOldest    = "created_at_ms ASC, entry_id ASC"
)

// Outcome is the result of a successful submission.
type Outcome string

const (
	OutcomeAccepted         Outcome = "accepted"
	OutcomeDuplicateIgnored Outcome = "duplicate_ignored"
	OutcomeRetryIgnored     Outcome = "retry_ignored"
)

// Submission is one candidate record as received from a client.
type Submission struct {
	Owner        records.OwnerKey
	DisplayName  string
	WireType     string
	Payload      map[string]any
	Results      map[string]any
	RetryAttempt int
}

// Result describes what the guard did with a submission.
type Result struct {
	Outcome     Outcome
	RecordID    string
	FeedEntryID string
}

// ServiceConfig wires the dependencies of a Service.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	IDProvider      records.IDProvider
	Logger          *zap.Logger
	Metrics         *metrics.Recorder
	DuplicateWindow time.Duration
	FeedRetention   int
}

// Service is the ingestion guard.
type Service struct {
	db              *gorm.DB
	clock           func() time.Time
	idProvider      records.IDProvider
	logger          *zap.Logger
	metrics         *metrics.Recorder
	duplicateWindow time.Duration
	feedRetention   int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.DuplicateWindow
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	retention := cfg.FeedRetention
	if retention <= 0 {
		retention = DefaultFeedRetention
	}
	return &Service{
		db:              cfg.Database,
		clock:           clock,
		idProvider:      cfg.IDProvider,
		logger:          logger,
		metrics:         cfg.Metrics,
		duplicateWindow: window,
		feedRetention:   retention,
	}, nil
}

// Submit accepts one submission, guaranteeing at most one persisted copy of the same event per owner.
func (s *Service) Submit(ctx context.Context, submission Submission) (Result, error) {
	if submission.Owner == "" {
		return Result{}, newServiceError(opSubmit, "missing_owner", ErrUnauthenticated)
	}
	owner := submission.Owner.String()

	if submission.RetryAttempt > 0 {
		s.logger.Info("retry submission ignored",
			zap.String("owner_key", owner),
			zap.Int("retry_attempt", submission.RetryAttempt))
		s.metrics.IngestOutcome(string(OutcomeRetryIgnored))
		return Result{Outcome: OutcomeRetryIgnored}, nil
	}

	variant, err := records.ParseWireType(submission.WireType)
	if err != nil {
		return Result{}, newServiceError(opSubmit, "invalid_type", errors.Join(ErrInvalidPayload, err))
	}
	facts, err := records.ValidateForIngest(variant, submission.Payload)
	if err != nil {
		return Result{}, newServiceError(opSubmit, "invalid_payload", err)
	}

	now := s.clock().UTC()
	createdAt := facts.Timestamp
	if createdAt == 0 {
		createdAt = now.UnixMilli()
	}
	if createdAt > now.Add(MaxClockSkew).UnixMilli() {
		return Result{}, newServiceError(opSubmit, "future_timestamp",
			fmt.Errorf("%w: %s is ahead of the server clock", ErrInvalidPayload, records.FieldTimestamp))
	}
	naturalKey := records.NaturalKeyFor(variant, createdAt, facts.ClientID)
	dedupeKey := records.DedupeKey(variant, facts)

	recordID, activityID, suffixSource, err := s.newIDs()
	if err != nil {
		s.logError(opSubmit, "id_generation_failed", err, zap.String("owner_key", owner))
		return Result{}, storeUnavailable(opSubmit, "id_generation_failed", err)
	}

	stored := records.StoredRecord{
		RecordID:         recordID,
		ClientRecordID:   facts.ClientID,
		OwnerKey:         owner,
		Variant:          variant,
		NaturalKey:       naturalKey,
		DedupeKey:        dedupeKey,
		MapLabel:         facts.MapLabel,
		Tokens:           facts.Tokens,
		Luck:             facts.Luck,
		PayloadJSON:      datatypes.JSONMap(submission.Payload),
		ResultsJSON:      datatypes.JSONMap(submission.Results),
		CreatedAtMillis:  createdAt,
		ReceivedAtMillis: now.UnixMilli(),
	}

	result := Result{Outcome: OutcomeAccepted, RecordID: recordID}
	windowMillis := s.duplicateWindow.Milliseconds()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates int64
		if err := tx.Model(&records.StoredRecord{}).
			Where(queryDuplicateCandidate, owner, variant, dedupeKey,
				now.UnixMilli()-windowMillis, createdAt-windowMillis, createdAt+windowMillis, naturalKey).
			Count(&candidates).Error; err != nil {
			s.logError(opSubmit, "duplicate_query_failed", err, zap.String("owner_key", owner))
			return storeUnavailable(opSubmit, "duplicate_query_failed", err)
		}
		if candidates > 0 {
			result = Result{Outcome: OutcomeDuplicateIgnored}
			return nil
		}

		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&stored)
		if insert.Error != nil {
			s.logError(opSubmit, "record_insert_failed", insert.Error, zap.String("owner_key", owner))
			return storeUnavailable(opSubmit, "record_insert_failed", insert.Error)
		}
		if insert.RowsAffected == 0 {
			result = Result{Outcome: OutcomeDuplicateIgnored}
			return nil
		}

		projected := variant.FeedEligible() && facts.Tokens > 0
		if projected {
			entry := records.FeedEntry{
				EntryID:         records.FeedEntryID(createdAt, suffixSource, submission.Owner),
				RecordID:        recordID,
				OwnerKey:        owner,
				PlayerName:      displayNameOrDefault(submission.DisplayName),
				MapLabel:        facts.MapLabel,
				Luck:            facts.Luck,
				Tokens:          facts.Tokens,
				Efficiency:      records.Efficiency(facts.Tokens, facts.Luck),
				CreatedAtMillis: createdAt,
			}
			if err := tx.Create(&entry).Error; err != nil {
				s.logError(opSubmit, "feed_insert_failed", err, zap.String("owner_key", owner))
				return storeUnavailable(opSubmit, "feed_insert_failed", err)
			}
			result.FeedEntryID = entry.EntryID
			if err := s.pruneFeed(tx); err != nil {
				s.logError(opSubmit, "feed_prune_failed", err)
				return storeUnavailable(opSubmit, "feed_prune_failed", err)
			}
		}

		activity := records.ActivityEntry{
			ActivityID:      activityID,
			OwnerKey:        owner,
			Action:          actionRecordAccepted,
			RecordID:        recordID,
			Variant:         variant,
			FeedProjected:   projected,
			AppliedAtMillis: now.UnixMilli(),
		}
		if err := tx.Create(&activity).Error; err != nil {
			s.logError(opSubmit, "activity_insert_failed", err, zap.String("owner_key", owner))
			return storeUnavailable(opSubmit, "activity_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if !errors.As(txErr, &serviceErr) {
			s.logError(opSubmit, "transaction_failed", txErr, zap.String("owner_key", owner))
			txErr = storeUnavailable(opSubmit, "transaction_failed", txErr)
		}
		s.metrics.IngestOutcome("store_unavailable")
		return Result{}, txErr
	}

	if result.Outcome == OutcomeDuplicateIgnored {
		s.logger.Info("duplicate submission ignored",
			zap.String("owner_key", owner),
			zap.String("variant", string(variant)),
			zap.String("dedupe_key", dedupeKey),
			zap.String("natural_key", naturalKey))
	}
	s.metrics.IngestOutcome(string(result.Outcome))
	return result, nil
}

// ListRecords returns the owner's persisted records of one variant, newest first.
func (s *Service) ListRecords(ctx context.Context, owner records.OwnerKey, variant records.Variant) ([]records.Record, error) {
	if owner == "" {
		return nil, newServiceError(opListRecords, "missing_owner", ErrUnauthenticated)
	}
	if !variant.Valid() {
		return nil, newServiceError(opListRecords, "invalid_variant", errors.Join(ErrInvalidPayload, records.ErrUnknownVariant))
	}

	var rows []records.StoredRecord
	if err := s.db.WithContext(ctx).
		Where(queryOwnerVariant, owner.String(), variant).
		Order(orderRecordsNewest).
		Find(&rows).Error; err != nil {
		s.logError(opListRecords, "query_failed", err, zap.String("owner_key", owner.String()))
		return nil, storeUnavailable(opListRecords, "query_failed", err)
	}

	result := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.ToRecord())
	}
	return result, nil
}

func (s *Service) pruneFeed(tx *gorm.DB) error {
	var total int64
	if err := tx.Model(&records.FeedEntry{}).Count(&total).Error; err != nil {
		return err
	}
	excess := int(total) - s.feedRetention
	if excess <= 0 {
		return nil
	}
	var expired []string
	if err := tx.Model(&records.FeedEntry{}).
		Order(orderFeedOldest).
		Limit(excess).
		Pluck("entry_id", &expired).Error; err != nil {
		return err
	}
	if err := tx.Where("entry_id IN ?", expired).Delete(&records.FeedEntry{}).Error; err != nil {
		return err
	}
	s.metrics.FeedPruned(len(expired))
	return nil
}

func (s *Service) newIDs() (string, string, string, error) {
	ids := make([]string, 3)
	for index := range ids {
		id, err := s.idProvider.NewID()
		if err != nil {
			return "", "", "", err
		}
		ids[index] = id
	}
	return ids[0], ids[1], ids[2], nil
}

func displayNameOrDefault(name string) string {
	if name == "" {
		return AnonymousDisplayName
	}
	return name
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ingest service error", attrs...)
}
