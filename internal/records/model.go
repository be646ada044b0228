package records

import (
	"gorm.io/datatypes"
)

// StoredRecord is the persisted form of an accepted submission. Rows are append-only.
type StoredRecord struct {
	RecordID         string            `gorm:"column:record_id;primaryKey;size:190;not null"`
	ClientRecordID   string            `gorm:"column:client_record_id;size:190;not null;default:''"`
	OwnerKey         string            `gorm:"column:owner_key;size:190;not null;index:idx_records_owner_dedupe,priority:1;index:idx_records_owner_received,priority:1;uniqueIndex:idx_records_owner_natural,priority:1"`
	Variant          Variant           `gorm:"column:variant;size:32;not null;uniqueIndex:idx_records_owner_natural,priority:2"`
	NaturalKey       string            `gorm:"column:natural_key;size:190;not null;uniqueIndex:idx_records_owner_natural,priority:3"`
	DedupeKey        string            `gorm:"column:dedupe_key;size:255;not null;index:idx_records_owner_dedupe,priority:2;index:idx_records_owner_received,priority:2"`
	MapLabel         string            `gorm:"column:map_label;size:190;not null;default:''"`
	Tokens           float64           `gorm:"column:tokens;not null;default:0"`
	Luck             float64           `gorm:"column:luck;not null;default:0"`
	PayloadJSON      datatypes.JSONMap `gorm:"column:payload_json"`
	ResultsJSON      datatypes.JSONMap `gorm:"column:results_json"`
	CreatedAtMillis  int64             `gorm:"column:created_at_ms;not null;index:idx_records_owner_dedupe,priority:3"`
	ReceivedAtMillis int64             `gorm:"column:received_at_ms;not null;index:idx_records_owner_received,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (StoredRecord) TableName() string {
	return "records"
}

// ToRecord converts the row into the reconciliation envelope.
func (stored StoredRecord) ToRecord() Record {
	id := stored.RecordID
	if stored.ClientRecordID != "" {
		id = stored.ClientRecordID
	}
	return Record{
		ID:        id,
		OwnerKey:  stored.OwnerKey,
		Variant:   stored.Variant,
		Payload:   cloneMap(stored.PayloadJSON),
		Results:   cloneMap(stored.ResultsJSON),
		CreatedAt: stored.CreatedAtMillis,
		Origin:    OriginServer,
	}
}

// FeedEntry is the public projection of an accepted run or calculation.
type FeedEntry struct {
	EntryID         string  `gorm:"column:entry_id;primaryKey;size:255;not null"`
	RecordID        string  `gorm:"column:record_id;size:190;not null;index"`
	OwnerKey        string  `gorm:"column:owner_key;size:190;not null"`
	PlayerName      string  `gorm:"column:player_name;size:320;not null"`
	MapLabel        string  `gorm:"column:map_label;size:190;not null"`
	Luck            float64 `gorm:"column:luck;not null"`
	Tokens          float64 `gorm:"column:tokens;not null"`
	Efficiency      float64 `gorm:"column:efficiency;not null"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (FeedEntry) TableName() string {
	return "feed_entries"
}

// ActivityEntry is the audit trail written for every persisted record.
type ActivityEntry struct {
	ActivityID      string  `gorm:"column:activity_id;primaryKey;size:190;not null"`
	OwnerKey        string  `gorm:"column:owner_key;size:190;not null;index:idx_activity_owner_time,priority:1"`
	Action          string  `gorm:"column:action;size:64;not null"`
	RecordID        string  `gorm:"column:record_id;size:190;not null"`
	Variant         Variant `gorm:"column:variant;size:32;not null"`
	FeedProjected   bool    `gorm:"column:feed_projected;not null;default:false"`
	AppliedAtMillis int64   `gorm:"column:applied_at_ms;not null;index:idx_activity_owner_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ActivityEntry) TableName() string {
	return "activity_log"
}
