package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

// GuestBucket holds history produced before an owner is known.
const GuestBucket = "guest"

var (
	// ErrInvalidDirectory indicates that the history directory is missing or unusable.
	ErrInvalidDirectory = errors.New("history: invalid directory")
	// ErrCorruptSnapshot indicates that a persisted bucket could not be decoded.
	ErrCorruptSnapshot = errors.New("history: corrupt snapshot")
)

// Snapshot is the serialized per-owner history.
type Snapshot struct {
	Calculations    []records.Record `json:"calculations"`
	MapRuns         []records.Record `json:"mapRuns"`
	EquipmentBuilds []records.Record `json:"equipmentBuilds,omitempty"`
}

// Records returns the slice held for variant.
func (s Snapshot) Records(variant records.Variant) []records.Record {
	switch variant {
	case records.VariantCalculation:
		return s.Calculations
	case records.VariantMapRun:
		return s.MapRuns
	case records.VariantEquipmentBuild:
		return s.EquipmentBuilds
	default:
		return nil
	}
}

func (s *Snapshot) set(variant records.Variant, set []records.Record) {
	switch variant {
	case records.VariantCalculation:
		s.Calculations = set
	case records.VariantMapRun:
		s.MapRuns = set
	case records.VariantEquipmentBuild:
		s.EquipmentBuilds = set
	}
}

// Backend persists snapshots by bucket name.
type Backend interface {
	Load(ctx context.Context, bucket string) (Snapshot, error)
	Save(ctx context.Context, bucket string, snapshot Snapshot) error
}

// BucketFor maps an owner identity onto a file-safe bucket name.
func BucketFor(owner string) string {
	trimmed := strings.TrimSpace(owner)
	if trimmed == "" {
		return GuestBucket
	}
	var builder strings.Builder
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			builder.WriteRune(r)
		default:
			builder.WriteRune('_')
		}
	}
	return "owner_" + builder.String()
}

// FileBackend stores each bucket as <dir>/<bucket>.json.
type FileBackend struct {
	directory string
}

// NewFileBackend ensures the directory exists and returns a backend rooted there.
func NewFileBackend(directory string) (*FileBackend, error) {
	trimmed := strings.TrimSpace(directory)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidDirectory)
	}
	if err := os.MkdirAll(trimmed, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDirectory, err)
	}
	return &FileBackend{directory: trimmed}, nil
}

func (b *FileBackend) path(bucket string) string {
	return filepath.Join(b.directory, bucket+".json")
}

// Load reads a bucket; a bucket that was never written is empty.
func (b *FileBackend) Load(ctx context.Context, bucket string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	raw, err := os.ReadFile(b.path(bucket))
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, bucket, err)
	}
	return snapshot, nil
}

// Save replaces the bucket file atomically.
func (b *FileBackend) Save(ctx context.Context, bucket string, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	temporary, err := os.CreateTemp(b.directory, bucket+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := temporary.Write(encoded); err != nil {
		temporary.Close()
		os.Remove(temporary.Name())
		return err
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporary.Name())
		return err
	}
	return os.Rename(temporary.Name(), b.path(bucket))
}

// MemoryBackend keeps snapshots in process; used by tests and ephemeral sessions.
type MemoryBackend struct {
	mu      sync.Mutex
	buckets map[string]Snapshot
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{buckets: make(map[string]Snapshot)}
}

func (b *MemoryBackend) Load(_ context.Context, bucket string) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneSnapshot(b.buckets[bucket]), nil
}

func (b *MemoryBackend) Save(_ context.Context, bucket string, snapshot Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buckets[bucket] = cloneSnapshot(snapshot)
	return nil
}

func cloneSnapshot(snapshot Snapshot) Snapshot {
	return Snapshot{
		Calculations:    cloneRecords(snapshot.Calculations),
		MapRuns:         cloneRecords(snapshot.MapRuns),
		EquipmentBuilds: cloneRecords(snapshot.EquipmentBuilds),
	}
}

func cloneRecords(source []records.Record) []records.Record {
	if source == nil {
		return nil
	}
	copied := make([]records.Record, len(source))
	for index, record := range source {
		copied[index] = record.Clone()
	}
	return copied
}
