package records

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Variant enumerates the record shapes the calculator produces.
type Variant string

const (
	// VariantCalculation is a profit/ROI calculation.
	VariantCalculation Variant = "calculation"
	// VariantMapRun is a single map run with its token drops.
	VariantMapRun Variant = "map-run"
	// VariantEquipmentBuild is a saved equipment loadout.
	VariantEquipmentBuild Variant = "equipment-build"
)

const (
	wireTypeProfit    = "profit"
	wireTypeMapDrops  = "mapdrops"
	wireTypeEquipment = "equipment"
)

// AllVariants lists variants in reconciliation order.
var AllVariants = []Variant{VariantCalculation, VariantMapRun, VariantEquipmentBuild}

// Origin marks which side of a reconciliation a record came from. It is never persisted.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginServer Origin = "server"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidOwnerKey indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerKey = errors.New("records: invalid owner key")
	// ErrUnknownVariant indicates that a wire type or variant name is not recognised.
	ErrUnknownVariant = errors.New("records: unknown variant")
)

// ParseWireType maps the submission "type" field onto a Variant.
func ParseWireType(raw string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case wireTypeProfit:
		return VariantCalculation, nil
	case wireTypeMapDrops:
		return VariantMapRun, nil
	case wireTypeEquipment:
		return VariantEquipmentBuild, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, raw)
	}
}

// WireType returns the submission "type" value for the variant.
func (v Variant) WireType() string {
	switch v {
	case VariantCalculation:
		return wireTypeProfit
	case VariantMapRun:
		return wireTypeMapDrops
	case VariantEquipmentBuild:
		return wireTypeEquipment
	default:
		return ""
	}
}

// Valid reports whether v is one of the known variants.
func (v Variant) Valid() bool {
	switch v {
	case VariantCalculation, VariantMapRun, VariantEquipmentBuild:
		return true
	default:
		return false
	}
}

// FeedEligible reports whether accepted records of this variant are projected into the public feed.
func (v Variant) FeedEligible() bool {
	return v == VariantCalculation || v == VariantMapRun
}

// OwnerKey represents a validated owner identity.
type OwnerKey string

// NewOwnerKey validates raw input and returns an OwnerKey.
func NewOwnerKey(rawInput string) (OwnerKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerKey, maxIdentifierLength)
	}
	return OwnerKey(trimmed), nil
}

// String returns the underlying identifier.
func (key OwnerKey) String() string {
	return string(key)
}

// Record is the envelope shared by calculations, map runs and equipment builds.
type Record struct {
	ID        string         `json:"id"`
	OwnerKey  string         `json:"ownerKey,omitempty"`
	Variant   Variant        `json:"variant"`
	Payload   map[string]any `json:"payload"`
	Results   map[string]any `json:"results,omitempty"`
	CreatedAt int64          `json:"createdAt"`
	Origin    Origin         `json:"-"`
}

// NaturalKey returns the identity used to detect the same real-world event across sources.
func (r Record) NaturalKey() string {
	return NaturalKeyFor(r.Variant, r.CreatedAt, r.ID)
}

// NaturalKeyFor derives a natural key without building a Record.
func NaturalKeyFor(variant Variant, createdAtMillis int64, id string) string {
	if variant == VariantEquipmentBuild {
		return strings.TrimSpace(id)
	}
	return strconv.FormatInt(createdAtMillis, 10)
}

// Clone copies the record so callers can mutate maps without touching the source.
func (r Record) Clone() Record {
	copied := r
	copied.Payload = cloneMap(r.Payload)
	copied.Results = cloneMap(r.Results)
	return copied
}

func cloneMap(source map[string]any) map[string]any {
	if source == nil {
		return nil
	}
	copied := make(map[string]any, len(source))
	for key, value := range source {
		copied[key] = value
	}
	return copied
}
