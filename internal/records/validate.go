package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrInvalidPayload indicates that a submission is missing a required field or carries a
	// non-positive value where a positive quantity is required.
	ErrInvalidPayload = errors.New("records: invalid payload")
	// ErrInvalidRecord indicates that a record cannot take part in reconciliation.
	ErrInvalidRecord = errors.New("records: invalid record")
)

// Payload field names as produced by the calculator forms.
const (
	FieldMapSize         = "mapSize"
	FieldTokensProduced  = "tokensProduced"
	FieldTokenPrice      = "tokenPrice"
	FieldMap             = "map"
	FieldTokensDropped   = "tokensDropped"
	FieldDurationMinutes = "durationMinutes"
	FieldLuck            = "luck"
	FieldTimestamp       = "timestamp"
	FieldID              = "id"
	FieldName            = "name"
)

// Facts are the feed-relevant values extracted from a validated payload.
type Facts struct {
	MapLabel  string
	Tokens    float64
	Luck      float64
	ClientID  string
	Timestamp int64
}

// ValidateForMerge reports whether r is well formed enough to take part in reconciliation.
func ValidateForMerge(r Record) error {
	if !r.Variant.Valid() {
		return fmt.Errorf("%w: unknown variant %q", ErrInvalidRecord, r.Variant)
	}
	if r.Variant == VariantEquipmentBuild {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("%w: equipment build without id", ErrInvalidRecord)
		}
		return nil
	}
	if r.CreatedAt <= 0 {
		return fmt.Errorf("%w: createdAt must be positive", ErrInvalidRecord)
	}
	return nil
}

// ValidateForIngest checks a submitted payload and extracts its feed-relevant facts.
func ValidateForIngest(variant Variant, payload map[string]any) (Facts, error) {
	if !variant.Valid() {
		return Facts{}, fmt.Errorf("%w: unknown variant %q", ErrInvalidPayload, variant)
	}
	if len(payload) == 0 {
		return Facts{}, fmt.Errorf("%w: empty data", ErrInvalidPayload)
	}

	facts := Facts{}
	timestamp, present, err := optionalNumber(payload, FieldTimestamp)
	if err != nil {
		return Facts{}, err
	}
	if present {
		if timestamp <= 0 {
			return Facts{}, fmt.Errorf("%w: %s must be positive", ErrInvalidPayload, FieldTimestamp)
		}
		facts.Timestamp = int64(timestamp)
	}

	switch variant {
	case VariantCalculation:
		label, err := requiredString(payload, FieldMapSize)
		if err != nil {
			return Facts{}, err
		}
		tokens, err := requiredPositive(payload, FieldTokensProduced)
		if err != nil {
			return Facts{}, err
		}
		if _, err := optionalNonNegative(payload, FieldTokenPrice); err != nil {
			return Facts{}, err
		}
		facts.MapLabel = label
		facts.Tokens = tokens
	case VariantMapRun:
		label, err := requiredString(payload, FieldMap)
		if err != nil {
			return Facts{}, err
		}
		tokens, err := requiredPositive(payload, FieldTokensDropped)
		if err != nil {
			return Facts{}, err
		}
		duration, present, err := optionalNumber(payload, FieldDurationMinutes)
		if err != nil {
			return Facts{}, err
		}
		if present && duration <= 0 {
			return Facts{}, fmt.Errorf("%w: %s must be positive", ErrInvalidPayload, FieldDurationMinutes)
		}
		facts.MapLabel = label
		facts.Tokens = tokens
	case VariantEquipmentBuild:
		id, err := requiredString(payload, FieldID)
		if err != nil {
			return Facts{}, err
		}
		if len(id) > maxIdentifierLength {
			return Facts{}, fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidPayload, FieldID, maxIdentifierLength)
		}
		facts.ClientID = id
	}

	luck, err := optionalNonNegative(payload, FieldLuck)
	if err != nil {
		return Facts{}, err
	}
	facts.Luck = luck
	return facts, nil
}

// DedupeKey is the per-owner category the duplicate window is evaluated against.
func DedupeKey(variant Variant, facts Facts) string {
	if variant == VariantEquipmentBuild {
		return string(variant) + ":" + facts.ClientID
	}
	return string(variant) + ":" + strings.ToLower(facts.MapLabel)
}

// Efficiency is tokens per thousand luck; without luck it falls back to raw tokens.
func Efficiency(tokens, luck float64) float64 {
	if luck <= 0 {
		return tokens
	}
	return math.Round(tokens*1000/luck*100) / 100
}

// NumberField reads a numeric payload value regardless of how it was decoded.
func NumberField(payload map[string]any, key string) (float64, bool) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return 0, false
	}
	switch typed := raw.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case json.Number:
		value, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return value, true
	default:
		return 0, false
	}
}

// StringField reads a trimmed string payload value.
func StringField(payload map[string]any, key string) (string, bool) {
	raw, ok := payload[key].(string)
	if !ok {
		return "", false
	}
	trimmed := strings.TrimSpace(raw)
	return trimmed, trimmed != ""
}

func requiredString(payload map[string]any, key string) (string, error) {
	value, ok := StringField(payload, key)
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidPayload, key)
	}
	return value, nil
}

func requiredPositive(payload map[string]any, key string) (float64, error) {
	value, present, err := optionalNumber(payload, key)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidPayload, key)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidPayload, key)
	}
	return value, nil
}

func optionalNonNegative(payload map[string]any, key string) (float64, error) {
	value, present, err := optionalNumber(payload, key)
	if err != nil {
		return 0, err
	}
	if present && value < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidPayload, key)
	}
	return value, nil
}

func optionalNumber(payload map[string]any, key string) (float64, bool, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	value, ok := NumberField(payload, key)
	if !ok || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidPayload, key, raw)
	}
	return value, true, nil
}
