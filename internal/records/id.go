package records

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// IDProvider issues storage identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

const feedSuffixLength = 8

// FeedEntryID builds the feed identifier from the event timestamp, a random suffix and the owner.
func FeedEntryID(createdAtMillis int64, randomSource string, owner OwnerKey) string {
	suffix := strings.ReplaceAll(randomSource, "-", "")
	if len(suffix) > feedSuffixLength {
		suffix = suffix[len(suffix)-feedSuffixLength:]
	}
	return strconv.FormatInt(createdAtMillis, 10) + "-" + suffix + "-" + owner.String()
}
