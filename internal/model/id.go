package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// DraftPrefix marks identifiers handed out by the intake form before a
// release is submitted. Allocations may reference a draft id that never
// materializes.
const DraftPrefix = "draft-"

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewDraftID generates an identifier for an unsubmitted release.
func NewDraftID() string {
	return DraftPrefix + strings.ToLower(ulid.Make().String())
}

// IsDraftID reports whether id was produced by NewDraftID or follows the
// same pattern.
func IsDraftID(id string) bool {
	return strings.HasPrefix(id, DraftPrefix)
}
