package idconv

import (
	"github.com/google/uuid"
)

// Namespace scopes converted identifiers so they never collide with IDs minted directly.
var Namespace = uuid.MustParse("0f5d1c46-3a1f-5b9e-9d0b-4b3f2f8e6a21")

// ConvertLegacyID maps a legacy log or task identifier to its event-era form.
// The mapping is pure: the same input always yields the same output.
func ConvertLegacyID(legacyID string) string {
	return uuid.NewSHA1(Namespace, []byte(legacyID)).String()
}

// ConvertAll converts every ID in ids, preserving order.
func ConvertAll(ids []string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = ConvertLegacyID(id)
	}
	return out
}
