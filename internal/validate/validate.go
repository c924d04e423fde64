// Package validate guards the input shape of every command before it
// reaches a store. Nothing here performs I/O; a failed check always maps to
// gwerrors.ValidationFailed.
package validate

import (
	"regexp"

	"github.com/itskum47/worldgate/internal/gwerrors"
)

// NullMarker is the sentinel value meaning "delete this key".
const NullMarker = "$$__NULL__$$"

var (
	entityTypeRe = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)
	entityIDRe   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	attrKeyRe    = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)
	worldInstRe  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// EntityType checks the [A-Za-z0-9_]{1,64} shape from spec §3.
func EntityType(s string) error {
	if !entityTypeRe.MatchString(s) {
		return gwerrors.New(gwerrors.ValidationFailed, "entityType must match [A-Za-z0-9_]{1,64}")
	}
	return nil
}

// EntityID checks the [A-Za-z0-9_-]{1,128} shape from spec §3.
func EntityID(s string) error {
	if !entityIDRe.MatchString(s) {
		return gwerrors.New(gwerrors.ValidationFailed, "entityId must match [A-Za-z0-9_-]{1,128}")
	}
	return nil
}

// WorldID rejects negative world ids.
func WorldID(w int64) error {
	if w < 0 {
		return gwerrors.New(gwerrors.ValidationFailed, "worldId must be non-negative")
	}
	return nil
}

// AttributeKey checks a single attribute map key.
func AttributeKey(k string) error {
	if !attrKeyRe.MatchString(k) {
		return gwerrors.New(gwerrors.ValidationFailed, "attribute key must match [A-Za-z0-9_]{1,64}")
	}
	return nil
}

// Attributes validates every key in an attribute map.
func Attributes(attrs map[string]any) error {
	for k := range attrs {
		if err := AttributeKey(k); err != nil {
			return err
		}
	}
	return nil
}

// WorldInstanceID checks the [A-Za-z0-9_-]{1,128} shape used for session ids.
func WorldInstanceID(s string) error {
	if !worldInstRe.MatchString(s) {
		return gwerrors.New(gwerrors.ValidationFailed, "worldInstanceId must match [A-Za-z0-9_-]{1,128}")
	}
	return nil
}

// RankKey checks the "scoreType:partitionKey" form used by rank/top commands.
func RankKey(s string) (scoreType string, partitionKey string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			scoreType, partitionKey = s[:i], s[i+1:]
			break
		}
	}
	if scoreType == "" || partitionKey == "" {
		return "", "", gwerrors.New(gwerrors.ValidationFailed, "rankKey must have form scoreType:partitionKey")
	}
	if err := AttributeKey(scoreType); err != nil {
		return "", "", err
	}
	if err := AttributeKey(partitionKey); err != nil {
		return "", "", err
	}
	return scoreType, partitionKey, nil
}

// Limit accepts a caller-supplied limit in (0, max], substituting def when
// the caller didn't specify one (zero); a negative limit or one above max is
// rejected with an error rather than clamped.
func Limit(requested, def, max int) (int, error) {
	if requested < 0 {
		return 0, gwerrors.New(gwerrors.ValidationFailed, "limit must not be negative")
	}
	if requested == 0 {
		return def, nil
	}
	if requested > max {
		return 0, gwerrors.New(gwerrors.ValidationFailed, "limit exceeds maximum")
	}
	return requested, nil
}

// SortOrder normalizes and validates a sort-order string.
func SortOrder(s string) (string, error) {
	switch s {
	case "", "DESC":
		return "DESC", nil
	case "ASC":
		return "ASC", nil
	default:
		return "", gwerrors.New(gwerrors.ValidationFailed, "sortOrder must be ASC or DESC")
	}
}

// IsNullMarker reports whether v is the delete-this-key sentinel.
func IsNullMarker(v any) bool {
	s, ok := v.(string)
	return ok && s == NullMarker
}
