// Package index defines the two key families the photo metadata lives
// under: primary records keyed by inverted creation time (so an ascending
// key scan is newest-first) and lookup records mapping a photo id to its
// current primary key.
package index

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DataPrefix is the primary-record key family.
	DataPrefix = "data:"
	// LookupPrefix is the id-to-primary-key family.
	LookupPrefix = "lookup:"

	// CategoriesKey and PresetsKey hold whole-value JSON documents.
	CategoriesKey = "system:categories"
	PresetsKey    = "system:presets"

	// timestampCeiling is subtracted from epoch millis to invert sort
	// order. 13 decimal digits keeps the difference positive and fixed
	// width until the year 2286.
	timestampCeiling = 9999999999999
)

// InvertMillis maps a unix-millisecond timestamp onto a fixed-width decimal
// string that sorts in reverse chronological order.
func InvertMillis(millis int64) string {
	return fmt.Sprintf("%013d", timestampCeiling-millis)
}

// PrimaryKey builds the data key for a record created at the given time.
func PrimaryKey(createdAt time.Time, id string) string {
	return DataPrefix + InvertMillis(createdAt.UnixMilli()) + ":" + id
}

// LookupKey builds the lookup key for a photo id.
func LookupKey(id string) string {
	return LookupPrefix + id
}

// IDFromPrimaryKey extracts the photo id from a data key. The id is opaque
// and may itself contain colons, so only the first two segments are fixed.
func IDFromPrimaryKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, DataPrefix)
	if !ok {
		return "", false
	}
	_, id, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
