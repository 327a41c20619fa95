package util

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/factline/factline/pkg/model"
)

// HashIndexKey derives the stable index hash for one (index type, field value)
// pair. The same logical key always hashes to the same string, so retries of
// the same event collapse onto the same index rows.
func HashIndexKey(indexType int, fieldValue string) string {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(indexType))

	h := xxhash.New()
	_, _ = h.Write(prefix[:])
	_, _ = h.WriteString(fieldValue)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes an arbitrary payload, used for log correlation.
func Fingerprint(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// BuildIndexEntries derives the index rows for a fact from the configured
// descriptors. Descriptors whose field is absent from the fact data produce
// no entry. The entry's fact time comes from the descriptor's date field when
// set and parseable, else from the fact's creation time.
func BuildIndexEntries(fact *model.Fact, descriptors []model.IndexDescriptor, now time.Time) []model.IndexEntry {
	var entries []model.IndexEntry
	for _, desc := range descriptors {
		raw, ok := fact.Data[desc.FieldName]
		if !ok || raw == nil {
			continue
		}
		value := fmt.Sprintf("%v", raw)
		if value == "" {
			continue
		}

		factTime := fact.CreatedAt
		if desc.DateName != "" {
			if t, ok := fact.Data[desc.DateName].(time.Time); ok {
				factTime = t
			}
		}

		entries = append(entries, model.IndexEntry{
			Hash:          HashIndexKey(desc.IndexType, value),
			FactID:        fact.ID,
			FactTime:      factTime,
			CreatedAt:     now,
			IndexType:     desc.IndexType,
			IndexEncoding: desc.IndexEncoding,
			FieldValue:    value,
		})
	}
	return entries
}
