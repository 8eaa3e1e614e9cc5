package poller

import (
	"sort"

	"relay-transcript-monitor/internal/models"
)

// mergeSegments prepends staged segments to the collection, dropping any
// whose content tuple is already present or repeated earlier in the batch,
// and orders the result newest event first. Ties keep their relative order.
func mergeSegments(existing, staged []models.Segment) (merged, fresh []models.Segment) {
	seen := make(map[models.ContentTuple]struct{}, len(existing)+len(staged))
	for _, s := range existing {
		seen[s.Tuple()] = struct{}{}
	}
	for _, s := range staged {
		tuple := s.Tuple()
		if _, dup := seen[tuple]; dup {
			continue
		}
		seen[tuple] = struct{}{}
		fresh = append(fresh, s)
	}
	if len(fresh) == 0 {
		return existing, nil
	}

	merged = make([]models.Segment, 0, len(fresh)+len(existing))
	merged = append(merged, fresh...)
	merged = append(merged, existing...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].EventTimestamp.After(merged[j].EventTimestamp)
	})
	return merged, fresh
}
