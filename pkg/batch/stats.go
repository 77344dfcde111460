package batch

import "fmt"

// Stats aggregates a batch. It is a pure reduction over item states, so it
// does not depend on completion order.
type Stats struct {
	Total           int   `json:"total"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Skipped         int   `json:"skipped"`
	TotalOriginal   int64 `json:"total_original"`
	TotalCompressed int64 `json:"total_compressed"`
}

// ComputeStats reduces items into Stats. Items that did not complete count
// their original size as compressed size.
func ComputeStats(items []*Item) Stats {
	var s Stats
	for _, item := range items {
		st := item.State()
		s.Total++
		s.TotalOriginal += item.OriginalSize

		switch st.Status {
		case StatusCompleted:
			s.Completed++
			s.TotalCompressed += st.CompressedSize
			continue
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
		s.TotalCompressed += item.OriginalSize
	}
	return s
}

// BytesSaved returns the total number of bytes saved.
func (s Stats) BytesSaved() int64 {
	return s.TotalOriginal - s.TotalCompressed
}

// SavingsPercent returns the whole-number percentage saved over the batch.
func (s Stats) SavingsPercent() int64 {
	if s.TotalOriginal <= 0 {
		return 0
	}
	return s.BytesSaved() * 100 / s.TotalOriginal
}

// Summary returns the one-line notification text for a finished batch.
func (s Stats) Summary() string {
	if s.Failed > 0 {
		return fmt.Sprintf("Compression completed: %d succeeded, %d failed", s.Completed, s.Failed)
	}
	return fmt.Sprintf("Successfully compressed %d images", s.Completed)
}
