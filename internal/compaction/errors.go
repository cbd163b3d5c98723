// Package compaction keeps the conversation inside the model context
// window: token estimation, cut-point selection, LLM summarisation with
// a truncation fallback, and segment replacement in the session tree.
package compaction

import "errors"

// Compaction errors.
var (
	// ErrSummaryFailed indicates that summary generation failed.
	ErrSummaryFailed = errors.New("compaction: summary generation failed")

	// ErrNoProvider indicates that no provider is configured for
	// summarisation.
	ErrNoProvider = errors.New("compaction: provider not configured")

	// ErrMessagesTooShort indicates that there are not enough messages to
	// compact.
	ErrMessagesTooShort = errors.New("compaction: not enough messages to compact")
)
