package llm

import "errors"

var (
	// ErrDuplicateTurn is returned by Generate when the new transcript's
	// normalised form equals the most recently remembered user turn;
	// inference is skipped entirely (spec.md §4.4).
	ErrDuplicateTurn = errors.New("llm: duplicate final transcript, inference skipped")

	// ErrModelUnavailable is fatal at startup warm-up; it is never
	// returned from Generate, which absorbs inference failures into the
	// fallback reply instead.
	ErrModelUnavailable = errors.New("llm: model unavailable")
)
