package azsyncclient

import "errors"

// ErrStreamEnded is returned by idle() and similar calls when the
// underlying stream closes before a value was expected — a "premature
// end-of-stream is reported as a timeout error" per SPEC_FULL.md §4.4.
var ErrStreamEnded = errors.New("azsyncclient: stream ended unexpectedly")
