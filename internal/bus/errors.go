package bus

import "errors"

var (
	// ErrNoOwner means the target bot has no gateway assignment. Assignment
	// is a prerequisite of delivery, never a side effect of it.
	ErrNoOwner = errors.New("bot has no owning gateway")

	// ErrReplyTimeout means no reply arrived within the caller's wait. The
	// remote handler may still complete; its late reply expires on its own.
	ErrReplyTimeout = errors.New("timed out waiting for command reply")
)
