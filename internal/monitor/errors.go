package monitor

import "errors"

// Engine errors. Per-monitor errors are contained to that monitor's pass;
// none of these abort the scheduling loop for other monitors.
var (
	// ErrAccountMismatch - the detector received position data fetched for
	// a different account than the monitor's own. The pass is aborted with
	// no mutation.
	ErrAccountMismatch = errors.New("live data account does not match monitor account")

	// ErrImpossibleReduction - the observed reduction exceeds the
	// monitor's remaining size, which cannot happen within one account.
	// Classified as a detection error, never credited as a fill.
	ErrImpossibleReduction = errors.New("size reduction exceeds remaining position size")

	// ErrScheduleCollision - a pass for this monitor key is already
	// running; the later pass is skipped, not queued.
	ErrScheduleCollision = errors.New("reconciliation pass already in progress for key")

	// ErrMonitorNotFound - no monitor exists for the requested key.
	ErrMonitorNotFound = errors.New("monitor not found")

	// ErrMonitorExists - adoption requested for a key that is already
	// tracked.
	ErrMonitorExists = errors.New("monitor already exists")

	// ErrInvalidKey - the key is missing one of symbol, side or account.
	ErrInvalidKey = errors.New("invalid monitor key")

	// ErrInvalidSize - a non-positive size where a positive one is required.
	ErrInvalidSize = errors.New("invalid size")

	// ErrBadPercentages - TP leg percentages do not sum to 100 at creation.
	ErrBadPercentages = errors.New("TP leg percentages must sum to 100")
)
