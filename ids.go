package fiber

import "github.com/google/uuid"

// newCorrelationID produces a short identifier for tagging a Scheduler's
// log lines, grounded on the pack's use of google/uuid for request/session
// correlation ids.
func newCorrelationID() string {
	return uuid.NewString()
}
