package obstools

import (
	"github.com/Dig-Doug/observation-tools-client/internal/queue"
)

// Failure describes a node whose upload failed for good. Every failed node is
// reported exactly once.
type Failure = queue.Failure

// FailureReason classifies a Failure.
type FailureReason = queue.FailureReason

// Failure reasons.
const (
	FailureSerialization    = queue.FailureSerialization
	FailurePermanent        = queue.FailurePermanent
	FailureRetriesExhausted = queue.FailureRetriesExhausted
)

// FailureFunc receives failures from a background worker. It should return
// quickly.
type FailureFunc func(Failure)

// reportFailure is the queue sink.
func (c *Client) reportFailure(f Failure) {
	if c.sink != nil {
		c.sink(f)
		return
	}
	c.logFailure(f, "upload failed")
}

func (c *Client) logFailure(f Failure, msg string) {
	c.log().Error(msg,
		"project", c.projectID,
		"run", f.RunID,
		"node", f.NodeID,
		"kind", f.Kind,
		"reason", f.Reason,
		"attempts", f.Attempts,
		"error", f.Err,
	)
}
