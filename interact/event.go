package interact

import "time"

// Event kinds.
const (
	KindBuild     = "build"
	KindKernel    = "kernel"
	KindRun       = "run"
	KindHeartbeat = "heartbeat"
	KindPage      = "page"
)

// Event is one lifecycle notification published to the tracker.
type Event struct {
	Kind     string    `json:"kind"`
	State    string    `json:"state,omitempty"`
	Message  string    `json:"message,omitempty"`
	KernelID string    `json:"kernel_id,omitempty"`
	Time     time.Time `json:"time"`
}
