package dispatch

// The leader and its followers exchange JSON frames over a websocket
// conduit. The leader dials; the follower's first frame is always Hello.
// Heartbeating rides on websocket ping/pong control frames rather than a
// dedicated frame kind.

type FrameKind string

const (
	// FrameHello introduces a follower to the leader: its stable id and
	// whether it is already busy (a reconnect mid-transcode).
	FrameHello FrameKind = "hello"

	// FrameAssign hands a job to a follower.
	FrameAssign FrameKind = "assign"

	// FrameCancel asks the follower to interrupt the named job.
	FrameCancel FrameKind = "cancel"

	// FrameProgress reports encoder progress for the follower's current job.
	FrameProgress FrameKind = "progress"

	// FrameResult reports the terminal outcome of a job. Sent exactly once
	// per assignment.
	FrameResult FrameKind = "result"
)

// WireJob is the portion of a job a follower needs to run it. The argument
// vector is final; followers validate but never rebuild it.
type WireJob struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	Args       []string `json:"args"`
	InputPath  string   `json:"inputPath"`
	OutputPath string   `json:"outputPath"`
}

type Frame struct {
	Kind         FrameKind  `json:"kind"`
	FollowerID   string     `json:"followerId,omitempty"`
	Busy         bool       `json:"busy,omitempty"`
	Job          *WireJob   `json:"job,omitempty"`
	JobID        int64      `json:"jobId,omitempty"`
	Progress     *int       `json:"progress,omitempty"`
	Outcome      ResultKind `json:"outcome,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
}
