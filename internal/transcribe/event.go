package transcribe

// EventKind identifies a [Event].
type EventKind int

const (
	// EventStarted is emitted when a stream opens, on Start and on every
	// automatic restart.
	EventStarted EventKind = iota

	// EventText is emitted when the transcript changes.
	EventText

	// EventStopped is emitted when the session stops, either on request or
	// because a restart failed.
	EventStopped
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventText:
		return "text"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason explains an [EventStopped].
type StopReason string

const (
	ReasonRequested     StopReason = "requested"
	ReasonRestartFailed StopReason = "restart-failed"
)

// Event is a session notification.
type Event struct {
	Kind      EventKind
	SessionID string

	// Restart is set on EventStarted when the stream was reopened
	// automatically.
	Restart bool

	// Final is the segment appended by this event, if any.
	Final string

	// Interim is the current interim text.
	Interim string

	// Transcript is the accumulated final text followed by Interim.
	Transcript string

	// Reason and Err are set on EventStopped. Err is non-nil only for
	// ReasonRestartFailed.
	Reason StopReason
	Err    error
}
