package engine

// EventType identifies what a worker is reporting back to the scheduler.
type EventType int

const (
	// EventError is terminal: the transfer failed and will not be retried
	// automatically. Reason carries a short tag (AUTH_FAIL, FILE_NOT_FOUND,
	// CHECKSUM_MISMATCH_ERROR, ...) or a transport error string.
	EventError EventType = iota

	// EventLength reports the Content-Length of the response once the GET
	// succeeds. The scheduler marks the row running on receipt.
	EventLength

	// EventSpeed reports the instantaneous rate of the last chunk in KiB/s.
	// Log-only; no catalog write.
	EventSpeed

	// EventAborted is terminal: the worker stopped cooperatively or the
	// stream broke mid-flight. The row goes back to waiting for retry.
	EventAborted

	// EventDone is terminal: the file is complete and checksum-verified.
	EventDone
)

// String returns the event type name as logged.
func (t EventType) String() string {
	switch t {
	case EventError:
		return "ERROR"
	case EventLength:
		return "LENGTH"
	case EventSpeed:
		return "SPEED"
	case EventAborted:
		return "ABORTED"
	case EventDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Event is a message from a download worker to the scheduler. Exactly the
// fields relevant to Type are set.
type Event struct {
	Type       EventType
	TransferID int64

	// Length is the response Content-Length (EventLength).
	Length int64

	// KBps is the chunk rate (EventSpeed) or the whole-transfer average
	// rate (EventDone), in KiB/s.
	KBps float64

	// Reason is the failure tag or message (EventError, EventAborted).
	Reason string
}

func errorEvent(id int64, reason string) Event {
	return Event{Type: EventError, TransferID: id, Reason: reason}
}

func lengthEvent(id, n int64) Event {
	return Event{Type: EventLength, TransferID: id, Length: n}
}

func speedEvent(id int64, kbps float64) Event {
	return Event{Type: EventSpeed, TransferID: id, KBps: kbps}
}

func abortedEvent(id int64, reason string) Event {
	return Event{Type: EventAborted, TransferID: id, Reason: reason}
}

func doneEvent(id int64, kbps float64) Event {
	return Event{Type: EventDone, TransferID: id, KBps: kbps}
}
