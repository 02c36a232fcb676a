package rudp

import (
	"time"

	"github.com/google/uuid"
)

// Status is the collaborator-facing view of a session.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "Connected"
	case StatusBusy:
		return "Busy"
	default:
		return "Disconnected"
	}
}

// Callbacks provides hooks for session events.
// All callbacks are optional - nil callbacks use default behavior.
// They run one at a time, in the order the events happened, on the
// session's notifier goroutine and never with session locks held, so they
// may call back into the Session.
type Callbacks struct {
	// OnStatusChanged is called on every state transition and terminal
	// failure with a human-readable reason.
	OnStatusChanged func(status Status, reason string)

	// OnReceivedText is called with a complete incoming text message.
	OnReceivedText func(text string)

	// OnReceivedFile is called with the final path of a complete incoming file.
	OnReceivedFile func(path string)

	// OnSent is called when an outgoing text or file has been acknowledged.
	// name is the file name for files and the text for messages.
	OnSent func(kind TransferKind, name string)

	// OnProgress is called periodically during fragmented transfers and
	// once at their end.
	OnProgress func(info TransferInfo)

	// OnError is called for failures of asynchronous operations.
	OnError func(err error)

	// OnEvent is called for protocol events (debugging/logging).
	OnEvent func(event Event)
}

// Event represents a protocol event for logging/debugging.
type Event struct {
	Type      EventType
	Flag      Flag
	Fragment  uint32
	Message   string
	Timestamp time.Time
}

// EventType categorizes protocol events.
type EventType int

const (
	EventFrameSent EventType = iota
	EventFrameReceived
	EventFrameDropped
	EventTransferStart
	EventTransferComplete
	EventTransferAborted
	EventTimeout
)

func (t EventType) String() string {
	switch t {
	case EventFrameSent:
		return "sent"
	case EventFrameReceived:
		return "received"
	case EventFrameDropped:
		return "dropped"
	case EventTransferStart:
		return "transfer-start"
	case EventTransferComplete:
		return "transfer-complete"
	case EventTransferAborted:
		return "transfer-aborted"
	case EventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Direction tells whether a transfer is sent or received.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// TransferInfo describes a fragmented transfer in progress.
type TransferInfo struct {
	ID        uuid.UUID
	Kind      TransferKind
	Direction Direction
	Name      string

	// Fragments is the total fragment count, Delivered the number of
	// fragments acknowledged (outbound) or drained in order (inbound).
	Fragments uint32
	Delivered uint32

	// Window is the negotiated window size.
	Window uint16

	// Bytes is the payload size when known (outbound), otherwise the
	// number of bytes drained so far.
	Bytes int64

	Elapsed time.Duration

	// Rate is fragments per second since the last progress report.
	Rate float64

	Done bool
}

// defaultCallbacks returns a set of callbacks with default implementations.
func defaultCallbacks() *Callbacks {
	return &Callbacks{
		OnStatusChanged: func(Status, string) {},
		OnReceivedText:  func(string) {},
		OnReceivedFile:  func(string) {},
		OnSent:          func(TransferKind, string) {},
		OnProgress:      func(TransferInfo) {},
		OnError:         func(error) {},
		OnEvent:         func(Event) {},
	}
}

// mergeCallbacks merges user callbacks with defaults.
// User callbacks override defaults, nil callbacks use defaults.
func mergeCallbacks(user *Callbacks) *Callbacks {
	result := defaultCallbacks()
	if user == nil {
		return result
	}

	if user.OnStatusChanged != nil {
		result.OnStatusChanged = user.OnStatusChanged
	}
	if user.OnReceivedText != nil {
		result.OnReceivedText = user.OnReceivedText
	}
	if user.OnReceivedFile != nil {
		result.OnReceivedFile = user.OnReceivedFile
	}
	if user.OnSent != nil {
		result.OnSent = user.OnSent
	}
	if user.OnProgress != nil {
		result.OnProgress = user.OnProgress
	}
	if user.OnError != nil {
		result.OnError = user.OnError
	}
	if user.OnEvent != nil {
		result.OnEvent = user.OnEvent
	}
	return result
}
