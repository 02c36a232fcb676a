package rudp

import (
	"context"
	"sync"
)

// NotificationKind tells which field of a Notification is set.
type NotificationKind int

const (
	NoteStatus NotificationKind = iota
	NoteText
	NoteFile
	NoteSent
	NoteProgress
	NoteError
	NoteEvent
)

// Notification is one entry of the session's ordered notification stream.
type Notification struct {
	Kind     NotificationKind
	Status   Status
	Reason   string
	Text     string
	Path     string
	Transfer TransferInfo
	Sent     TransferKind
	Err      error
	Event    Event
}

// notifier is an unbounded FIFO drained by a single goroutine, so that
// notifications raised under the session lock are delivered later, in
// order, without the lock.
type notifier struct {
	mu      sync.Mutex
	queue   []Notification
	signal  chan struct{}
	out     chan Notification
	cb      *Callbacks
	stopped bool
}

func newNotifier(cb *Callbacks) *notifier {
	return &notifier{
		signal: make(chan struct{}, 1),
		cb:     cb,
	}
}

// subscribe returns a channel that receives every notification after the
// callbacks ran. It must be drained by the caller.
func (n *notifier) subscribe() <-chan Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.out == nil {
		n.out = make(chan Notification, 64)
	}
	return n.out
}

func (n *notifier) push(note Notification) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, note)
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// run delivers notifications until ctx is done, then flushes what is left.
func (n *notifier) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n.drain(nil)
			n.mu.Lock()
			n.stopped = true
			if n.out != nil {
				close(n.out)
			}
			n.mu.Unlock()
			return nil
		case <-n.signal:
			n.drain(ctx)
		}
	}
}

func (n *notifier) drain(ctx context.Context) {
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		out := n.out
		n.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, note := range batch {
			n.deliver(note)
			if out == nil {
				continue
			}
			if ctx == nil {
				select {
				case out <- note:
				default:
				}
				continue
			}
			select {
			case out <- note:
			case <-ctx.Done():
			}
		}
	}
}

func (n *notifier) deliver(note Notification) {
	switch note.Kind {
	case NoteStatus:
		n.cb.OnStatusChanged(note.Status, note.Reason)
	case NoteText:
		n.cb.OnReceivedText(note.Text)
	case NoteFile:
		n.cb.OnReceivedFile(note.Path)
	case NoteSent:
		n.cb.OnSent(note.Sent, note.Text)
	case NoteProgress:
		n.cb.OnProgress(note.Transfer)
	case NoteError:
		n.cb.OnError(note.Err)
	case NoteEvent:
		n.cb.OnEvent(note.Event)
	}
}
