package rudp

import (
	"context"
	"time"
)

// outboundTransfer is the sender side of a fragmented transfer.
//
// Acknowledgements are cumulative, so every index below base is
// acknowledged and base never moves backwards.
type outboundTransfer struct {
	kind  TransferKind
	flags transferFlags
	name  string

	payload  []byte
	fragSize int
	last     int64
	window   uint16

	codec  *Codec
	sentAt []time.Time
	base   int64

	started bool
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	progress *ProgressTracker
}

func newOutboundTransfer(kind TransferKind, name string, payload []byte, fragSize int, codec *Codec, interval time.Duration) (*outboundTransfer, error) {
	last, window, err := FragmentLayout(int64(len(payload)), fragSize)
	if err != nil {
		return nil, err
	}
	t := &outboundTransfer{
		kind:     kind,
		flags:    kindFlags[kind],
		name:     name,
		payload:  payload,
		fragSize: fragSize,
		last:     int64(last),
		window:   window,
		codec:    codec,
		sentAt:   make([]time.Time, int(last)+1),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		progress: NewProgressTracker(kind, Outbound, name, last+1, window, interval),
	}
	t.progress.SetBytes(int64(len(payload)))
	return t, nil
}

// fragment returns the payload slice of fragment i.
func (t *outboundTransfer) fragment(i int64) []byte {
	start := i * int64(t.fragSize)
	if start >= int64(len(t.payload)) {
		return nil
	}
	end := start + int64(t.fragSize)
	if end > int64(len(t.payload)) {
		end = int64(len(t.payload))
	}
	return t.payload[start:end]
}

// encode builds fragment i with a fresh corruption roll.
func (t *outboundTransfer) encode(i int64) []byte {
	return t.codec.Encode(t.flags.frag, uint32(i), 0, t.fragment(i))
}

// due lists the unacknowledged window fragments never sent or last sent at
// least resend ago.
func (t *outboundTransfer) due(now time.Time, resend time.Duration) []int64 {
	end := t.base + int64(t.window)
	if end > t.last+1 {
		end = t.last + 1
	}
	var out []int64
	for i := t.base; i < end; i++ {
		if sent := t.sentAt[i]; sent.IsZero() || now.Sub(sent) >= resend {
			out = append(out, i)
		}
	}
	return out
}

// ack advances base past i. Indices beyond the last fragment are ignored.
// It reports whether base moved.
func (t *outboundTransfer) ack(i uint32) bool {
	if int64(i) > t.last || int64(i) < t.base {
		return false
	}
	t.base = int64(i) + 1
	return true
}

func (t *outboundTransfer) complete() bool {
	return t.base > t.last
}

func (t *outboundTransfer) close() {
	if t.closed {
		return
	}
	t.closed = true
	close(t.done)
}

func (t *outboundTransfer) notifyWake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// startMessageLocked sends text as a single MSG frame.
func (s *Session) startMessageLocked(text string) {
	payload := []byte(text)
	s.startExchangeLocked(&exchange{
		kind:    exchMessage,
		payload: payload,
		send:    func() { s.sendLocked(FlagMsg, 0, 0, payload) },
		exhausted: func(cause error) {
			s.dropLocked("message not delivered", WrapError(ErrPeerUnreachable, "no answer to message", cause))
		},
	})
}

// startParametersLocked installs t and negotiates its parameters. The
// window transfer starts on the matching PAR_ACK.
func (s *Session) startParametersLocked(t *outboundTransfer) {
	s.out = t
	last, window := uint32(t.last), t.window
	name := []byte(t.name)

	s.logger.Info("%s %s: %d bytes, %d fragments of %d, window %d, transfer %s",
		t.flags.par, t.kind, len(t.payload), last+1, t.fragSize, window, t.progress.ID())
	s.event(EventTransferStart, t.flags.par, last, t.progress.ID().String())

	s.startExchangeLocked(&exchange{
		kind:    exchParameters,
		payload: name,
		send:    func() { s.sendLocked(t.flags.par, last, window, name) },
		exhausted: func(cause error) {
			s.dropLocked("parameters not delivered", WrapError(ErrPeerUnreachable, "no answer to "+t.flags.par.String(), cause))
		},
	})
}

// parametersAckedLocked starts the window transfer once the peer echoed the
// negotiated parameters.
func (s *Session) parametersAckedLocked(kind TransferKind, f *Frame) {
	t := s.out
	if t == nil || t.kind != kind || t.started {
		return
	}
	if int64(f.FragmentNumber) != t.last || f.WindowSize != t.window {
		s.logger.Debug("%s with parameters %d/%d does not match %d/%d",
			f.Flag, f.FragmentNumber, f.WindowSize, t.last, t.window)
		return
	}
	if !s.endExchangeLocked(exchParameters) {
		return
	}
	t.started = true
	s.goLocked(func(ctx context.Context) error { return s.runWindow(ctx, t) })
}

// runWindow sends the window of t until the transfer completes or aborts.
// It wakes on every acknowledgement and at least once per RetryInterval.
func (s *Session) runWindow(ctx context.Context, t *outboundTransfer) error {
	timer := time.NewTimer(s.config.RetryInterval)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed || t.closed || s.out != t {
			s.mu.Unlock()
			return nil
		}
		now := time.Now()
		for _, i := range t.due(now, s.config.RetryInterval) {
			s.writeLocked(t.encode(i))
			t.sentAt[i] = now
		}
		s.mu.Unlock()

		timer.Reset(s.config.RetryInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case <-t.wake:
		case <-timer.C:
		}
	}
}

// handleOutboundLocked processes an ack or request for the active
// outbound transfer.
func (s *Session) handleOutboundLocked(kind TransferKind, f *Frame) {
	t := s.out
	if t == nil || t.kind != kind || !t.started {
		return
	}

	switch f.Flag.Role() {
	case RoleAck:
		if !t.ack(f.FragmentNumber) {
			return
		}
		if info, ok := t.progress.Update(uint32(t.base)); ok {
			s.notes.push(Notification{Kind: NoteProgress, Transfer: info})
		}
		if t.complete() {
			s.finishOutboundLocked(t)
			return
		}
		t.notifyWake()
	case RoleRequest:
		i := int64(f.FragmentNumber)
		if i > t.last {
			return
		}
		s.writeLocked(t.encode(i))
		t.sentAt[i] = time.Now()
	}
}

func (s *Session) finishOutboundLocked(t *outboundTransfer) {
	t.close()
	s.out = nil
	s.busy = false
	s.idle = 0

	info := t.progress.Complete()
	s.logger.Info("sent %s %q: %d fragments, window %d, %d bytes in %s",
		t.kind, t.name, info.Fragments, info.Window, info.Bytes, info.Elapsed.Round(time.Millisecond))
	s.event(EventTransferComplete, t.flags.frag, uint32(t.last), info.ID.String())
	s.notes.push(Notification{Kind: NoteProgress, Transfer: info})

	name := t.name
	if t.kind == KindText {
		name = string(t.payload)
	}
	s.notes.push(Notification{Kind: NoteSent, Sent: t.kind, Text: name})
	s.report(t.kind.String() + " delivered")
}

// handleMessageReplyLocked processes MSG_ACK and MSG_REQ. They answer the
// single message exchange when one is pending, otherwise they belong to a
// fragmented text transfer.
func (s *Session) handleMessageReplyLocked(f *Frame) {
	e := s.exch
	if e == nil || e.kind != exchMessage {
		s.handleOutboundLocked(KindText, f)
		return
	}

	switch f.Flag {
	case FlagMsgAck:
		s.endExchangeLocked(exchMessage)
		s.busy = false
		s.idle = 0
		s.logger.Info("message of %d bytes delivered", len(e.payload))
		s.notes.push(Notification{Kind: NoteSent, Sent: KindText, Text: string(e.payload)})
		s.report("text delivered")
	case FlagMsgReq:
		s.requestResendLocked(exchMessage)
	}
}
