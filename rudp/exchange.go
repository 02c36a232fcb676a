package rudp

import (
	"fmt"
	"time"
)

type exchangeKind int

const (
	exchHandshake exchangeKind = iota
	exchExit
	exchMessage
	exchParameters
)

func (k exchangeKind) String() string {
	switch k {
	case exchHandshake:
		return "handshake"
	case exchExit:
		return "exit"
	case exchMessage:
		return "message"
	default:
		return "parameters"
	}
}

// exchange is a request frame re-sent on a timer until the peer answers.
//
// Every RetryInterval the exchange checks its state: a pending resend
// request re-sends without spending the budget, otherwise the frame is
// re-sent while sends remain, and exhausted runs with the last timeout once
// the budget is gone.
// The owner ends the exchange by clearing Session.exch and calling stop.
type exchange struct {
	kind      exchangeKind
	payload   []byte
	send      func()
	exhausted func(cause error)

	remaining int
	requested bool
	timer     *time.Timer
}

func (e *exchange) stop() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

// startExchangeLocked sends the first frame of e and arms its timer.
func (s *Session) startExchangeLocked(e *exchange) {
	if s.exch != nil {
		s.exch.stop()
	}
	s.exch = e
	e.remaining = s.config.MaxRetries - 1
	e.send()
	s.armExchangeLocked(e)
}

func (s *Session) armExchangeLocked(e *exchange) {
	e.timer = time.AfterFunc(s.config.RetryInterval, func() { s.checkExchange(e) })
}

// checkExchange is the timer callback of an exchange.
func (s *Session) checkExchange(e *exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.exch != e {
		return
	}

	switch {
	case e.requested:
		e.requested = false
		s.logger.Debug("%s: resend requested by peer", e.kind)
		e.send()
	case e.remaining > 0:
		timeout := s.exchangeTimeout(e)
		s.logger.Info("%v, remaining tries: %d", timeout, e.remaining)
		s.event(EventTimeout, 0, 0, timeout.Error())
		e.remaining--
		e.send()
	default:
		timeout := s.exchangeTimeout(e)
		s.logger.Info("%v, giving up", timeout)
		s.event(EventTimeout, 0, 0, timeout.Error())
		s.exch = nil
		e.exhausted(timeout)
		return
	}
	s.armExchangeLocked(e)
}

func (s *Session) exchangeTimeout(e *exchange) *Error {
	return NewError(ErrTimeout, fmt.Sprintf("%s: no answer within %s", e.kind, s.config.RetryInterval))
}

// endExchangeLocked finishes the current exchange if it is of kind k and
// reports whether it was.
func (s *Session) endExchangeLocked(k exchangeKind) bool {
	if s.exch == nil || s.exch.kind != k {
		return false
	}
	s.exch.stop()
	s.exch = nil
	return true
}

// requestResendLocked marks the current exchange of kind k for resend.
func (s *Session) requestResendLocked(k exchangeKind) {
	if s.exch != nil && s.exch.kind == k {
		s.exch.requested = true
	}
}
