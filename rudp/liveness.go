package rudp

import (
	"context"
	"fmt"
	"time"
)

// probe is an outstanding keepalive.
type probe struct {
	attempts int
	deadline time.Time
}

// livenessLoop drives tick every Config.Tick until ctx is done.
func (s *Session) livenessLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick runs one step of the liveness monitor.
//
// While idle, silence accumulates tick by tick. During a transfer the time
// since the last inbound frame counts instead. Either way, reaching
// KeepaliveIdle starts a probe, which is re-sent after each missed
// KeepaliveTimeout until MaxRetries sends went unanswered.
func (s *Session) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.state != StateConnected {
		s.probe = nil
		s.idle = 0
		return
	}

	if p := s.probe; p != nil {
		if now.Before(p.deadline) {
			return
		}
		timeout := NewFrameError(ErrTimeout,
			fmt.Sprintf("keepalive %d: no answer within %s", p.attempts, s.config.KeepaliveTimeout), FlagKeepalive)
		s.event(EventTimeout, FlagKeepalive, 0, timeout.Error())
		if p.attempts >= s.config.MaxRetries {
			s.logger.Info("%v, giving up after %d probes", timeout, p.attempts)
			s.dropLocked("peer disconnected", WrapError(ErrPeerUnreachable, "keepalive not answered", timeout))
			return
		}
		s.logger.Info("%v, remaining tries: %d", timeout, s.config.MaxRetries-p.attempts)
		s.sendProbeLocked(now)
		return
	}

	switch {
	case s.transferActiveLocked():
		if now.Sub(s.lastInbound) >= s.config.KeepaliveIdle {
			s.logger.Info("transfer: no frame for %s, probing peer", s.config.KeepaliveIdle)
			s.probe = &probe{}
			s.sendProbeLocked(now)
		}
	case s.busy:
		// The pending exchange has its own retries.
		s.idle = 0
	default:
		s.idle += s.config.Tick
		if s.idle >= s.config.KeepaliveIdle {
			s.logger.Debug("idle for %s, probing peer", s.idle)
			s.probe = &probe{}
			s.sendProbeLocked(now)
		}
	}
}

func (s *Session) sendProbeLocked(now time.Time) {
	s.probe.attempts++
	s.probe.deadline = now.Add(s.config.KeepaliveTimeout)
	s.sendLocked(FlagKeepalive, 0, 0, nil)
}

// transferActiveLocked reports whether fragments are flowing.
func (s *Session) transferActiveLocked() bool {
	return s.in != nil || (s.out != nil && s.out.started)
}

// handleKeepalive answers probes and clears our own.
func (s *Session) handleKeepalive(f *Frame) {
	if s.state != StateConnected {
		return
	}
	switch f.Flag {
	case FlagKeepalive:
		s.sendLocked(FlagKeepaliveAck, 0, 0, nil)
	case FlagKeepaliveAck:
		if s.probe != nil {
			s.logger.Debug("keepalive answered after %d probes", s.probe.attempts)
		}
		s.probe = nil
		s.idle = 0
	}
}
