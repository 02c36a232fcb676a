package rudp

import (
	"context"
	"errors"
	"net"
	"time"
)

// dispatchLoop reads datagrams until ctx is done. Each read is bounded by
// ReadTimeout so cancellation is observed promptly.
func (s *Session) dispatchLoop(ctx context.Context) error {
	buf := make([]byte, MaxDatagramSize+HeaderSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return WrapError(ErrIO, "set read deadline", err)
		}

		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return WrapError(ErrIO, "socket closed", err)
			}
			// ICMP port unreachable and friends surface here on some
			// platforms; the peer may simply not be up yet.
			s.logger.Debug("read: %v", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.HandleDatagram(from, data)
	}
}

// HandleDatagram is the single entry point for inbound traffic. It decodes
// data and routes the frame by the current state and the frame category.
// The dispatch loop calls it for every datagram; tests may call it directly.
// data must not be modified afterwards.
func (s *Session) HandleDatagram(from net.Addr, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if !sameAddr(from, s.peer) {
		s.logger.Debug("dropped datagram from stranger %v", from)
		return
	}
	f, err := Decode(data)
	if err != nil {
		s.logger.Debug("dropped: %v", err)
		s.event(EventFrameDropped, 0, 0, err.Error())
		return
	}
	if !f.Flag.Valid() {
		s.logger.Debug("dropped frame with %s", f.Flag)
		s.event(EventFrameDropped, f.Flag, f.FragmentNumber, "unknown flag")
		return
	}
	if !s.configured {
		s.logger.Debug("dropped %s: not configured", f.Flag)
		return
	}

	s.logger.Debug("%s", FormatFrameLog("<-", f))
	s.event(EventFrameReceived, f.Flag, f.FragmentNumber, "")

	// Frames without a payload of their own are verified here; the
	// payload carriers answer a bad checksum with a request.
	if !carriesPayload(f.Flag) && !f.Valid() {
		s.event(EventFrameDropped, f.Flag, f.FragmentNumber, "checksum")
		return
	}

	s.lastInbound = time.Now()
	s.idle = 0
	s.handleLocked(f)
}

// handleLocked routes a verified frame.
func (s *Session) handleLocked(f *Frame) {
	switch f.Flag.Category() {
	case CategoryHandshake:
		s.handleHandshake(f)
		return
	case CategoryExit:
		s.handleExit(f)
		return
	case CategoryKeepalive:
		s.handleKeepalive(f)
		return
	}

	if s.state != StateConnected {
		s.event(EventFrameDropped, f.Flag, f.FragmentNumber, "not connected")
		return
	}

	switch f.Flag.Category() {
	case CategoryText:
		if f.Flag == FlagMsg {
			s.handleMessageLocked(f)
		} else {
			s.handleMessageReplyLocked(f)
		}
	case CategoryTextParameters:
		s.handleParametersLocked(KindText, f)
	case CategoryFileParameters:
		s.handleParametersLocked(KindFile, f)
	case CategoryFragment:
		s.handleFragmentLocked(KindText, f)
	case CategoryFileData:
		if f.Flag == FlagData {
			s.handleFragmentLocked(KindFile, f)
		} else {
			s.handleOutboundLocked(KindFile, f)
		}
	}
}

// carriesPayload reports whether f is one of the frames that carry user
// data or transfer parameters.
func carriesPayload(f Flag) bool {
	switch f {
	case FlagMsg, FlagMsgFrag, FlagData, FlagMsgPar, FlagDataPar:
		return true
	}
	return false
}
