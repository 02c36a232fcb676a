package rudp

// Connect starts the three-way handshake. It returns immediately; the
// outcome is reported through OnStatusChanged ("connected" or
// "unable to reach").
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NewError(ErrNotConnected, "session closed")
	}
	if !s.configured {
		return NewError(ErrInvalidConfiguration, "settings must be applied before connecting")
	}
	if s.busy {
		return NewError(ErrBusyRejection, "another operation is in progress")
	}
	if s.state != StateDisconnected {
		return NewError(ErrBusyRejection, "session is already "+s.state.String())
	}

	s.state = StateHandshaking
	s.busy = true
	s.startExchangeLocked(&exchange{
		kind: exchHandshake,
		send: func() { s.sendLocked(FlagHS1, 0, 0, nil) },
		exhausted: func(cause error) {
			s.state = StateDisconnected
			s.busy = false
			s.report("unable to reach")
			s.notifyError(WrapError(ErrPeerUnreachable, "no answer to handshake", cause))
		},
	})
	s.report("connecting")
	return nil
}

// Disconnect starts the exit exchange. The session reaches Disconnected on
// the peer's EXIT_ACK or when the retries run out.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIdleLocked(); err != nil {
		return err
	}

	s.state = StateDisconnecting
	s.busy = true
	s.startExchangeLocked(&exchange{
		kind: exchExit,
		send: func() { s.sendLocked(FlagExit, 0, 0, nil) },
		exhausted: func(cause error) {
			s.dropLocked("peer not reached", WrapError(ErrPeerUnreachable, "no answer to exit", cause))
		},
	})
	s.report("disconnecting")
	return nil
}

// connectedLocked completes a handshake on either side.
func (s *Session) connectedLocked() {
	s.endExchangeLocked(exchHandshake)
	s.state = StateConnected
	s.busy = false
	s.idle = 0
	s.probe = nil
	s.report("connected")
}

// handleHandshake processes HS1, HS2 and HS3.
//
// HS1 is answered with HS2 in every state but Disconnecting, and HS2 with
// HS3 even when already connected, so a peer whose last handshake frame
// was lost can still complete.
func (s *Session) handleHandshake(f *Frame) {
	if s.state == StateDisconnecting {
		return
	}
	switch f.Flag {
	case FlagHS1:
		s.sendLocked(FlagHS2, 0, 0, nil)
	case FlagHS2:
		s.sendLocked(FlagHS3, 0, 0, nil)
		if s.state != StateConnected {
			s.connectedLocked()
		}
	case FlagHS3:
		if s.state != StateConnected {
			s.connectedLocked()
		}
	}
}

// handleExit processes EXIT and EXIT_ACK. EXIT is always honoured.
func (s *Session) handleExit(f *Frame) {
	switch f.Flag {
	case FlagExit:
		if s.state != StateConnected && s.state != StateDisconnecting {
			return
		}
		s.sendLocked(FlagExitAck, 0, 0, nil)
		s.dropLocked("peer disconnected", nil)
	case FlagExitAck:
		if s.state != StateDisconnecting {
			return
		}
		s.dropLocked("disconnected", nil)
	}
}
