package rudp

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateHandshaking
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Session is one end of a one-to-one peer relationship.
//
// All protocol state (connection state, the busy flag, the retry sequence,
// the keepalive probe and at most one transfer) is guarded by mu. Frame
// handling on the dispatch goroutine, timer callbacks, the liveness ticker,
// the window sender and the public API all take mu, so no two protocol
// steps ever run concurrently.
type Session struct {
	// I/O
	conn PacketConn
	peer net.Addr

	// Configuration
	config *Config

	// Callbacks
	callbacks     *Callbacks
	eventsEnabled bool
	notes         *notifier

	// Logger
	logger Logger

	codec *Codec

	mu         sync.Mutex
	settings   Settings
	configured bool
	state      State
	busy       bool

	exch  *exchange
	probe *probe
	idle  time.Duration

	lastInbound time.Time

	out  *outboundTransfer
	in   *inboundTransfer
	done *inboundTransfer // last completed inbound transfer

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
	closed  bool
	stopped chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithConfig sets the protocol timings.
func WithConfig(config *Config) Option {
	return func(s *Session) {
		if config != nil {
			s.config = config.withDefaults()
		}
	}
}

// WithCallbacks sets the session callbacks.
func WithCallbacks(callbacks *Callbacks) Option {
	return func(s *Session) {
		s.callbacks = mergeCallbacks(callbacks)
		s.eventsEnabled = callbacks != nil && callbacks.OnEvent != nil
	}
}

// WithLogger sets a logger for protocol debugging.
func WithLogger(logger Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCodec replaces the frame codec, typically to seed corruption
// injection deterministically in tests.
func WithCodec(codec *Codec) Option {
	return func(s *Session) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// NewSession creates a session that talks to peer over conn. The session
// is inert until Configure and Run have been called.
func NewSession(conn PacketConn, peer net.Addr, opts ...Option) *Session {
	s := &Session{
		conn:      conn,
		peer:      peer,
		config:    DefaultConfig(),
		callbacks: defaultCallbacks(),
		logger:    NoopLogger{},
		codec:     &Codec{},
		stopped:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.notes = newNotifier(s.callbacks)
	return s
}

// Configure validates and applies user settings. It is rejected while an
// operation is outstanding.
func (s *Session) Configure(st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return NewError(ErrBusyRejection, "cannot change settings during an operation")
	}
	s.settings = st
	s.configured = true
	s.codec.SetRate(st.CorruptionRate, nil)
	s.logger.Info("settings: download=%s fragment=%d corruption=%g%%",
		st.DownloadDir, st.FragmentSize, st.CorruptionRate)
	return nil
}

// Settings returns the applied settings.
func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Peer returns the peer address.
func (s *Session) Peer() net.Addr {
	return s.peer
}

// State returns the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether an operation (handshake, exit, message or transfer)
// is outstanding.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Status returns the collaborator-facing status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	switch s.state {
	case StateConnected:
		if s.busy {
			return StatusBusy
		}
		return StatusConnected
	case StateDisconnecting:
		return StatusBusy
	default:
		return StatusDisconnected
	}
}

// Notifications returns a channel carrying every notification after the
// callbacks ran. The channel is closed when Run returns and must be drained.
func (s *Session) Notifications() <-chan Notification {
	return s.notes.subscribe()
}

// Run starts the dispatch loop, the liveness monitor and the notifier and
// blocks until ctx is cancelled, Close is called or the socket fails.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return NewError(ErrBusyRejection, "session already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.ctx, s.cancel, s.group = gctx, cancel, g
	s.running = true
	s.mu.Unlock()

	g.Go(func() error { return s.notes.run(gctx) })
	g.Go(func() error { return s.dispatchLoop(gctx) })
	g.Go(func() error { return s.livenessLoop(gctx) })

	err := g.Wait()
	cancel()

	s.mu.Lock()
	s.closed = true
	s.abortAllLocked()
	s.state = StateDisconnected
	s.busy = false
	s.mu.Unlock()

	close(s.stopped)
	return err
}

// Close stops the session goroutines and then closes the socket.
func (s *Session) Close() error {
	s.mu.Lock()
	running := s.running
	cancel := s.cancel
	s.mu.Unlock()

	if running {
		cancel()
		<-s.stopped
	} else {
		s.mu.Lock()
		s.closed = true
		s.abortAllLocked()
		s.mu.Unlock()
	}
	return s.conn.Close()
}

// goLocked runs fn on the session's goroutine group.
func (s *Session) goLocked(fn func(ctx context.Context) error) {
	if s.group == nil {
		go fn(context.Background())
		return
	}
	ctx := s.ctx
	s.group.Go(func() error { return fn(ctx) })
}

// report emits a status notification with the current status.
func (s *Session) report(reason string) {
	status := s.statusLocked()
	s.logger.Info("status %s (%s): %s", status, s.state, reason)
	s.notes.push(Notification{Kind: NoteStatus, Status: status, Reason: reason})
}

func (s *Session) notifyError(err error) {
	s.logger.Error("%v", err)
	s.notes.push(Notification{Kind: NoteError, Err: err})
}

func (s *Session) event(t EventType, flag Flag, fragment uint32, msg string) {
	if !s.eventsEnabled {
		return
	}
	s.notes.push(Notification{Kind: NoteEvent, Event: Event{
		Type: t, Flag: flag, Fragment: fragment, Message: msg, Timestamp: time.Now(),
	}})
}

// writeLocked sends an encoded datagram to the peer. Sends are fire and
// forget; failures are logged and surface later as retries.
func (s *Session) writeLocked(data []byte) {
	if _, err := s.conn.WriteTo(data, s.peer); err != nil {
		s.logger.Error("send %s: %v", Flag(data[offFlags]), err)
		return
	}
	if f, err := Decode(data); err == nil {
		s.logger.Debug("%s", FormatFrameLog("->", f))
		s.event(EventFrameSent, f.Flag, f.FragmentNumber, "")
	}
}

// sendLocked encodes and sends a frame.
func (s *Session) sendLocked(flag Flag, fragment uint32, window uint16, payload []byte) {
	s.writeLocked(s.codec.Encode(flag, fragment, window, payload))
}

// checkIdleLocked verifies that a new operation may start.
func (s *Session) checkIdleLocked() error {
	if s.closed {
		return NewError(ErrNotConnected, "session closed")
	}
	if s.busy {
		return NewError(ErrBusyRejection, "another operation is in progress")
	}
	if s.state != StateConnected {
		return NewError(ErrNotConnected, "session is "+s.state.String())
	}
	return nil
}

// SendText sends a text message. Texts up to the fragment size travel as
// one frame; longer texts are negotiated and sent in fragments. The call
// returns once the first frame is out; completion is reported through
// OnSent, failure through OnStatusChanged and OnError.
func (s *Session) SendText(text string) error {
	if text == "" {
		return NewError(ErrInvalidInput, "empty message")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIdleLocked(); err != nil {
		return err
	}

	payload := []byte(text)
	if len(payload) <= s.settings.FragmentSize {
		s.busy = true
		s.idle = 0
		s.startMessageLocked(text)
	} else {
		t, err := newOutboundTransfer(KindText, "", payload, s.settings.FragmentSize, s.codec, s.config.ProgressInterval)
		if err != nil {
			return err
		}
		s.busy = true
		s.idle = 0
		s.startParametersLocked(t)
	}
	s.report("sending text")
	return nil
}

// SendFile sends the file at path. Files are always negotiated and sent in
// fragments, even when they fit in one.
func (s *Session) SendFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return WrapError(ErrIO, "stat "+path, err)
	}
	if !info.Mode().IsRegular() {
		return NewError(ErrInvalidInput, path+" is not a regular file")
	}
	name := filepath.Base(path)
	if len(name) > MaxDatagramSize-HeaderSize {
		return NewError(ErrInvalidInput, "file name too long")
	}

	// Fail fast before reading a large file.
	s.mu.Lock()
	err = s.checkIdleLocked()
	fragSize := s.settings.FragmentSize
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if _, _, err := FragmentLayout(info.Size(), fragSize); err != nil {
		return err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return WrapError(ErrIO, "read "+path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIdleLocked(); err != nil {
		return err
	}

	t, err := newOutboundTransfer(KindFile, name, content, s.settings.FragmentSize, s.codec, s.config.ProgressInterval)
	if err != nil {
		return err
	}
	s.busy = true
	s.idle = 0
	s.startParametersLocked(t)
	s.report("sending file " + name)
	return nil
}

// dropLocked aborts everything and moves to Disconnected.
func (s *Session) dropLocked(reason string, err error) {
	s.abortAllLocked()
	s.state = StateDisconnected
	s.busy = false
	s.report(reason)
	if err != nil {
		s.notifyError(err)
	}
}

// abortAllLocked cancels the retry sequence, the probe and any transfer.
func (s *Session) abortAllLocked() {
	if s.exch != nil {
		s.exch.stop()
		s.exch = nil
	}
	s.probe = nil
	s.idle = 0
	if s.out != nil {
		s.out.close()
		s.event(EventTransferAborted, 0, 0, s.out.progress.ID().String())
		s.out = nil
	}
	if s.in != nil {
		s.in.abort()
		s.event(EventTransferAborted, 0, 0, s.in.progress.ID().String())
		s.in = nil
	}
	s.done = nil
}
