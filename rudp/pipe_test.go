package rudp

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

type datagram struct {
	data []byte
	from net.Addr
}

// pipeConn is one end of an in-memory datagram link. Writes that do not
// fit the receive queue are lost, like on a real socket.
type pipeConn struct {
	local net.Addr
	in    chan datagram
	peer  *pipeConn

	mu       sync.Mutex
	deadline time.Time
	sent     []*Frame

	// drop, when set, decides whether an outgoing datagram is lost.
	drop atomic.Pointer[func([]byte) bool]

	closed    chan struct{}
	closeOnce sync.Once
}

func newPipe() (*pipeConn, *pipeConn) {
	a := &pipeConn{local: pipeAddr("a"), in: make(chan datagram, 4096), closed: make(chan struct{})}
	b := &pipeConn{local: pipeAddr("b"), in: make(chan datagram, 4096), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *pipeConn) setDrop(fn func([]byte) bool) {
	c.drop.Store(&fn)
}

func (c *pipeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case dg := <-c.in:
		return copy(p, dg.data), dg.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *pipeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	data := append([]byte(nil), p...)
	if f, err := Decode(data); err == nil {
		c.mu.Lock()
		c.sent = append(c.sent, f)
		c.mu.Unlock()
	}
	if fn := c.drop.Load(); fn != nil && (*fn)(data) {
		return len(p), nil
	}
	if addr.String() != c.peer.local.String() {
		return len(p), nil
	}
	select {
	case c.peer.in <- datagram{data: data, from: c.local}:
	default:
	}
	return len(p), nil
}

func (c *pipeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// frames returns the frames written so far.
func (c *pipeConn) frames() []*Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Frame(nil), c.sent...)
}

// count returns how many frames with flag were written.
func (c *pipeConn) count(flag Flag) int {
	n := 0
	for _, f := range c.frames() {
		if f.Flag == flag {
			n++
		}
	}
	return n
}

func (c *pipeConn) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

func dropAll([]byte) bool { return true }

// dropEvery loses every nth datagram.
func dropEvery(n int) func([]byte) bool {
	var count atomic.Int64
	return func([]byte) bool {
		return count.Add(1)%int64(n) == 0
	}
}

// fastConfig shrinks the protocol timings for tests.
func fastConfig() *Config {
	return &Config{
		RetryInterval:    50 * time.Millisecond,
		MaxRetries:       3,
		Tick:             10 * time.Millisecond,
		KeepaliveIdle:    300 * time.Millisecond,
		KeepaliveTimeout: 100 * time.Millisecond,
		ReadTimeout:      20 * time.Millisecond,
		StaleThreshold:   DefaultStaleThreshold,
		ProgressInterval: 10 * time.Millisecond,
	}
}

type statusNote struct {
	status Status
	reason string
}

// recorder collects callbacks on channels.
type recorder struct {
	status chan statusNote
	texts  chan string
	files  chan string
	sent   chan string
	errs   chan error
}

func newRecorder() *recorder {
	return &recorder{
		status: make(chan statusNote, 256),
		texts:  make(chan string, 256),
		files:  make(chan string, 256),
		sent:   make(chan string, 256),
		errs:   make(chan error, 256),
	}
}

func (r *recorder) callbacks() *Callbacks {
	return &Callbacks{
		OnStatusChanged: func(st Status, reason string) {
			select {
			case r.status <- statusNote{st, reason}:
			default:
			}
		},
		OnReceivedText: func(text string) { r.texts <- text },
		OnReceivedFile: func(path string) { r.files <- path },
		OnSent:         func(_ TransferKind, name string) { r.sent <- name },
		OnError: func(err error) {
			select {
			case r.errs <- err:
			default:
			}
		},
	}
}

// waitStatus waits for a status notification with the given reason.
func (r *recorder) waitStatus(t *testing.T, reason string, timeout time.Duration) statusNote {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case n := <-r.status:
			if n.reason == reason {
				return n
			}
		case <-deadline:
			t.Fatalf("no status %q within %s", reason, timeout)
			return statusNote{}
		}
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		var zero T
		t.Fatalf("nothing received within %s", timeout)
		return zero
	}
}

// peer is one running end of a test link.
type peer struct {
	s    *Session
	conn *pipeConn
	rec  *recorder
	dir  string
}

// newLink starts two sessions over an in-memory link. Both are configured
// with fragmentSize and rate but not connected.
func newLink(t *testing.T, fragmentSize int, rate float64) (*peer, *peer) {
	t.Helper()
	ca, cb := newPipe()
	a := startPeer(t, ca, cb.local, fragmentSize, rate)
	b := startPeer(t, cb, ca.local, fragmentSize, rate)
	return a, b
}

func startPeer(t *testing.T, conn *pipeConn, remote net.Addr, fragmentSize int, rate float64, opts ...Option) *peer {
	t.Helper()
	p := &peer{conn: conn, rec: newRecorder(), dir: t.TempDir()}
	opts = append([]Option{WithConfig(fastConfig()), WithCallbacks(p.rec.callbacks())}, opts...)
	p.s = NewSession(conn, remote, opts...)
	if err := p.s.Configure(Settings{DownloadDir: p.dir, FragmentSize: fragmentSize, CorruptionRate: rate}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- p.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		p.s.Close()
		<-done
	})
	return p
}

// connect performs the handshake from a and waits for both sides.
func connect(t *testing.T, a, b *peer) {
	t.Helper()
	if err := a.s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	a.rec.waitStatus(t, "connected", 2*time.Second)
	b.rec.waitStatus(t, "connected", 2*time.Second)
}
