package rudp

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newBareSession returns a configured, connected session that is not
// running, for feeding frames through HandleDatagram.
func newBareSession(t *testing.T, fragmentSize int) (*Session, *pipeConn, net.Addr) {
	t.Helper()
	ca, cb := newPipe()
	s := NewSession(ca, cb.local, WithConfig(fastConfig()))
	if err := s.Configure(Settings{DownloadDir: t.TempDir(), FragmentSize: fragmentSize}); err != nil {
		t.Fatalf("Failed to configure: %v", err)
	}
	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()
	t.Cleanup(func() { s.Close() })
	return s, ca, cb.local
}

func lastFrame(t *testing.T, c *pipeConn) *Frame {
	t.Helper()
	frames := c.frames()
	if len(frames) == 0 {
		t.Fatal("Expected a reply, nothing was sent")
	}
	return frames[len(frames)-1]
}

func TestConnectRequiresSettings(t *testing.T) {
	ca, cb := newPipe()
	s := NewSession(ca, cb.local)
	if err := s.Connect(); !IsInvalidConfiguration(err) {
		t.Errorf("Expected invalid configuration, got %v", err)
	}
	if err := s.SendText("hi"); !IsNotConnected(err) {
		t.Errorf("Expected not connected, got %v", err)
	}
}

func TestHandshake(t *testing.T) {
	a, b := newLink(t, 100, 0)
	connect(t, a, b)

	if a.s.Status() != StatusConnected || b.s.Status() != StatusConnected {
		t.Errorf("Expected both connected, got %s and %s", a.s.Status(), b.s.Status())
	}
	if n := a.conn.count(FlagHS1); n != 1 {
		t.Errorf("Expected one HS1, got %d", n)
	}
	if b.conn.count(FlagHS2) != 1 || a.conn.count(FlagHS3) != 1 {
		t.Error("Expected one HS2 and one HS3")
	}
	if err := a.s.Connect(); !IsBusy(err) {
		t.Errorf("Expected a second connect to be rejected, got %v", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	a, b := newLink(t, 100, 0)
	a.conn.setDrop(dropAll)

	start := time.Now()
	if err := a.s.Connect(); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if a.s.Status() != StatusDisconnected || !a.s.Busy() {
		t.Errorf("Expected handshaking to report Disconnected and busy")
	}
	n := a.rec.waitStatus(t, "unable to reach", 2*time.Second)
	if n.status != StatusDisconnected {
		t.Errorf("Expected Disconnected, got %s", n.status)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Gave up after %s, before the retries ran out", elapsed)
	}
	if got := a.conn.count(FlagHS1); got != 3 {
		t.Errorf("Expected 3 HS1 sends, got %d", got)
	}
	if err := waitFor(t, a.rec.errs, time.Second); !IsPeerUnreachable(err) || !IsTimeout(err) {
		t.Errorf("Expected peer unreachable after a timeout, got %v", err)
	}
	if b.s.State() != StateDisconnected {
		t.Errorf("Expected peer to stay disconnected, got %s", b.s.State())
	}
}

func TestSendShortText(t *testing.T) {
	a, b := newLink(t, 100, 0)
	connect(t, a, b)

	if err := a.s.SendText("hi there"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if got := waitFor(t, b.rec.texts, 2*time.Second); got != "hi there" {
		t.Errorf("Expected %q, got %q", "hi there", got)
	}
	if got := waitFor(t, a.rec.sent, 2*time.Second); got != "hi there" {
		t.Errorf("Expected sent notification for the text, got %q", got)
	}
	if a.conn.count(FlagMsg) < 1 || a.conn.count(FlagMsgPar) != 0 {
		t.Error("Expected a single MSG without negotiation")
	}
	if err := a.s.SendText(""); err == nil {
		t.Error("Expected empty text to be rejected")
	}
}

func TestSendLongTextWithCorruption(t *testing.T) {
	ca, cb := newPipe()
	a := startPeer(t, ca, cb.local, 7, 30, WithCodec(NewCodec(0, rand.New(rand.NewSource(7)))))
	b := startPeer(t, cb, ca.local, 7, 30, WithCodec(NewCodec(0, rand.New(rand.NewSource(8)))))
	connect(t, a, b)

	text := strings.Repeat("héllo wörld ✓ ", 60)
	if err := a.s.SendText(text); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if got := waitFor(t, b.rec.texts, 10*time.Second); got != text {
		t.Errorf("Received text differs: %d bytes instead of %d", len(got), len(text))
	}
	waitFor(t, a.rec.sent, 5*time.Second)
	if a.conn.count(FlagMsgPar) < 1 || a.conn.count(FlagMsgFrag) < 1 {
		t.Error("Expected a negotiated fragmented transfer")
	}
	if b.conn.count(FlagMsgReq) == 0 {
		t.Error("Expected corrupted fragments to be requested again")
	}
}

func TestSendFile(t *testing.T) {
	a, b := newLink(t, 100, 10)
	connect(t, a, b)
	a.conn.setDrop(dropEvery(7))
	b.conn.setDrop(dropEvery(11))

	content := make([]byte, 20000)
	rand.New(rand.NewSource(3)).Read(content)
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	if err := a.s.SendFile(path); err != nil {
		t.Fatalf("Failed to send file: %v", err)
	}
	got := waitFor(t, b.rec.files, 20*time.Second)
	if got != filepath.Join(b.dir, "data.bin") {
		t.Errorf("Unexpected path %s", got)
	}
	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("Failed to read received file: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("Received file differs")
	}
	if name := waitFor(t, a.rec.sent, 5*time.Second); name != "data.bin" {
		t.Errorf("Expected sent notification for data.bin, got %q", name)
	}
	assertOnlyFiles(t, b.dir, "data.bin")

	if a.s.Busy() || b.s.Busy() {
		t.Error("Expected both sides idle after the transfer")
	}
}

func TestSendEmptyFile(t *testing.T) {
	a, b := newLink(t, 100, 0)
	connect(t, a, b)

	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := a.s.SendFile(path); err != nil {
		t.Fatalf("Failed to send file: %v", err)
	}
	got := waitFor(t, b.rec.files, 5*time.Second)
	info, err := os.Stat(got)
	if err != nil || info.Size() != 0 {
		t.Errorf("Expected an empty file, got %v (%v)", info, err)
	}
	if a.conn.count(FlagDataPar) < 1 {
		t.Error("Expected the file to be negotiated")
	}
}

func TestSendFileRejectsDirectory(t *testing.T) {
	a, b := newLink(t, 100, 0)
	connect(t, a, b)
	if err := a.s.SendFile(t.TempDir()); err == nil {
		t.Error("Expected a directory to be rejected")
	}
	if a.s.Busy() {
		t.Error("Rejected send left the session busy")
	}
}

func TestBusyRejection(t *testing.T) {
	a, b := newLink(t, 100, 0)
	connect(t, a, b)
	b.conn.setDrop(dropAll)

	if err := a.s.SendText(strings.Repeat("x", 500)); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if a.s.Status() != StatusBusy {
		t.Errorf("Expected Busy, got %s", a.s.Status())
	}
	if err := a.s.SendText("second"); !IsBusy(err) {
		t.Errorf("Expected busy rejection, got %v", err)
	}
	if err := a.s.Disconnect(); !IsBusy(err) {
		t.Errorf("Expected busy rejection, got %v", err)
	}
	if err := a.s.Configure(Settings{DownloadDir: a.dir, FragmentSize: 10}); !IsBusy(err) {
		t.Errorf("Expected busy rejection, got %v", err)
	}

	a.rec.waitStatus(t, "parameters not delivered", 2*time.Second)
	if got := a.conn.count(FlagMsgPar); got != 3 {
		t.Errorf("Expected 3 MSG_PAR sends, got %d", got)
	}
	if a.s.State() != StateDisconnected {
		t.Errorf("Expected Disconnected, got %s", a.s.State())
	}
}

func TestMessageNotDelivered(t *testing.T) {
	a, b := newLink(t, 100, 0)
	connect(t, a, b)
	b.conn.setDrop(dropAll)

	if err := a.s.SendText("lost"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	a.rec.waitStatus(t, "message not delivered", 2*time.Second)
	if got := a.conn.count(FlagMsg); got != 3 {
		t.Errorf("Expected 3 MSG sends, got %d", got)
	}
}

func TestDisconnect(t *testing.T) {
	a, b := newLink(t, 100, 0)
	connect(t, a, b)

	if err := a.s.Disconnect(); err != nil {
		t.Fatalf("Failed to disconnect: %v", err)
	}
	a.rec.waitStatus(t, "disconnected", 2*time.Second)
	b.rec.waitStatus(t, "peer disconnected", 2*time.Second)
	if a.s.State() != StateDisconnected || b.s.State() != StateDisconnected {
		t.Errorf("Expected both disconnected, got %s and %s", a.s.State(), b.s.State())
	}

	// The link can be established again.
	connect(t, b, a)
}

func TestDisconnectPeerGone(t *testing.T) {
	a, b := newLink(t, 100, 0)
	connect(t, a, b)
	b.conn.setDrop(dropAll)

	if err := a.s.Disconnect(); err != nil {
		t.Fatalf("Failed to disconnect: %v", err)
	}
	if a.s.Status() != StatusBusy {
		t.Errorf("Expected Busy while disconnecting, got %s", a.s.Status())
	}
	a.rec.waitStatus(t, "peer not reached", 2*time.Second)
	if got := a.conn.count(FlagExit); got != 3 {
		t.Errorf("Expected 3 EXIT sends, got %d", got)
	}
}

func TestKeepaliveKeepsIdleLinkUp(t *testing.T) {
	a, b := newLink(t, 100, 0)
	connect(t, a, b)

	time.Sleep(800 * time.Millisecond)
	if a.conn.count(FlagKeepalive)+b.conn.count(FlagKeepalive) == 0 {
		t.Error("Expected keepalive probes on an idle link")
	}
	if a.s.State() != StateConnected || b.s.State() != StateConnected {
		t.Errorf("Expected both connected, got %s and %s", a.s.State(), b.s.State())
	}
}

func TestKeepaliveFailure(t *testing.T) {
	a, b := newLink(t, 100, 0)
	connect(t, a, b)
	b.conn.setDrop(dropAll)

	n := a.rec.waitStatus(t, "peer disconnected", 3*time.Second)
	if n.status != StatusDisconnected {
		t.Errorf("Expected Disconnected, got %s", n.status)
	}
	if got := a.conn.count(FlagKeepalive); got != 3 {
		t.Errorf("Expected 3 keepalive probes, got %d", got)
	}
	if err := waitFor(t, a.rec.errs, time.Second); !IsPeerUnreachable(err) || !IsTimeout(err) {
		t.Errorf("Expected peer unreachable after a keepalive timeout, got %v", err)
	}
}

func TestTransferWatchdog(t *testing.T) {
	a, b := newLink(t, 10, 0)
	connect(t, a, b)

	// The receiver goes silent right after accepting the transfer.
	b.conn.setDrop(func(data []byte) bool { return Flag(data[offFlags]) != FlagDataParAck })

	path := filepath.Join(t.TempDir(), "big.bin")
	if err := os.WriteFile(path, make([]byte, 2000), 0644); err != nil {
		t.Fatal(err)
	}
	if err := a.s.SendFile(path); err != nil {
		t.Fatalf("Failed to send file: %v", err)
	}
	b.rec.waitStatus(t, "receiving file", 2*time.Second)

	a.rec.waitStatus(t, "peer disconnected", 3*time.Second)
	b.rec.waitStatus(t, "peer disconnected", 3*time.Second)
	if got := a.conn.count(FlagKeepalive); got != 3 {
		t.Errorf("Expected 3 keepalive probes, got %d", got)
	}
	assertOnlyFiles(t, b.dir)
}

func TestStrangerIgnored(t *testing.T) {
	s, conn, _ := newBareSession(t, 100)
	s.HandleDatagram(pipeAddr("mallory"), Encode(FlagKeepalive, 0, 0, nil))
	if len(conn.frames()) != 0 {
		t.Error("Answered a datagram from another address")
	}
}

func TestUnconfiguredIgnoresFrames(t *testing.T) {
	ca, cb := newPipe()
	s := NewSession(ca, cb.local)
	s.HandleDatagram(cb.local, Encode(FlagHS1, 0, 0, nil))
	if len(ca.frames()) != 0 {
		t.Error("Unconfigured session answered HS1")
	}
}

func TestMalformedAndUnknownDropped(t *testing.T) {
	s, conn, from := newBareSession(t, 100)
	s.HandleDatagram(from, []byte{0x80, 0, 0})
	s.HandleDatagram(from, Encode(Flag(0x01), 0, 0, nil))
	if len(conn.frames()) != 0 {
		t.Error("Answered a malformed or unknown frame")
	}
	if s.State() != StateConnected {
		t.Errorf("Expected state to be untouched, got %s", s.State())
	}
}

func TestInboundMessage(t *testing.T) {
	s, conn, from := newBareSession(t, 100)

	bad := Encode(FlagMsg, 0, 0, []byte("hello"))
	bad[HeaderSize] = 'j'
	s.HandleDatagram(from, bad)
	if f := lastFrame(t, conn); f.Flag != FlagMsgReq {
		t.Errorf("Expected MSG_REQ for a corrupted message, got %s", f.Flag)
	}

	s.HandleDatagram(from, Encode(FlagMsg, 0, 0, []byte("hello")))
	if f := lastFrame(t, conn); f.Flag != FlagMsgAck {
		t.Errorf("Expected MSG_ACK, got %s", f.Flag)
	}
}

func TestInboundParameters(t *testing.T) {
	s, conn, from := newBareSession(t, 100)

	bad := Encode(FlagDataPar, 9, 4, []byte("notes.txt"))
	bad[HeaderSize] ^= 0xFF
	s.HandleDatagram(from, bad)
	if f := lastFrame(t, conn); f.Flag != FlagDataParReq {
		t.Fatalf("Expected DATA_PAR_REQ, got %s", f.Flag)
	}
	if s.Busy() {
		t.Fatal("Corrupted parameters started a transfer")
	}

	par := Encode(FlagDataPar, 9, 4, []byte("../../notes.txt"))
	s.HandleDatagram(from, par)
	f := lastFrame(t, conn)
	if f.Flag != FlagDataParAck || f.FragmentNumber != 9 || f.WindowSize != 4 {
		t.Fatalf("Expected DATA_PAR_ACK 9/4, got %s %d/%d", f.Flag, f.FragmentNumber, f.WindowSize)
	}
	if !s.Busy() || s.Status() != StatusBusy {
		t.Fatal("Expected the session to be busy receiving")
	}
	if s.in.name != "notes.txt" {
		t.Errorf("Expected the remote path to be reduced to its base name, got %q", s.in.name)
	}

	// A repeated PAR is acknowledged again.
	conn.reset()
	s.HandleDatagram(from, par)
	if f := lastFrame(t, conn); f.Flag != FlagDataParAck {
		t.Errorf("Expected a repeated DATA_PAR_ACK, got %s", f.Flag)
	}

	// Other parameters are dropped while busy.
	conn.reset()
	s.HandleDatagram(from, Encode(FlagMsgPar, 5, 2, nil))
	if len(conn.frames()) != 0 {
		t.Error("Answered new parameters while busy")
	}
}

func TestParameterRequestsDoNotSpendRetries(t *testing.T) {
	s, conn, from := newBareSession(t, 10)
	cfg := fastConfig()

	if err := s.SendText(strings.Repeat("x", 95)); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	// Ask for the parameters again twice per retry interval, for far longer
	// than the retry budget would last without requests.
	req := Encode(FlagMsgParReq, 9, 0, nil)
	ticker := time.NewTicker(cfg.RetryInterval / 2)
	defer ticker.Stop()
	for i := 0; i < 4*cfg.MaxRetries; i++ {
		<-ticker.C
		s.HandleDatagram(from, req)
	}

	if s.State() != StateConnected || !s.Busy() {
		t.Fatalf("Expected a connected, busy session, got %s busy=%v", s.State(), s.Busy())
	}
	if n := conn.count(FlagMsgPar); n <= cfg.MaxRetries {
		t.Errorf("Expected more than %d MSG_PAR sends, got %d", cfg.MaxRetries, n)
	}
}

func TestFragmentRequestResendsImmediately(t *testing.T) {
	s, conn, from := newBareSession(t, 10)

	content := make([]byte, 100)
	for i := range content {
		content[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.SendFile(path); err != nil {
		t.Fatalf("Failed to send file: %v", err)
	}
	s.HandleDatagram(from, Encode(FlagDataParAck, 9, 4, nil))

	// Fragment 8 is outside the window [0, 4) and has never been sent.
	conn.reset()
	s.HandleDatagram(from, Encode(FlagDataReq, 8, 0, nil))
	var resent *Frame
	for _, f := range conn.frames() {
		if f.Flag == FlagData && f.FragmentNumber == 8 {
			resent = f
		}
	}
	if resent == nil {
		t.Fatal("Expected DATA 8 to be sent right away")
	}
	if !bytes.Equal(resent.Payload, content[80:90]) {
		t.Errorf("Unexpected payload for fragment 8: %v", resent.Payload)
	}

	// Indices past the last fragment are ignored.
	conn.reset()
	s.HandleDatagram(from, Encode(FlagDataReq, 20, 0, nil))
	for _, f := range conn.frames() {
		if f.FragmentNumber == 20 {
			t.Errorf("Answered a request for a fragment that does not exist: %s", f.Flag)
		}
	}
}

func TestSendFileTooManyFragments(t *testing.T) {
	s, conn, _ := newBareSession(t, 1)

	// A sparse file needing more fragments than the fragment number holds.
	path := filepath.Join(t.TempDir(), "huge.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(MaxFragments + 1); err != nil {
		f.Close()
		t.Skipf("Cannot create a sparse file here: %v", err)
	}
	f.Close()

	if err := s.SendFile(path); !IsInvalidInput(err) {
		t.Fatalf("Expected invalid input, got %v", err)
	}
	if s.Busy() || len(conn.frames()) != 0 {
		t.Error("A rejected file started a transfer")
	}
}

func TestExitDuringTransfer(t *testing.T) {
	s, conn, from := newBareSession(t, 100)
	dir := s.Settings().DownloadDir

	s.HandleDatagram(from, Encode(FlagDataPar, 3, 1, []byte("f.bin")))
	s.HandleDatagram(from, Encode(FlagData, 0, 0, []byte("part")))
	if f := lastFrame(t, conn); f.Flag != FlagDataAck || f.FragmentNumber != 0 {
		t.Fatalf("Expected DATA_ACK 0, got %s %d", f.Flag, f.FragmentNumber)
	}

	s.HandleDatagram(from, Encode(FlagExit, 0, 0, nil))
	if f := lastFrame(t, conn); f.Flag != FlagExitAck {
		t.Errorf("Expected EXIT_ACK, got %s", f.Flag)
	}
	if s.State() != StateDisconnected || s.Busy() {
		t.Errorf("Expected Disconnected and idle, got %s busy=%v", s.State(), s.Busy())
	}
	assertOnlyFiles(t, dir)

	conn.reset()
	s.HandleDatagram(from, Encode(FlagData, 1, 0, []byte("more")))
	if len(conn.frames()) != 0 {
		t.Error("Answered a fragment while disconnected")
	}
}

func TestHandshakeResponder(t *testing.T) {
	s, conn, from := newBareSession(t, 100)
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()

	s.HandleDatagram(from, Encode(FlagHS1, 0, 0, nil))
	if f := lastFrame(t, conn); f.Flag != FlagHS2 {
		t.Fatalf("Expected HS2, got %s", f.Flag)
	}
	if s.State() != StateDisconnected {
		t.Errorf("HS1 alone changed the state to %s", s.State())
	}
	s.HandleDatagram(from, Encode(FlagHS3, 0, 0, nil))
	if s.State() != StateConnected {
		t.Errorf("Expected Connected after HS3, got %s", s.State())
	}
}

func TestLoopbackUDP(t *testing.T) {
	ua, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ub, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	recA, recB := newRecorder(), newRecorder()
	a := NewSession(ua, ub.LocalAddr(), WithConfig(fastConfig()), WithCallbacks(recA.callbacks()))
	b := NewSession(ub, ua.LocalAddr(), WithConfig(fastConfig()), WithCallbacks(recB.callbacks()))
	for _, s := range []*Session{a, b} {
		if err := s.Configure(Settings{DownloadDir: t.TempDir(), FragmentSize: 512, CorruptionRate: 5}); err != nil {
			t.Fatalf("Failed to configure: %v", err)
		}
		done := make(chan error, 1)
		ctx, cancel := context.WithCancel(context.Background())
		go func(s *Session) { done <- s.Run(ctx) }(s)
		t.Cleanup(func() {
			cancel()
			s.Close()
			<-done
		})
	}

	if err := a.Connect(); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	recB.waitStatus(t, "connected", 2*time.Second)

	text := strings.Repeat("over real sockets ", 200)
	if err := a.SendText(text); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if got := waitFor(t, recB.texts, 10*time.Second); got != text {
		t.Errorf("Received text differs: %d bytes instead of %d", len(got), len(text))
	}
}
