package rudp

import (
	"bytes"
	"os"
	"path/filepath"
	"time"
)

// fragmentSink receives the payload of an inbound transfer in order.
type fragmentSink interface {
	Write(p []byte) (int, error)

	// commit finishes the transfer and returns the text or the final path.
	commit() (string, error)

	// abort discards everything written so far.
	abort()
}

// textSink assembles a text message. The bytes are decoded once at the end
// so that multi-byte characters may straddle fragment boundaries.
type textSink struct {
	buf bytes.Buffer
}

func (t *textSink) Write(p []byte) (int, error) { return t.buf.Write(p) }
func (t *textSink) commit() (string, error)     { return t.buf.String(), nil }
func (t *textSink) abort()                      { t.buf.Reset() }

// fileSink writes to a hidden temporary file in the download directory and
// renames it into place on commit. An aborted transfer leaves nothing behind.
type fileSink struct {
	file *os.File
	path string
}

func newFileSink(dir, name string) (*fileSink, error) {
	file, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		return nil, WrapError(ErrIO, "create temporary file", err)
	}
	return &fileSink{file: file, path: filepath.Join(dir, name)}, nil
}

func (f *fileSink) Write(p []byte) (int, error) {
	n, err := f.file.Write(p)
	if err != nil {
		return n, WrapError(ErrIO, "write "+f.file.Name(), err)
	}
	return n, nil
}

func (f *fileSink) commit() (string, error) {
	tmp := f.file.Name()
	if err := f.file.Sync(); err != nil {
		f.abort()
		return "", WrapError(ErrIO, "sync "+tmp, err)
	}
	if err := f.file.Close(); err != nil {
		os.Remove(tmp)
		return "", WrapError(ErrIO, "close "+tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return "", WrapError(ErrIO, "rename to "+f.path, err)
	}
	return f.path, nil
}

func (f *fileSink) abort() {
	f.file.Close()
	os.Remove(f.file.Name())
}

// reply is an ack or request produced by an inbound transfer.
type reply struct {
	flag  Flag
	index uint32
}

// inboundTransfer is the receiver side of a fragmented transfer.
//
// Fragments at or above base are buffered until base arrives, then drained
// into the sink in order. A gap is requested once per base and repeated only
// after more than threshold silent arrivals. Duplicates below base are
// dropped; after more than threshold of them the cumulative ack is repeated,
// which recovers a lost ack. Once complete, every duplicate is answered with
// the final ack.
type inboundTransfer struct {
	kind   TransferKind
	flags  transferFlags
	name   string
	last   uint32
	window uint16

	base          int64
	buffer        map[uint32][]byte
	lastRequested int64
	stale         int
	dups          int
	threshold     int

	sink     fragmentSink
	progress *ProgressTracker
}

func newInboundTransfer(kind TransferKind, name string, last uint32, window uint16, sink fragmentSink, threshold int, interval time.Duration) *inboundTransfer {
	return &inboundTransfer{
		kind:          kind,
		flags:         kindFlags[kind],
		name:          name,
		last:          last,
		window:        window,
		buffer:        make(map[uint32][]byte),
		lastRequested: -1,
		threshold:     threshold,
		sink:          sink,
		progress:      NewProgressTracker(kind, Inbound, name, last+1, window, interval),
	}
}

func (t *inboundTransfer) complete() bool {
	return t.base > int64(t.last)
}

// matches reports whether a parameter frame describes this transfer.
func (t *inboundTransfer) matches(kind TransferKind, f *Frame) bool {
	return t.kind == kind && t.last == f.FragmentNumber && t.window == f.WindowSize
}

// receive applies one fragment frame. It returns the reply to send, if
// any, and a sink error, which aborts the transfer.
func (t *inboundTransfer) receive(f *Frame) (reply, bool, error) {
	i := int64(f.FragmentNumber)
	if i > int64(t.last) {
		return reply{}, false, nil
	}

	if i < t.base {
		// Not silent: repeat the cumulative ack so a lost one cannot stall the sender.
		t.dups++
		if t.complete() || t.dups > t.threshold {
			t.dups = 0
			return reply{t.flags.ack, uint32(t.base - 1)}, true, nil
		}
		return reply{}, false, nil
	}

	if !f.Valid() {
		return reply{t.flags.req, f.FragmentNumber}, true, nil
	}

	if _, ok := t.buffer[f.FragmentNumber]; !ok {
		t.buffer[f.FragmentNumber] = append([]byte(nil), f.Payload...)
	}

	if _, ok := t.buffer[uint32(t.base)]; ok {
		for !t.complete() {
			p, ok := t.buffer[uint32(t.base)]
			if !ok {
				break
			}
			delete(t.buffer, uint32(t.base))
			if _, err := t.sink.Write(p); err != nil {
				return reply{}, false, err
			}
			t.progress.AddBytes(len(p))
			t.base++
		}
		t.dups = 0
		return reply{t.flags.ack, uint32(t.base - 1)}, true, nil
	}

	if t.lastRequested < t.base || t.stale > t.threshold {
		t.lastRequested = t.base
		t.stale = 0
		return reply{t.flags.req, uint32(t.base)}, true, nil
	}
	t.stale++
	return reply{}, false, nil
}

func (t *inboundTransfer) abort() {
	if !t.complete() {
		t.sink.abort()
	}
}

// handleMessageLocked processes an unfragmented MSG frame.
func (s *Session) handleMessageLocked(f *Frame) {
	if !f.Valid() {
		s.sendLocked(FlagMsgReq, 0, 0, nil)
		return
	}
	s.sendLocked(FlagMsgAck, 0, 0, nil)
	text := string(f.Payload)
	s.logger.Info("received message of %d bytes", len(f.Payload))
	s.notes.push(Notification{Kind: NoteText, Text: text})
}

// handleParametersLocked routes the PAR, PAR_ACK and PAR_REQ frames of kind.
func (s *Session) handleParametersLocked(kind TransferKind, f *Frame) {
	flags := kindFlags[kind]
	switch f.Flag {
	case flags.par:
		s.acceptParametersLocked(kind, f)
	case flags.parAck:
		s.parametersAckedLocked(kind, f)
	case flags.parReq:
		if s.out != nil && s.out.kind == kind {
			s.requestResendLocked(exchParameters)
		}
	}
}

// acceptParametersLocked answers a parameter frame and, when it is valid
// and the session is idle, creates the inbound transfer.
func (s *Session) acceptParametersLocked(kind TransferKind, f *Frame) {
	flags := kindFlags[kind]

	// Our PAR_ACK was lost and the sender repeats itself.
	if in := s.in; in != nil && in.matches(kind, f) {
		if f.Valid() {
			s.sendLocked(flags.parAck, f.FragmentNumber, f.WindowSize, nil)
		}
		return
	}
	if s.busy {
		s.logger.Debug("%s dropped: busy", f.Flag)
		s.event(EventFrameDropped, f.Flag, f.FragmentNumber, "busy")
		return
	}
	if !f.Valid() {
		s.sendLocked(flags.parReq, f.FragmentNumber, 0, nil)
		return
	}
	if f.WindowSize == 0 {
		s.logger.Error("%s with zero window ignored", f.Flag)
		return
	}

	var (
		name string
		sink fragmentSink
	)
	if kind == KindFile {
		name = filepath.Base(string(f.Payload))
		if name == "." || name == ".." || name == string(filepath.Separator) {
			s.notifyError(NewFrameError(ErrInvalidInput, "unusable file name "+string(f.Payload), f.Flag))
			return
		}
		fs, err := newFileSink(s.settings.DownloadDir, name)
		if err != nil {
			s.notifyError(err)
			return
		}
		sink = fs
	} else {
		sink = &textSink{}
	}

	t := newInboundTransfer(kind, name, f.FragmentNumber, f.WindowSize, sink,
		s.config.StaleThreshold, s.config.ProgressInterval)
	s.in = t
	s.done = nil
	s.busy = true
	s.idle = 0
	s.sendLocked(flags.parAck, f.FragmentNumber, f.WindowSize, nil)

	s.logger.Info("%s %s %q: %d fragments, window %d, transfer %s",
		f.Flag, kind, name, f.FragmentNumber+1, f.WindowSize, t.progress.ID())
	s.event(EventTransferStart, f.Flag, f.FragmentNumber, t.progress.ID().String())
	s.report("receiving " + kind.String())
}

// handleFragmentLocked feeds a fragment to the inbound transfer of kind, or
// to the last completed one so that lost final acks are repeated.
func (s *Session) handleFragmentLocked(kind TransferKind, f *Frame) {
	t := s.in
	if t == nil {
		t = s.done
	}
	if t == nil || t.kind != kind {
		s.event(EventFrameDropped, f.Flag, f.FragmentNumber, "no transfer")
		return
	}

	r, ok, err := t.receive(f)
	if err != nil {
		s.sendLocked(FlagExit, 0, 0, nil)
		s.dropLocked("transfer aborted", err)
		return
	}
	if ok {
		s.sendLocked(r.flag, r.index, 0, nil)
	}
	if t != s.in {
		return
	}
	if t.complete() {
		s.finishInboundLocked(t)
		return
	}
	if info, ok := t.progress.Update(uint32(t.base)); ok {
		s.notes.push(Notification{Kind: NoteProgress, Transfer: info})
	}
}

func (s *Session) finishInboundLocked(t *inboundTransfer) {
	s.in = nil
	result, err := t.sink.commit()
	if err != nil {
		s.sendLocked(FlagExit, 0, 0, nil)
		s.dropLocked("transfer aborted", err)
		return
	}
	s.done = t
	s.busy = false
	s.idle = 0

	info := t.progress.Complete()
	s.logger.Info("received %s %q: %d fragments, window %d, %d bytes in %s",
		t.kind, t.name, info.Fragments, info.Window, info.Bytes, info.Elapsed.Round(time.Millisecond))
	s.event(EventTransferComplete, t.flags.frag, t.last, info.ID.String())
	s.notes.push(Notification{Kind: NoteProgress, Transfer: info})

	if t.kind == KindFile {
		s.notes.push(Notification{Kind: NoteFile, Path: result})
	} else {
		s.notes.push(Notification{Kind: NoteText, Text: result})
	}
	s.report(t.kind.String() + " received")
}
