package rudp

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Logger interface for protocol logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// FileLogger writes logs to a file
type FileLogger struct {
	w     io.Writer
	file  *os.File
	mu    sync.Mutex
	debug bool
}

// NewFileLogger creates a logger that appends to the file at path.
// Debug lines are written only when debug is true.
func NewFileLogger(path string, debug bool) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{w: file, file: file, debug: debug}, nil
}

// NewWriterLogger creates a logger that writes to w.
func NewWriterLogger(w io.Writer, debug bool) *FileLogger {
	return &FileLogger{w: w, debug: debug}
}

func (l *FileLogger) log(level, format string, args ...interface{}) {
	if l == nil || l.w == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.w, "[%s] %s: %s\n", timestamp, level, msg)
}

func (l *FileLogger) Debug(format string, args ...interface{}) {
	if l != nil && l.debug {
		l.log("DEBUG", format, args...)
	}
}

func (l *FileLogger) Info(format string, args ...interface{}) {
	l.log("INFO", format, args...)
}

func (l *FileLogger) Error(format string, args ...interface{}) {
	l.log("ERROR", format, args...)
}

func (l *FileLogger) Close() error {
	if l != nil && l.file != nil {
		return l.file.Close()
	}
	return nil
}

// NoopLogger does nothing
type NoopLogger struct{}

func (NoopLogger) Debug(format string, args ...interface{}) {}
func (NoopLogger) Info(format string, args ...interface{})  {}
func (NoopLogger) Error(format string, args ...interface{}) {}

// FormatFrameLog formats a frame for logging with payload truncation
func FormatFrameLog(direction string, f *Frame) string {
	msg := fmt.Sprintf("%s %s (frag=%d, window=%d, crc=%04x)",
		direction, f.Flag, f.FragmentNumber, f.WindowSize, f.Checksum)

	if n := len(f.Payload); n > 0 {
		msg += fmt.Sprintf(", data_size=%d", n)
		if n > 64 {
			msg += fmt.Sprintf(", data=%q...[truncated]", f.Payload[:64])
		} else {
			msg += fmt.Sprintf(", data=%q", f.Payload)
		}
	}
	return msg
}

// LoggingConn wraps a PacketConn and logs every datagram read or written.
type LoggingConn struct {
	PacketConn
	logger Logger
	name   string
}

// NewLoggingConn wraps conn so that traffic is written to logger at debug level.
func NewLoggingConn(conn PacketConn, logger Logger, name string) *LoggingConn {
	return &LoggingConn{PacketConn: conn, logger: logger, name: name}
}

func (lc *LoggingConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, addr, err := lc.PacketConn.ReadFrom(p)
	if n > 0 {
		lc.logger.Debug("%s: read %d bytes from %v", lc.name, n, addr)
	}
	if err != nil && !isTimeout(err) {
		lc.logger.Error("%s: read error: %v", lc.name, err)
	}
	return n, addr, err
}

func (lc *LoggingConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	n, err := lc.PacketConn.WriteTo(p, addr)
	lc.logger.Debug("%s: wrote %d bytes to %v", lc.name, n, addr)
	if err != nil {
		lc.logger.Error("%s: write error: %v", lc.name, err)
	}
	return n, err
}
