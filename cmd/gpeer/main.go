package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/drunlade/go-rudp/rudp"
)

var (
	local        = flag.String("local", ":5000", "local UDP address to listen on")
	peerAddr     = flag.String("peer", "127.0.0.1:5001", "UDP address of the peer")
	downloadDir  = flag.String("download-dir", ".", "directory for received files")
	fragmentSize = flag.Int("fragment-size", 1024, "fragment payload size in bytes (1-1449)")
	corruption   = flag.Float64("corruption", 0, "percentage of outgoing frames to corrupt (0-50)")
	logFile      = flag.String("log", "", "write the protocol log to this file")
	debug        = flag.Bool("debug", false, "log every frame")
	tos          = flag.Int("tos", 0, "IPv4 type-of-service byte for outgoing datagrams")
	plain        = flag.Bool("plain", false, "line mode even on a terminal")
	help         = flag.Bool("h", false, "show help")
	version      = flag.Bool("version", false, "show version")
)

const versionString = "gpeer version 0.1.0"

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	interactive := !*plain && term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))

	// The terminal belongs to the UI, so the log only goes to a file there.
	var logger rudp.Logger = rudp.NoopLogger{}
	if *logFile != "" {
		fl, err := rudp.NewFileLogger(*logFile, *debug)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log %s: %v\n", *logFile, err)
			os.Exit(1)
		}
		defer fl.Close()
		logger = fl
	} else if !interactive && *debug {
		logger = rudp.NewWriterLogger(os.Stderr, true)
	}

	peer, err := rudp.ResolvePeer(*peerAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	udp, err := rudp.ListenUDP(*local)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *tos != 0 {
		if err := rudp.SetTOS(udp, *tos); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	var conn rudp.PacketConn = udp
	if *debug {
		conn = rudp.NewLoggingConn(udp, logger, udp.LocalAddr().String())
	}

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	session := rudp.NewSession(conn, peer, rudp.WithLogger(logger))
	settings := rudp.Settings{
		DownloadDir:    *downloadDir,
		FragmentSize:   *fragmentSize,
		CorruptionRate: *corruption,
	}
	if err := session.Configure(settings); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		udp.Close()
		os.Exit(1)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	if interactive {
		width, height, err := term.GetSize(int(os.Stdout.Fd()))
		if err != nil {
			width, height = 80, 24
		}
		err = runTUI(ctx, session, width, height)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	} else {
		fmt.Printf("listening on %s, peer %s\n", udp.LocalAddr(), peer)
		if err := runLines(ctx, session, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	// Say goodbye to a connected peer before closing the socket.
	if session.Status() == rudp.StatusConnected {
		session.Disconnect()
		waitIdle(ctx, session)
	}
	session.Close()
	if err := <-runErr; err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func signalContext(sigChan chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - chat and send files to a peer over UDP

Usage: %s [options]

Options:
  -local ADDR           local address to listen on (default: :5000)
  -peer ADDR            address of the peer (default: 127.0.0.1:5001)
  -download-dir DIR     directory for received files (default: .)
  -fragment-size N      fragment payload size, 1-1449 bytes (default: 1024)
  -corruption P         corrupt P%% of outgoing frames, 0-50 (default: 0)
  -log FILE             write the protocol log to FILE
  -debug                log every frame
  -tos N                IPv4 type-of-service byte for outgoing datagrams
  -plain                line mode even on a terminal
  -h                    show this help message
  -version              show version

Examples:
  %s -local :5000 -peer 127.0.0.1:5001
  %s -local :5001 -peer 127.0.0.1:5000 -download-dir /tmp -corruption 10

`, versionString, os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
