package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/drunlade/go-rudp/rudp"
)

// runLines is the plain front end used when stdin is not a terminal: one
// command or message per input line, one notification per output line.
func runLines(ctx context.Context, s *rudp.Session, in io.Reader, out io.Writer) error {
	notes := s.Notifications()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for n := range notes {
			if line := describe(n); line != "" {
				fmt.Fprintln(out, line)
			}
		}
	}()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-printed:
			return nil
		case err := <-readErr:
			if err != nil {
				return err
			}
			return waitIdle(ctx, s)
		case line := <-lines:
			res, err := execute(s, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if res.output != "" {
				fmt.Fprintln(out, res.output)
			}
			if res.quit {
				return nil
			}
		}
	}
}

// waitIdle lets an operation started by the last input lines finish.
func waitIdle(ctx context.Context, s *rudp.Session) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for s.Busy() {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
