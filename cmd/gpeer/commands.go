package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/drunlade/go-rudp/rudp"
)

const commandHelp = `Commands:
  /connect              connect to the peer
  /disconnect           disconnect from the peer
  /file <path>          send a file
  /set <key> <value>    change a setting: fragment, corruption or dir
  /status               show status and settings
  /help                 show this help
  /quit                 leave
Anything else is sent as a text message.`

// result is the outcome of one input line.
type result struct {
	echo   string // own text message, shown like a chat line
	output string
	quit   bool
}

// execute runs one line of user input against the session.
func execute(s *rudp.Session, line string) (result, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return result{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		if err := s.SendText(line); err != nil {
			return result{}, err
		}
		return result{echo: line}, nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "connect":
		if err := s.Connect(); err != nil {
			return result{}, err
		}
		return result{output: "connecting to " + s.Peer().String()}, nil

	case "disconnect":
		if err := s.Disconnect(); err != nil {
			return result{}, err
		}
		return result{output: "disconnecting"}, nil

	case "file", "send":
		if arg == "" {
			return result{}, fmt.Errorf("usage: /file <path>")
		}
		sum, err := fingerprint(arg)
		if err != nil {
			return result{}, err
		}
		if err := s.SendFile(arg); err != nil {
			return result{}, err
		}
		return result{output: fmt.Sprintf("sending %s (blake2b %s)", filepath.Base(arg), sum)}, nil

	case "set":
		return set(s, arg)

	case "status":
		st := s.Settings()
		return result{output: fmt.Sprintf("%s, peer %s, fragment %d bytes, corruption %g%%, downloads in %s",
			s.Status(), s.Peer(), st.FragmentSize, st.CorruptionRate, st.DownloadDir)}, nil

	case "help":
		return result{output: commandHelp}, nil

	case "quit", "exit":
		return result{quit: true}, nil
	}
	return result{}, fmt.Errorf("unknown command /%s, try /help", name)
}

func set(s *rudp.Session, arg string) (result, error) {
	key, value, ok := strings.Cut(arg, " ")
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return result{}, fmt.Errorf("usage: /set <fragment|corruption|dir> <value>")
	}

	st := s.Settings()
	switch key {
	case "fragment":
		n, err := strconv.Atoi(value)
		if err != nil {
			return result{}, fmt.Errorf("fragment size %q: %w", value, err)
		}
		st.FragmentSize = n
	case "corruption":
		rate, err := strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
		if err != nil {
			return result{}, fmt.Errorf("corruption rate %q: %w", value, err)
		}
		st.CorruptionRate = rate
	case "dir":
		st.DownloadDir = value
	default:
		return result{}, fmt.Errorf("unknown setting %q", key)
	}

	if err := s.Configure(st); err != nil {
		return result{}, err
	}
	return result{output: fmt.Sprintf("%s set to %s", key, value)}, nil
}

// describe renders a notification as one line of text. In-flight progress
// and protocol events render as "".
func describe(n rudp.Notification) string {
	switch n.Kind {
	case rudp.NoteStatus:
		return fmt.Sprintf("[%s] %s", n.Status, n.Reason)
	case rudp.NoteText:
		return "peer: " + n.Text
	case rudp.NoteFile:
		if sum, err := fingerprint(n.Path); err == nil {
			return fmt.Sprintf("received file %s (blake2b %s)", n.Path, sum)
		}
		return "received file " + n.Path
	case rudp.NoteSent:
		if n.Sent == rudp.KindFile {
			return "delivered " + n.Text
		}
		return "delivered"
	case rudp.NoteProgress:
		info := n.Transfer
		if !info.Done {
			return ""
		}
		return fmt.Sprintf("%s %s: %d fragments, window %d, %d bytes in %s",
			info.Direction, info.Kind, info.Fragments, info.Window, info.Bytes, info.Elapsed.Round(time.Millisecond))
	case rudp.NoteError:
		return "error: " + n.Err.Error()
	}
	return ""
}

// percent is the delivered share of a transfer.
func percent(info rudp.TransferInfo) float64 {
	if info.Fragments == 0 {
		return 0
	}
	return float64(info.Delivered) / float64(info.Fragments)
}
