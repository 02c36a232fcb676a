// Package rudp implements a reliable peer-to-peer transport on top of UDP.
//
// Two peers establish a session with a three-way handshake, monitor each
// other with keepalive probes and exchange text messages and files. Large
// payloads are split into fragments that travel in a fixed-size sliding
// window with cumulative acknowledgements and receiver driven gap requests.
// Every datagram carries a CRC-16/CCITT-FALSE checksum of its payload.
//
// The package is designed as a library: a front end (terminal UI, CLI or
// GUI) owns the socket and the user input, and drives the Session through a
// small API while receiving notifications through Callbacks.
package rudp

import (
	"fmt"
	"time"
)

// Wire format sizes
const (
	// HeaderSize is the length of the fixed frame header
	HeaderSize = 9

	// MaxDatagramSize bounds a whole encoded frame
	MaxDatagramSize = 1500

	// MaxFragmentSize is the largest payload a user may configure.
	// It leaves headroom below MaxDatagramSize for the header.
	MaxFragmentSize = 1449

	// MinFragmentSize is the smallest payload a user may configure
	MinFragmentSize = 1

	// MaxCorruptionRate is the highest simulated corruption percentage
	MaxCorruptionRate = 50

	// MaxWindowSize is the largest window the 16-bit header field can carry
	MaxWindowSize = 65535
)

// Flag identifies the kind of a frame. It is a closed enumeration: only the
// constants below are legal and callers must not combine them.
type Flag uint8

// Handshake flags
const (
	FlagHS1 Flag = 0x80 // connection request
	FlagHS2 Flag = 0x88 // connection request acknowledged
	FlagHS3 Flag = 0x89 // acknowledgement of HS2, both sides connected
)

// Exit flags
const (
	FlagExit    Flag = 0x40
	FlagExitAck Flag = 0x48
)

// Keepalive flags
const (
	FlagKeepalive    Flag = 0x20
	FlagKeepaliveAck Flag = 0x28
)

// Text message flags
const (
	FlagMsg       Flag = 0x12 // unfragmented text message
	FlagMsgAck    Flag = 0x1A // ack of a message or of a text fragment
	FlagMsgReq    Flag = 0x16 // resend request for a message or text fragment
	FlagMsgPar    Flag = 0x92 // text transfer parameters
	FlagMsgParAck Flag = 0x9A
	FlagMsgParReq Flag = 0x96
	FlagMsgFrag   Flag = 0x13 // text fragment
)

// File data flags
const (
	FlagData       Flag = 0x10 // file fragment
	FlagDataAck    Flag = 0x18
	FlagDataReq    Flag = 0x14
	FlagDataPar    Flag = 0x90 // file transfer parameters, payload is the file name
	FlagDataParAck Flag = 0x98
	FlagDataParReq Flag = 0x94
)

// Category groups flags by the part of the protocol that handles them.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryHandshake
	CategoryExit
	CategoryKeepalive
	CategoryText
	CategoryTextParameters
	CategoryFragment
	CategoryFileData
	CategoryFileParameters
)

// Role is the sub-role of a flag inside its category.
type Role int

const (
	RolePlain Role = iota
	RoleAck
	RoleRequest
)

type flagInfo struct {
	name     string
	category Category
	role     Role
}

// flagTable is the complete encode/decode mapping. A byte that is not a key
// here is not a valid flag.
var flagTable = map[Flag]flagInfo{
	FlagHS1:          {"HS1", CategoryHandshake, RolePlain},
	FlagHS2:          {"HS2", CategoryHandshake, RoleAck},
	FlagHS3:          {"HS3", CategoryHandshake, RoleAck},
	FlagExit:         {"EXIT", CategoryExit, RolePlain},
	FlagExitAck:      {"EXIT_ACK", CategoryExit, RoleAck},
	FlagKeepalive:    {"KEEPALIVE", CategoryKeepalive, RolePlain},
	FlagKeepaliveAck: {"KEEPALIVE_ACK", CategoryKeepalive, RoleAck},
	FlagMsg:          {"MSG", CategoryText, RolePlain},
	FlagMsgAck:       {"MSG_ACK", CategoryText, RoleAck},
	FlagMsgReq:       {"MSG_REQ", CategoryText, RoleRequest},
	FlagMsgPar:       {"MSG_PAR", CategoryTextParameters, RolePlain},
	FlagMsgParAck:    {"MSG_PAR_ACK", CategoryTextParameters, RoleAck},
	FlagMsgParReq:    {"MSG_PAR_REQ", CategoryTextParameters, RoleRequest},
	FlagMsgFrag:      {"MSG_FRAG", CategoryFragment, RolePlain},
	FlagData:         {"DATA", CategoryFileData, RolePlain},
	FlagDataAck:      {"DATA_ACK", CategoryFileData, RoleAck},
	FlagDataReq:      {"DATA_REQ", CategoryFileData, RoleRequest},
	FlagDataPar:      {"DATA_PAR", CategoryFileParameters, RolePlain},
	FlagDataParAck:   {"DATA_PAR_ACK", CategoryFileParameters, RoleAck},
	FlagDataParReq:   {"DATA_PAR_REQ", CategoryFileParameters, RoleRequest},
}

// Valid reports whether f is one of the enumerated flags.
func (f Flag) Valid() bool {
	_, ok := flagTable[f]
	return ok
}

// String returns the protocol name of the flag, or "UNKNOWN(0x..)".
func (f Flag) String() string {
	if info, ok := flagTable[f]; ok {
		return info.name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(f))
}

// Category returns the category of the flag.
func (f Flag) Category() Category {
	return flagTable[f].category
}

// Role returns the role of the flag. Unknown flags report RolePlain.
func (f Flag) Role() Role {
	return flagTable[f].role
}

// TransferKind distinguishes the two bulk payload types.
type TransferKind int

const (
	KindText TransferKind = iota
	KindFile
)

func (k TransferKind) String() string {
	if k == KindFile {
		return "file"
	}
	return "text"
}

// transferFlags is the flag set used by one kind of transfer.
type transferFlags struct {
	par, parAck, parReq Flag
	frag, ack, req      Flag
}

var kindFlags = map[TransferKind]transferFlags{
	KindText: {FlagMsgPar, FlagMsgParAck, FlagMsgParReq, FlagMsgFrag, FlagMsgAck, FlagMsgReq},
	KindFile: {FlagDataPar, FlagDataParAck, FlagDataParReq, FlagData, FlagDataAck, FlagDataReq},
}

// Default protocol timings. See Config.
const (
	DefaultRetryInterval    = 500 * time.Millisecond
	DefaultMaxRetries       = 3
	DefaultTick             = 100 * time.Millisecond
	DefaultKeepaliveIdle    = 5 * time.Second
	DefaultKeepaliveTimeout = 5 * time.Second
	DefaultReadTimeout      = 100 * time.Millisecond
	DefaultStaleThreshold   = 15
)

// MaxFragments is the number of fragments the 32-bit fragment number can
// address.
const MaxFragments int64 = 1 << 32

// FragmentLayout computes how a payload of size bytes is split.
// The result always describes at least one fragment so that empty files
// still produce a transfer. Payloads needing more than MaxFragments
// fragments are rejected with ErrInvalidInput.
func FragmentLayout(size int64, fragmentSize int) (lastIndex uint32, window uint16, err error) {
	if fragmentSize < MinFragmentSize {
		return 0, 0, NewError(ErrInvalidInput, fmt.Sprintf("fragment size %d", fragmentSize))
	}
	count := int64(1)
	if size > 0 {
		count = (size + int64(fragmentSize) - 1) / int64(fragmentSize)
	}
	if count > MaxFragments {
		return 0, 0, NewError(ErrInvalidInput,
			fmt.Sprintf("%d bytes need %d fragments of %d bytes, at most %d are addressable",
				size, count, fragmentSize, MaxFragments))
	}
	lastIndex = uint32(count - 1)
	return lastIndex, WindowFor(lastIndex), nil
}

// WindowFor returns the window size used for a transfer whose last fragment
// index is last: half the index, at least 1 and at most MaxWindowSize.
func WindowFor(last uint32) uint16 {
	w := last / 2
	if w < 1 {
		w = 1
	}
	if w > MaxWindowSize {
		w = MaxWindowSize
	}
	return uint16(w)
}
