// Package wire implements the replication protocol framing shared by
// every stream transport. A server opens a session by writing a single
// status byte; each request is a length-prefixed command string with a
// command-specific body, and each response starts with a status byte
// followed by either the command's result or an error message.
package wire

import (
	"fmt"

	"github.com/WebFirstLanguage/hivefs/pkg/objects"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
)

// Response status bytes
const (
	StatusOK  byte = 0x00
	StatusErr byte = 0x01
)

// Protocol commands, defined on both ends of every transport
const (
	CmdHello       = "hello"
	CmdGetFSID     = "get fsid"
	CmdGetVersion  = "get version"
	CmdGetHead     = "get head"
	CmdListObjs    = "list objs"
	CmdListCommits = "list commits"
	CmdReadObjs    = "readobjs"
	CmdGetObjInfo  = "getobjinfo"
	CmdExtList     = "ext list"
	CmdExtCall     = "ext call"
)

// ProtoVersion is the version string the hello command reports
const ProtoVersion = "HIVE1"

// WriteCommand sends one command string
func WriteCommand(w *stream.Writer, cmd string) error {
	return w.WritePStr(cmd)
}

// ReadCommand receives one command string
func ReadCommand(r *stream.Reader) (string, error) {
	return r.ReadPStr()
}

// WriteOK sends a success status byte
func WriteOK(w *stream.Writer) error {
	return w.WriteUInt8(StatusOK)
}

// WriteError sends a failure status byte and a human-readable message
func WriteError(w *stream.Writer, msg string) error {
	if err := w.WriteUInt8(StatusErr); err != nil {
		return err
	}
	if len(msg) > stream.MaxPStrLen {
		msg = msg[:stream.MaxPStrLen]
	}
	return w.WritePStr(msg)
}

// ReadStatus consumes a response status byte. A failure status reads
// the trailing message and surfaces it as a RemoteError; unknown status
// bytes are a protocol error.
func ReadStatus(r *stream.Reader) error {
	status, err := r.ReadUInt8()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	switch status {
	case StatusOK:
		return nil
	case StatusErr:
		msg, err := r.ReadPStr()
		if err != nil {
			return fmt.Errorf("%w: truncated error response", ErrProtocol)
		}
		return &RemoteError{Message: msg}
	default:
		return fmt.Errorf("%w: status byte 0x%02X", ErrProtocol, status)
	}
}

// PackedObjectFunc receives one object of a packed object stream
type PackedObjectFunc func(info objects.Info, packed []byte) error

// ReadPackedStream parses a packed object stream: repeated groups of
// (count, count x (info, size, bytes)) terminated by a zero count.
func ReadPackedStream(r *stream.Reader, fn PackedObjectFunc) error {
	for {
		count, err := r.ReadUInt32()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if count == 0 {
			return nil
		}
		for i := uint32(0); i < count; i++ {
			info, err := objects.ReadInfo(r)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			size, err := r.ReadUInt32()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			packed := make([]byte, size)
			if err := r.ReadExact(packed); err != nil {
				return fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			if err := fn(info, packed); err != nil {
				return err
			}
		}
	}
}
