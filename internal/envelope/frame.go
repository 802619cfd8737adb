// Package envelope implements the control-plane wire format shared by the
// AgentFS control file, the snapshot-provider daemon socket, and the
// in-band filesystem-operation channel used by a preload-library client
// (spec §4.7): a 4-byte big-endian length prefix followed by a
// CBOR-encoded tagged-union payload.
package envelope

import (
	"encoding/binary"
	"io"

	"github.com/agent-harbor/agent-harbor/internal/aherr"
)

// maxFrameBytes bounds a single frame to guard against a corrupt or
// malicious length prefix causing an unbounded allocation.
const maxFrameBytes = 64 << 20

// WriteFrame writes payload as a 4-byte big-endian length prefix followed
// by payload itself (spec §4.7's framing).
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return aherr.New(aherr.Io, "envelope.write_frame", "", err)
	}
	if _, err := w.Write(payload); err != nil {
		return aherr.New(aherr.Io, "envelope.write_frame", "", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, aherr.New(aherr.Io, "envelope.read_frame", "", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, aherr.New(aherr.InvalidArgument, "envelope.read_frame", "", nil)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, aherr.New(aherr.Io, "envelope.read_frame", "", err)
	}
	return buf, nil
}
