package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame opcodes on the local socket.
const (
	opHandshake = 0
	opPayload   = 1
)

// maxFrameLen bounds a single frame; presence payloads are small and
// anything past this is a broken or hostile peer.
const maxFrameLen = 1 << 20

// readFrame reads one length-prefixed frame: op and payload length as
// little-endian u32, then that many bytes of JSON.
func readFrame(r io.Reader) (op uint32, data []byte, err error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	op = binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > maxFrameLen {
		return 0, nil, fmt.Errorf("frame length %d exceeds limit", length)
	}
	data = make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, err
	}
	return op, data, nil
}

// writeFrame marshals v and sends it as one frame.
func writeFrame(w io.Writer, op uint32, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], op)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	_, err = w.Write(buf)
	return err
}
