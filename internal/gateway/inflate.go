package gateway

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
	"sync"
)

// Every message on the shared compression stream ends with an empty
// stored block, which is how the peer flushes the deflate state.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// inflator decompresses the zlib stream that spans the whole lifetime of
// one socket connection. Messages are pushed in as they arrive and a
// persistent reader carries the dictionary across them, so one decode
// consumes exactly one payload and leaves the reader parked at the flush
// boundary until the next message shows up.
type inflator struct {
	frames    chan []byte
	pr        *io.PipeReader
	pw        *io.PipeWriter
	dec       *json.Decoder
	closeOnce sync.Once
}

func newInflator() *inflator {
	pr, pw := io.Pipe()
	inf := &inflator{
		frames: make(chan []byte, 16),
		pr:     pr,
		pw:     pw,
	}
	go inf.pump()
	return inf
}

func (inf *inflator) pump() {
	for frame := range inf.frames {
		if _, err := inf.pw.Write(frame); err != nil {
			return
		}
	}
	inf.pw.Close()
}

// compressed reports whether a message belongs to the zlib stream.
// Legacy hosts skip compression and send plain JSON.
func compressed(msg []byte) bool {
	return len(msg) >= 4 && bytes.Equal(msg[len(msg)-4:], zlibSuffix)
}

// decode unmarshals one gateway message into v, inflating it first when
// it carries the stream suffix.
func (inf *inflator) decode(msg []byte, v any) error {
	if !compressed(msg) {
		return json.Unmarshal(msg, v)
	}
	inf.frames <- msg
	if inf.dec == nil {
		zr, err := zlib.NewReader(inf.pr)
		if err != nil {
			return err
		}
		inf.dec = json.NewDecoder(zr)
	}
	return inf.dec.Decode(v)
}

// close releases the pump goroutine. The inflator cannot be reused; a
// new connection gets a new one because the peer restarts its deflate
// state as well.
func (inf *inflator) close() {
	inf.closeOnce.Do(func() {
		close(inf.frames)
		inf.pr.Close()
	})
}
