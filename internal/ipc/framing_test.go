package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := map[string]any{
		"cmd":   "SET_ACTIVITY",
		"nonce": "abc-123",
		"args":  map[string]any{"activity": map[string]any{"details": strings.Repeat("x", 64<<10)}},
	}
	if err := writeFrame(&buf, opPayload, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	op, data, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if op != opPayload {
		t.Fatalf("op = %d, want %d", op, opPayload)
	}
	var decoded command
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Cmd != "SET_ACTIVITY" || decoded.Nonce != "abc-123" {
		t.Fatalf("decoded = %+v", decoded)
	}
	if len(decoded.Args.Activity["details"].(string)) != 64<<10 {
		t.Fatal("large payload truncated")
	}
}

func TestFrameHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, opHandshake, map[string]any{"v": 1}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	raw := buf.Bytes()
	if binary.LittleEndian.Uint32(raw[0:4]) != opHandshake {
		t.Fatal("op not little-endian at offset 0")
	}
	if int(binary.LittleEndian.Uint32(raw[4:8])) != len(raw)-8 {
		t.Fatal("length prefix does not match payload size")
	}
}

func TestFrameLengthLimit(t *testing.T) {
	var buf bytes.Buffer
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], opPayload)
	binary.LittleEndian.PutUint32(header[4:8], maxFrameLen+1)
	buf.Write(header[:])
	if _, _, err := readFrame(&buf); err == nil {
		t.Fatal("oversized frame accepted")
	}
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, opPayload, map[string]any{"cmd": "PING"}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	buf.Truncate(buf.Len() - 3)
	if _, _, err := readFrame(&buf); err == nil {
		t.Fatal("truncated frame accepted")
	}
}
