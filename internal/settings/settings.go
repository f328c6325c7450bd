// Package settings decodes the serialized user settings blob the
// gateway and REST API hand out. Only the status subtree is projected;
// the rest of the message is skipped field by field.
package settings

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers inside the preloaded user settings message.
const (
	fieldStatus = 11

	statusFieldStatus       = 1
	statusFieldCustomStatus = 2

	customStatusFieldText      = 1
	customStatusFieldEmojiID   = 2
	customStatusFieldEmojiName = 3

	stringValueField = 1
)

// Settings is the projected user settings document.
type Settings struct {
	Status *StatusSettings
}

// StatusSettings carries the account status and optional custom status.
type StatusSettings struct {
	Status       string
	CustomStatus *CustomStatus
}

// CustomStatus is the user-set status line. Animated is not carried in
// the wire message and stays false.
type CustomStatus struct {
	Text      string
	EmojiID   uint64
	EmojiName string
	Animated  bool
}

// HasEmoji reports whether the custom status carries a usable emoji.
func (c *CustomStatus) HasEmoji() bool {
	return c != nil && (c.EmojiID != 0 || c.EmojiName != "")
}

// Decode parses a raw (already base64-decoded) settings blob.
func Decode(blob []byte) (*Settings, error) {
	s := &Settings{}
	for len(blob) > 0 {
		num, typ, n := protowire.ConsumeTag(blob)
		if n < 0 {
			return nil, fmt.Errorf("settings: bad tag: %w", protowire.ParseError(n))
		}
		blob = blob[n:]

		if num == fieldStatus && typ == protowire.BytesType {
			sub, n := protowire.ConsumeBytes(blob)
			if n < 0 {
				return nil, fmt.Errorf("settings: bad status field: %w", protowire.ParseError(n))
			}
			status, err := decodeStatus(sub)
			if err != nil {
				return nil, err
			}
			s.Status = status
			blob = blob[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, blob)
		if n < 0 {
			return nil, fmt.Errorf("settings: bad field %d: %w", num, protowire.ParseError(n))
		}
		blob = blob[n:]
	}
	return s, nil
}

func decodeStatus(blob []byte) (*StatusSettings, error) {
	out := &StatusSettings{}
	for len(blob) > 0 {
		num, typ, n := protowire.ConsumeTag(blob)
		if n < 0 {
			return nil, fmt.Errorf("settings: bad status tag: %w", protowire.ParseError(n))
		}
		blob = blob[n:]

		if typ == protowire.BytesType {
			sub, n := protowire.ConsumeBytes(blob)
			if n < 0 {
				return nil, fmt.Errorf("settings: bad status subfield: %w", protowire.ParseError(n))
			}
			blob = blob[n:]
			switch num {
			case statusFieldStatus:
				// Wrapped string value.
				v, err := decodeStringValue(sub)
				if err != nil {
					return nil, err
				}
				out.Status = v
			case statusFieldCustomStatus:
				cs, err := decodeCustomStatus(sub)
				if err != nil {
					return nil, err
				}
				out.CustomStatus = cs
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, blob)
		if n < 0 {
			return nil, fmt.Errorf("settings: bad status field %d: %w", num, protowire.ParseError(n))
		}
		blob = blob[n:]
	}
	return out, nil
}

func decodeStringValue(blob []byte) (string, error) {
	var out string
	for len(blob) > 0 {
		num, typ, n := protowire.ConsumeTag(blob)
		if n < 0 {
			return "", fmt.Errorf("settings: bad wrapper tag: %w", protowire.ParseError(n))
		}
		blob = blob[n:]

		if num == stringValueField && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(blob)
			if n < 0 {
				return "", fmt.Errorf("settings: bad wrapper value: %w", protowire.ParseError(n))
			}
			out = v
			blob = blob[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, blob)
		if n < 0 {
			return "", fmt.Errorf("settings: bad wrapper field %d: %w", num, protowire.ParseError(n))
		}
		blob = blob[n:]
	}
	return out, nil
}

func decodeCustomStatus(blob []byte) (*CustomStatus, error) {
	out := &CustomStatus{}
	for len(blob) > 0 {
		num, typ, n := protowire.ConsumeTag(blob)
		if n < 0 {
			return nil, fmt.Errorf("settings: bad custom status tag: %w", protowire.ParseError(n))
		}
		blob = blob[n:]

		switch {
		case num == customStatusFieldText && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(blob)
			if n < 0 {
				return nil, fmt.Errorf("settings: bad custom status text: %w", protowire.ParseError(n))
			}
			out.Text = v
			blob = blob[n:]
		case num == customStatusFieldEmojiID && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(blob)
			if n < 0 {
				return nil, fmt.Errorf("settings: bad custom status emoji id: %w", protowire.ParseError(n))
			}
			out.EmojiID = v
			blob = blob[n:]
		case num == customStatusFieldEmojiName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(blob)
			if n < 0 {
				return nil, fmt.Errorf("settings: bad custom status emoji name: %w", protowire.ParseError(n))
			}
			out.EmojiName = v
			blob = blob[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, blob)
			if n < 0 {
				return nil, fmt.Errorf("settings: bad custom status field %d: %w", num, protowire.ParseError(n))
			}
			blob = blob[n:]
		}
	}
	return out, nil
}
