package terminal

import (
	"encoding/json"
	"fmt"
)

// Kind classifies a client message.
type Kind int

const (
	// KindInput is ordinary terminal input (keystrokes, paste).
	KindInput Kind = iota
	// KindResize is a valid resize control message.
	KindResize
	// KindMalformedResize is a resize control message with bad dimensions.
	KindMalformedResize
	// KindUnrecognized is a JSON object with an unknown or missing type. Its
	// raw text is forwarded as input.
	KindUnrecognized
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindResize:
		return "resize"
	case KindMalformedResize:
		return "malformed_resize"
	case KindUnrecognized:
		return "unrecognized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// maxDimension bounds resize values to what a TTY winsize can hold.
const maxDimension = 65535

// Message is one classified client frame.
type Message struct {
	Kind Kind
	Text string // original frame text
	Cols uint   // KindResize only
	Rows uint   // KindResize only
	Err  error  // KindMalformedResize only
}

// Forwarded reports whether the message text is written to the exec stream.
func (m Message) Forwarded() bool {
	return m.Kind == KindInput || m.Kind == KindUnrecognized
}

// ParseMessage classifies a client frame. Anything that is not a JSON object
// is input; objects with type "resize" must carry positive integer cols and
// rows.
func ParseMessage(text string) Message {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return Message{Kind: KindInput, Text: text}
	}

	var typ string
	if raw, ok := obj["type"]; !ok || json.Unmarshal(raw, &typ) != nil || typ != "resize" {
		return Message{Kind: KindUnrecognized, Text: text}
	}

	cols, err := dimension(obj, "cols")
	if err != nil {
		return Message{Kind: KindMalformedResize, Text: text, Err: err}
	}
	rows, err := dimension(obj, "rows")
	if err != nil {
		return Message{Kind: KindMalformedResize, Text: text, Err: err}
	}
	return Message{Kind: KindResize, Text: text, Cols: cols, Rows: rows}
}

func dimension(obj map[string]json.RawMessage, key string) (uint, error) {
	raw, ok := obj[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%s is not an integer: %s", key, raw)
	}
	if v <= 0 || v > maxDimension {
		return 0, fmt.Errorf("%s out of range: %d", key, v)
	}
	return uint(v), nil
}
