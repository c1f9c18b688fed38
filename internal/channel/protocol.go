package channel

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum allowed control frame payload (16 MiB).
const MaxFrameSize = 16 << 20

// Supervisor→engine command opcodes.
const (
	OpWelcome       = "welcome"
	OpRunOnce       = "run_once"
	OpRunContinuous = "run_continuously"
	OpStop          = "stop"
	OpTerminate     = "terminate"
	OpSetInput      = "set_input"
	OpSetGlobalName = "set_global_name"
	OpWatch         = "watch"
	OpCancelWatch   = "cancel_watch"
	OpList          = "list"
	OpAck           = "ack"
)

// Engine→supervisor event kinds.
const (
	EventHello   = "hello"
	EventSuccess = "success"
	EventFailed  = "failed"
	EventError   = "error"
	EventWatch   = "watch"
	EventList    = "list"
)

// Command is the envelope for all supervisor→engine frames. Op is always
// set; the remaining fields are populated per opcode.
type Command struct {
	Op         string          `json:"op"`
	Key        int             `json:"key,omitempty"`
	Name       string          `json:"name,omitempty"`
	Value      string          `json:"value,omitempty"`
	WatchList  json.RawMessage `json:"watch_list,omitempty"`
	AutoDelete bool            `json:"auto_delete,omitempty"`
	WatchID    string          `json:"watch_id,omitempty"`
	Category   string          `json:"category,omitempty"`
	Seq        uint64          `json:"seq,omitempty"`
	Handled    bool            `json:"handled,omitempty"`
}

// EventMsg is the envelope for all engine→supervisor frames. An engine
// announces itself with a hello event immediately after dialing; everything
// after the welcome reply is workflow traffic.
type EventMsg struct {
	Kind      string          `json:"kind"`
	Category  string          `json:"category,omitempty"`
	Message   string          `json:"message,omitempty"`
	Item      string          `json:"item,omitempty"`
	WatchList json.RawMessage `json:"watch_list,omitempty"`
}

// WriteFrame writes a length-prefixed JSON frame to w.
// The frame format is a 4-byte big-endian length prefix followed by the
// JSON payload.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadFrame reads a length-prefixed JSON frame from r and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}

	return nil
}
