// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package xdm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/xdm/codec"
)

// Message is the envelope exchanged between channels. A message with an
// InstanceID is a request; any other message is a response to the request
// with the same ID.
//
// The payload fields hold the encoded form of their values, as produced by a
// [codec.Encoder]. Each channel claiming a message decodes them separately.
type Message struct {
	ID              int             `json:"id"`
	InstanceID      string          `json:"instanceId,omitempty"`
	InstanceContext json.RawMessage `json:"instanceContext,omitempty"`
	MethodName      string          `json:"methodName,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
	HandshakeToken  string          `json:"handshakeToken,omitempty"`
	Settings        *codec.Settings `json:"serializationSettings,omitempty"`
}

// IsRequest reports whether m is a request.
func (m *Message) IsRequest() bool { return m.InstanceID != "" }

// HasError reports whether m carries an error payload.
func (m *Message) HasError() bool { return present(m.Error) }

// Encode encodes m as JSON text.
func (m *Message) Encode() []byte {
	data, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Errorf("encoding message: %w", err))
	}
	return data
}

// Decode decodes data into m. It reports an error if data is not a JSON
// object.
func (m *Message) Decode(data []byte) error {
	*m = Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	return nil
}

// settings returns the serialization settings of m, or the defaults.
func (m *Message) settings() codec.Settings {
	if m.Settings == nil {
		return codec.Settings{}
	}
	return *m.Settings
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	tok := value.Cond(m.HandshakeToken != "", ", token", "")
	if m.IsRequest() {
		return fmt.Sprintf("Request(ID=%d, %s.%s, Params=%s%s)",
			m.ID, m.InstanceID, m.MethodName, clip(m.Params), tok)
	} else if m.HasError() {
		return fmt.Sprintf("Response(ID=%d, Error=%s%s)", m.ID, clip(m.Error), tok)
	}
	return fmt.Sprintf("Response(ID=%d, Result=%s%s)", m.ID, clip(m.Result), tok)
}

// clip renders a payload for logging, truncated to a reasonable length.
func clip(raw json.RawMessage) string {
	const maxLen = 64
	if !present(raw) {
		return "-"
	} else if len(raw) <= maxLen {
		return string(raw)
	}
	return truncate(string(raw), maxLen) + "..."
}

func present(raw json.RawMessage) bool { return len(raw) != 0 && string(raw) != "null" }

// ErrorData is the payload of an error response. A method may return a value
// of type ErrorData or *ErrorData to control the code and auxiliary data
// reported to the caller; any other error is reported with its text as the
// message.
type ErrorData struct {
	Code    int
	Message string
	Data    any
}

// Error implements the error interface, allowing an ErrorData value to be used
// as an error.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Fields implements the [codec.Fielder] interface.
func (e ErrorData) Fields() map[string]any {
	f := map[string]any{"message": e.Message, "data": e.Data}
	if e.Code != 0 {
		f["code"] = e.Code
	}
	return f
}

// errorDataOf returns the ErrorData for err.
func errorDataOf(err error) ErrorData {
	var ed ErrorData
	var ped *ErrorData
	if errors.As(err, &ed) {
		return ed
	} else if errors.As(err, &ped) && ped != nil {
		return *ped
	}
	return ErrorData{Message: err.Error()}
}

// decodeErrorData converts a decoded error payload into ErrorData.  A peer
// may report an error as a bare string or as an object with a message.
func decodeErrorData(v any) ErrorData {
	switch t := v.(type) {
	case string:
		return ErrorData{Message: t}
	case map[string]any:
		ed := ErrorData{Data: t["data"]}
		if msg, ok := t["message"].(string); ok {
			ed.Message = msg
		} else {
			ed.Message = "unknown error"
		}
		if code, ok := t["code"].(float64); ok {
			ed.Code = int(code)
		}
		return ed
	case nil:
		return ErrorData{Message: "unknown error"}
	}
	return ErrorData{Message: fmt.Sprint(v)}
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes.  If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it. It's possible the value was already complete, but it's simpler
	// if we only have to check in one direction.
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}

// MessageLogger logs a message exchanged on a channel.
type MessageLogger func(MessageInfo)

// MessageInfo combines a message with the channel it was exchanged on and a
// flag indicating whether it was sent or received. For received messages
// that no channel claimed, Channel is 0.
type MessageInfo struct {
	*Message
	Channel int
	Sent    bool
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%s ch%d %v", value.Cond(m.Sent, "send", "recv"), m.Channel, m.Message)
}
