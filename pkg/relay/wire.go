package relay

import (
	"encoding/json"
	"strings"
	"time"
)

// Frame types seen on the relay channel. Only new-message frames carry
// conversation traffic; everything else is administrative.
const (
	FrameNewMessage    = "new-message"
	FrameUpdateSession = "update-session"
)

// Message roles inside decrypted envelopes.
const (
	RoleUser      = "user"
	RoleAgent     = "agent"
	RoleAssistant = "assistant"
)

// Known structured event types.
const (
	EventReady        = "ready"
	EventSwitch       = "switch"
	EventMessage      = "message"
	EventLimitReached = "limit-reached"
)

// Frame is one raw push from the relay channel.
type Frame struct {
	Body FrameBody `json:"body"`
}

// FrameBody is the routing header of a frame.
type FrameBody struct {
	Type      string       `json:"t"`
	SessionID string       `json:"sid"`
	Message   *WireMessage `json:"message,omitempty"`
}

// WireMessage carries one encrypted envelope plus relay-assigned metadata.
// CreatedAt is stamped by the relay in unix milliseconds and is the only
// timing signal available for correlation.
type WireMessage struct {
	ID        string           `json:"id"`
	CreatedAt int64            `json:"createdAt"`
	Content   EncryptedContent `json:"content"`
}

// EncryptedContent is the opaque ciphertext envelope on the wire.
type EncryptedContent struct {
	Type   string `json:"t"` // always "encrypted"
	Cipher string `json:"c"` // base64 nonce||box
}

// OutboundFrame is the emit shape for sending a message into the session.
// LocalID is send-side bookkeeping only; the protocol never echoes it.
type OutboundFrame struct {
	SessionID      string `json:"sid"`
	Message        string `json:"message"`
	LocalID        string `json:"localId"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// Meta carries passthrough tags on an envelope.
type Meta struct {
	SentFrom       string `json:"sentFrom,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// Envelope is the decrypted view of one wire message. MessageID and
// CreatedAt come from the carrying frame, not the ciphertext.
type Envelope struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
	Meta    *Meta   `json:"meta,omitempty"`

	MessageID string    `json:"-"`
	CreatedAt time.Time `json:"-"`
}

// NewUserEnvelope builds the plaintext envelope for an outbound user message.
func NewUserEnvelope(text, sentFrom, permissionMode string) Envelope {
	return Envelope{
		Role:    RoleUser,
		Content: TextContent(text),
		Meta:    &Meta{SentFrom: sentFrom, PermissionMode: permissionMode},
	}
}

// ContentKind discriminates the envelope content union.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentEvent
	ContentOutput
	ContentUnsupported
)

// Content is the decrypted payload union. The wire form is either a flat
// string or a tagged object; unknown tags (tool-use, tool-result, summary,
// user) decode as ContentUnsupported and are skipped by consumers.
type Content struct {
	Kind ContentKind

	Text    string          // ContentText
	Event   *Event          // ContentEvent
	Output  json.RawMessage // ContentOutput: nested service message
	TypeTag string          // wire tag for ContentOutput/ContentUnsupported
	Raw     json.RawMessage // original wire bytes
}

// TextContent returns a plain text content value.
func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text, TypeTag: "text"}
}

// Event is a structured protocol-level signal inside an envelope.
type Event struct {
	Type    string          `json:"type"`
	Mode    string          `json:"mode,omitempty"`    // switch
	Message json.RawMessage `json:"message,omitempty"` // message
	EndsAt  int64           `json:"endsAt,omitempty"`  // limit-reached
}

// UnmarshalJSON decodes the wire union into an explicit variant.
func (c *Content) UnmarshalJSON(data []byte) error {
	c.Raw = append(json.RawMessage(nil), data...)

	// Flat string form
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		c.Kind = ContentText
		c.Text = s
		c.TypeTag = "text"
		return nil
	}

	var probe struct {
		Type string          `json:"type"`
		Text string          `json:"text"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	c.TypeTag = probe.Type

	switch probe.Type {
	case "text":
		c.Kind = ContentText
		c.Text = probe.Text
	case "event":
		ev := &Event{}
		if len(probe.Data) > 0 {
			if err := json.Unmarshal(probe.Data, ev); err != nil {
				return err
			}
		}
		c.Kind = ContentEvent
		c.Event = ev
	case "output":
		c.Kind = ContentOutput
		c.Output = probe.Data
	default:
		c.Kind = ContentUnsupported
	}
	return nil
}

// MarshalJSON emits the wire form of the variant.
func (c Content) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ContentText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{Type: "text", Text: c.Text})
	case ContentEvent:
		data, err := json.Marshal(c.Event)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}{Type: "event", Data: data})
	default:
		if len(c.Raw) > 0 {
			return append(json.RawMessage(nil), c.Raw...), nil
		}
		return []byte("null"), nil
	}
}

// outputData is the nested service message inside a ContentOutput payload.
// Only text parts of an assistant message carry conversational content;
// tool-use, tool-result, summary and user sub-frames contribute nothing.
type outputData struct {
	Type    string `json:"type"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// OutputText extracts the concatenated assistant text parts from a
// ContentOutput payload. Returns false when the payload holds no
// conversational text.
func (c Content) OutputText() (string, bool) {
	if c.Kind != ContentOutput || len(c.Output) == 0 {
		return "", false
	}
	var out outputData
	if err := json.Unmarshal(c.Output, &out); err != nil {
		return "", false
	}
	if out.Type != "assistant" {
		return "", false
	}
	var b strings.Builder
	for _, part := range out.Message.Content {
		if part.Type != "text" {
			continue
		}
		b.WriteString(part.Text)
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

// ConversationText extracts the conversational text of an envelope,
// whichever variant carries it. Returns false for events and unsupported
// payloads, which never enter conversation history.
func (e Envelope) ConversationText() (string, bool) {
	switch e.Content.Kind {
	case ContentText:
		return e.Content.Text, true
	case ContentOutput:
		return e.Content.OutputText()
	default:
		return "", false
	}
}
