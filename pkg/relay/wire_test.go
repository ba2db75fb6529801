package relay

import (
	"encoding/json"
	"testing"
)

func TestContentUnmarshalVariants(t *testing.T) {
	tests := []struct {
		name string
		in   string
		kind ContentKind
	}{
		{"flat string", `"just text"`, ContentText},
		{"text object", `{"type":"text","text":"hello"}`, ContentText},
		{"event", `{"type":"event","data":{"type":"ready"}}`, ContentEvent},
		{"output", `{"type":"output","data":{"type":"assistant"}}`, ContentOutput},
		{"tool-use", `{"type":"tool-use","data":{}}`, ContentUnsupported},
		{"summary", `{"type":"summary","data":{}}`, ContentUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Content
			if err := json.Unmarshal([]byte(tt.in), &c); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if c.Kind != tt.kind {
				t.Errorf("Expected kind %d, got %d", tt.kind, c.Kind)
			}
			if string(c.Raw) != tt.in {
				t.Errorf("Raw bytes not preserved: %s", c.Raw)
			}
		})
	}
}

func TestContentUnmarshalText(t *testing.T) {
	var c Content
	if err := json.Unmarshal([]byte(`"pong"`), &c); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if c.Text != "pong" {
		t.Errorf("Expected text pong, got %q", c.Text)
	}
}

func TestContentUnmarshalEventFields(t *testing.T) {
	var c Content
	in := `{"type":"event","data":{"type":"switch","mode":"plan"}}`
	if err := json.Unmarshal([]byte(in), &c); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if c.Event == nil || c.Event.Type != EventSwitch || c.Event.Mode != "plan" {
		t.Errorf("Event fields not decoded: %+v", c.Event)
	}

	in = `{"type":"event","data":{"type":"limit-reached","endsAt":1700000000000}}`
	if err := json.Unmarshal([]byte(in), &c); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if c.Event.Type != EventLimitReached || c.Event.EndsAt != 1700000000000 {
		t.Errorf("limit-reached fields not decoded: %+v", c.Event)
	}
}

func TestContentMarshalTextForm(t *testing.T) {
	data, err := json.Marshal(TextContent("hi"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"type":"text","text":"hi"}` {
		t.Errorf("Unexpected wire form: %s", data)
	}
}

func TestOutputTextExtraction(t *testing.T) {
	in := `{"type":"output","data":{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"Hello "},` +
		`{"type":"tool_use","text":"ignored"},` +
		`{"type":"text","text":"world"}]}}}`

	var c Content
	if err := json.Unmarshal([]byte(in), &c); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	text, ok := c.OutputText()
	if !ok {
		t.Fatal("Expected output text to be extracted")
	}
	if text != "Hello world" {
		t.Errorf("Expected %q, got %q", "Hello world", text)
	}
}

func TestOutputTextSkipsNonAssistant(t *testing.T) {
	tests := []string{
		// user sub-frame contributes nothing
		`{"type":"output","data":{"type":"user","message":{"content":[{"type":"text","text":"x"}]}}}`,
		// tool-result only, no text parts
		`{"type":"output","data":{"type":"assistant","message":{"content":[{"type":"tool_result"}]}}}`,
	}
	for _, in := range tests {
		var c Content
		if err := json.Unmarshal([]byte(in), &c); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if text, ok := c.OutputText(); ok {
			t.Errorf("Expected no output text for %s, got %q", in, text)
		}
	}
}

func TestEnvelopeConversationText(t *testing.T) {
	var env Envelope
	in := `{"role":"agent","content":{"type":"text","text":"answer"}}`
	if err := json.Unmarshal([]byte(in), &env); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	text, ok := env.ConversationText()
	if !ok || text != "answer" {
		t.Errorf("Expected answer, got %q ok=%v", text, ok)
	}

	in = `{"role":"agent","content":{"type":"event","data":{"type":"ready"}}}`
	if err := json.Unmarshal([]byte(in), &env); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := env.ConversationText(); ok {
		t.Error("Events must never enter conversation history")
	}
}

func TestNewUserEnvelopeWireShape(t *testing.T) {
	env := NewUserEnvelope("do the thing", "clawlink", "safe")
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded struct {
		Role    string `json:"role"`
		Content struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Meta struct {
			SentFrom       string `json:"sentFrom"`
			PermissionMode string `json:"permissionMode"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Role != RoleUser || decoded.Content.Type != "text" || decoded.Content.Text != "do the thing" {
		t.Errorf("Unexpected outbound envelope: %s", data)
	}
	if decoded.Meta.SentFrom != "clawlink" || decoded.Meta.PermissionMode != "safe" {
		t.Errorf("Meta passthrough lost: %s", data)
	}
}
