package domain

import (
	"encoding/json"
	"testing"
)

func TestMessageContent_Unmarshal(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"plain string", `{"role":"user","content":"Hi there"}`, "Hi there"},
		{"null content", `{"role":"assistant","content":null}`, ""},
		{"parts array", `{"role":"user","content":[{"type":"image_url"},{"type":"text","text":"describe this"}]}`, "describe this"},
		{"empty parts", `{"role":"user","content":[]}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			if err := json.Unmarshal([]byte(tt.json), &msg); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got := msg.Content.TextContent(); got != tt.want {
				t.Errorf("TextContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageContent_MarshalRoundTrip(t *testing.T) {
	msg := Message{Role: RoleUser, Content: Text("Hi")}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(raw) != `{"role":"user","content":"Hi"}` {
		t.Errorf("Marshal() = %s, want plain string content", raw)
	}
}

func TestMessageContent_IsEmpty(t *testing.T) {
	if !Text("   ").IsEmpty() {
		t.Error("whitespace content should be empty")
	}
	if Text("x").IsEmpty() {
		t.Error("non-blank content should not be empty")
	}
}
