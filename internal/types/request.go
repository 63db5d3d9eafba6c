package types

import "encoding/json"

// ChatMessage is one turn of the caller's transcript.
//
// Messages are forwarded upstream exactly as the caller sent them: Role and
// Content are decoded on a best-effort basis for logging and tests, and the
// original JSON is replayed on marshal.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	raw json.RawMessage
}

func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	m.raw = append(json.RawMessage(nil), data...)

	var fields struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		// Not an object; still forwarded verbatim.
		return nil
	}
	m.Role = fields.Role
	var text string
	if json.Unmarshal(fields.Content, &text) == nil {
		m.Content = text
	}
	return nil
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	if len(m.raw) > 0 {
		return m.raw, nil
	}
	type plain struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	return json.Marshal(plain{Role: m.Role, Content: m.Content})
}

// IncomingChatRequest is the body accepted on the chat endpoint.
//
// Fields stay raw: messages so a non-array value can be told apart from a
// malformed body, model and temperature so any value the caller sends
// (including null or a wrong type) is forwarded untouched. A nil field means
// the key was absent.
type IncomingChatRequest struct {
	Messages    json.RawMessage `json:"messages"`
	Model       json.RawMessage `json:"model"`
	Temperature json.RawMessage `json:"temperature"`
}

// UpstreamChatRequest is the payload sent to the chat-completion provider.
// Model and Temperature hold JSON values as they will appear on the wire.
type UpstreamChatRequest struct {
	Model       json.RawMessage `json:"model"`
	Temperature json.RawMessage `json:"temperature"`
	Messages    []ChatMessage   `json:"messages"`
}

// ModelName returns the model for logs, metrics and the usage ledger, or ""
// when the caller sent something other than a string.
func (r *UpstreamChatRequest) ModelName() string {
	var name string
	if json.Unmarshal(r.Model, &name) != nil {
		return ""
	}
	return name
}
