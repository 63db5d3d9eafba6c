package types

import "encoding/json"

// ChatReply is the normalized success body returned to the caller.
// Usage is relayed as the provider reported it, or JSON null.
type ChatReply struct {
	Content string          `json:"content"`
	Usage   json.RawMessage `json:"usage"`
}

// TokenCounts is the subset of provider usage accounting the gateway reads
// for metrics and the usage ledger.
type TokenCounts struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Tokens decodes the usage block on a best-effort basis.
func (r *ChatReply) Tokens() TokenCounts {
	var tc TokenCounts
	if len(r.Usage) > 0 {
		_ = json.Unmarshal(r.Usage, &tc)
	}
	return tc
}
