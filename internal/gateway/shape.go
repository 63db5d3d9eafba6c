package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/af-corp/companion-gateway/internal/config"
	"github.com/af-corp/companion-gateway/internal/types"
)

// parseChatRequest decodes the body and checks that messages is a non-empty
// array. Any failure, including a malformed body, reports !ok.
func parseChatRequest(body []byte) (*types.IncomingChatRequest, []types.ChatMessage, bool) {
	var req types.IncomingChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, false
	}

	raw := bytes.TrimSpace(req.Messages)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, nil, false
	}
	var messages []types.ChatMessage
	if err := json.Unmarshal(raw, &messages); err != nil || len(messages) == 0 {
		return nil, nil, false
	}
	return &req, messages, true
}

// buildUpstreamRequest applies model and temperature defaults when the keys
// are absent, keeps the newest MaxHistory messages and puts the persona first.
func buildUpstreamRequest(req *types.IncomingChatRequest, messages []types.ChatMessage, cfg config.UpstreamConfig) (*types.UpstreamChatRequest, error) {
	model := req.Model
	if model == nil {
		var err error
		if model, err = json.Marshal(cfg.DefaultModel); err != nil {
			return nil, fmt.Errorf("marshal default model: %w", err)
		}
	}
	temperature := req.Temperature
	if temperature == nil {
		var err error
		if temperature, err = json.Marshal(cfg.DefaultTemperature); err != nil {
			return nil, fmt.Errorf("marshal default temperature: %w", err)
		}
	}

	return &types.UpstreamChatRequest{
		Model:       model,
		Temperature: temperature,
		Messages:    shapeMessages(messages, cfg.MaxHistory, cfg.Persona),
	}, nil
}

// shapeMessages keeps the last maxHistory messages (all of them when
// maxHistory is 0) behind a single persona system message.
func shapeMessages(messages []types.ChatMessage, maxHistory int, persona string) []types.ChatMessage {
	if persona == "" {
		persona = config.DefaultPersona
	}
	if maxHistory > 0 && len(messages) > maxHistory {
		messages = messages[len(messages)-maxHistory:]
	}

	out := make([]types.ChatMessage, 0, len(messages)+1)
	out = append(out, types.ChatMessage{Role: "system", Content: persona})
	return append(out, messages...)
}
