package assistant

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3/realtime"
)

// SessionPayload renders a typed session config as the JSON object a
// session.update (or a WebRTC call offer) carries, appending tool
// definitions to any the config already declares.
func SessionPayload(cfg *realtime.RealtimeSessionCreateRequestParam, tools []map[string]any) (map[string]any, error) {
	session := map[string]any{}
	if cfg != nil {
		raw, err := cfg.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("marshaling session config: %w", err)
		}
		if err := sonic.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("decoding session config: %w", err)
		}
	}
	if len(tools) == 0 {
		return session, nil
	}
	existing, _ := session["tools"].([]any)
	for _, t := range tools {
		existing = append(existing, t)
	}
	session["tools"] = existing
	return session, nil
}
