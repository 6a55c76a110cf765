package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SendMessageRequest is the SENDMSG pseudo-command payload: a message the
// gateway should post to a chat channel on the platform.
type SendMessageRequest struct {
	ChannelID    int64          `json:"channel_id"`
	Content      string         `json:"content,omitempty"`
	Embed        map[string]any `json:"embed"`
	MentionRoles []string       `json:"mention_roles"`
}

// sendMessage posts a message through the gateway HTTP service. It must not
// wait on the gateway's event loop, hence the direct call.
func (b *Bridge) sendMessage(ctx context.Context, payload any) ([]byte, error) {
	msg, ok := payload.(*SendMessageRequest)
	if !ok || msg == nil {
		return nil, fmt.Errorf("bridge: SENDMSG wants a *SendMessageRequest payload")
	}
	if msg.ChannelID == 0 {
		return nil, fmt.Errorf("bridge: SENDMSG requires channel_id")
	}
	if msg.Embed == nil {
		msg.Embed = map[string]any{"type": "rich", "title": "Featherlist Message"}
	}
	if msg.MentionRoles == nil {
		msg.MentionRoles = []string{}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.gatewayAddr+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge: sendmsg: %w", err)
	}
	defer res.Body.Close()

	return io.ReadAll(res.Body)
}
