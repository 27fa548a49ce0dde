package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pulseloop/coach/internal/logging"
	"github.com/pulseloop/coach/internal/memory"
	"github.com/pulseloop/coach/internal/types"
)

// ChannelAdapter delivers a rendered notification over one surface.
type ChannelAdapter interface {
	Channel() types.Channel
	Deliver(ctx context.Context, n *types.Notification) error
}

// ChatAdapter delivers into the in-app conversation: the notification becomes
// an assistant turn, so it shows up in the user's dialogue history and feeds
// back into short-term memory.
type ChatAdapter struct {
	mem *memory.Manager
	clk interface{ Now() time.Time }
}

// NewChatAdapter creates the in-app chat surface.
func NewChatAdapter(mem *memory.Manager, clk interface{ Now() time.Time }) *ChatAdapter {
	return &ChatAdapter{mem: mem, clk: clk}
}

func (a *ChatAdapter) Channel() types.Channel { return types.ChannelChat }

func (a *ChatAdapter) Deliver(ctx context.Context, n *types.Notification) error {
	content := n.Body
	if n.Title != "" {
		content = n.Title + "\n" + n.Body
	}
	return a.mem.AddDialogue(ctx, types.ChatMessage{
		UserID:    n.UserID,
		Role:      types.RoleAssistant,
		Content:   content,
		Timestamp: a.clk.Now(),
	})
}

// PushAdapter POSTs the notification to an external push gateway. An empty
// endpoint degrades to log-only delivery, which keeps single-node setups
// working without a gateway.
type PushAdapter struct {
	endpoint string
	client   *http.Client
}

// NewPushAdapter creates the push surface. endpoint may be empty.
func NewPushAdapter(endpoint string) *PushAdapter {
	return &PushAdapter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *PushAdapter) Channel() types.Channel { return types.ChannelPush }

func (a *PushAdapter) Deliver(ctx context.Context, n *types.Notification) error {
	if a.endpoint == "" {
		logging.Info("push", "[%s] %s: %s", n.UserID, n.Title, logging.Truncate(n.Body, 120))
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned %d", resp.StatusCode)
	}
	return nil
}
