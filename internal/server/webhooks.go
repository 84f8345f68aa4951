package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"agentline/internal/config"
	"agentline/internal/domain"
	"agentline/internal/engine"
)

const (
	defaultForwardInterval = 2 * time.Second
	defaultForwardTimeout  = 5 * time.Second
	defaultForwardBatch    = 100
)

// notificationForwarder delivers undelivered notifications to the configured
// webhook endpoints. A notification is marked delivered only after every
// enabled endpoint accepted it, so delivery is at-least-once.
type notificationForwarder struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
}

func startNotificationForwarder(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	f := &notificationForwarder{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultForwardTimeout},
	}
	go f.run()
}

func (f *notificationForwarder) run() {
	ticker := time.NewTicker(defaultForwardInterval)
	defer ticker.Stop()
	for {
		f.forwardBatch()
		<-ticker.C
	}
}

func (f *notificationForwarder) forwardBatch() {
	ctx := context.Background()
	items, err := f.engine.Repo.UndeliveredNotifications(ctx, defaultForwardBatch)
	if err != nil {
		log.Printf("webhook: fetch notifications failed: %v", err)
		return
	}
	for _, n := range items {
		if !f.deliverAll(ctx, n) {
			return
		}
		now := f.engine.Now().UTC().Format(time.RFC3339)
		if err := f.engine.Repo.MarkNotificationDelivered(ctx, n.ID, now); err != nil {
			log.Printf("webhook: mark delivered failed: %v", err)
			return
		}
	}
}

func (f *notificationForwarder) deliverAll(ctx context.Context, n domain.Notification) bool {
	for _, hook := range f.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if err := f.post(ctx, hook, n); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return false
		}
	}
	return true
}

type webhookNotification struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	ProjectID string          `json:"project_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

func (f *notificationForwarder) post(ctx context.Context, hook config.WebhookConfig, n domain.Notification) error {
	payload := json.RawMessage([]byte("{}"))
	if n.PayloadJSON != "" && json.Valid([]byte(n.PayloadJSON)) {
		payload = json.RawMessage([]byte(n.PayloadJSON))
	}
	data, err := json.Marshal(webhookNotification{
		ID:        n.ID,
		AgentID:   n.AgentID,
		ProjectID: n.ProjectID,
		Kind:      n.Kind,
		Payload:   payload,
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agentline-Kind", n.Kind)
	req.Header.Set("X-Agentline-Delivery", n.ID)
	res, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
