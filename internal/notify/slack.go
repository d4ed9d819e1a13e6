package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hamed0406/devopsguardian/internal/domain"
)

type Slack struct {
	Webhook string
	Client  *http.Client
}

func NewSlack(webhook string) *Slack {
	if webhook == "" {
		return nil
	}
	return &Slack{
		Webhook: webhook,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type slackPayload struct {
	Text string `json:"text"`
}

func slackTitle(k domain.EventKind) string {
	switch k {
	case domain.EventDown:
		return "🔴 Transaction DOWN"
	case domain.EventDegraded:
		return "🟠 Transaction DEGRADED"
	case domain.EventRecovered:
		return "🟢 Transaction RECOVERED"
	}
	return "Transaction " + string(k)
}

func slackText(ev domain.StatusEvent) string {
	detail := ev.LastResultDetail
	if detail == "" {
		detail = "n/a"
	}
	return fmt.Sprintf(
		"Transaction: %s\nStatus: %s -> %s\nDetail: %s\nAt: %s",
		ev.TransactionID, ev.OldStatus, ev.NewStatus, detail, ev.Timestamp.Format(time.RFC3339),
	)
}

func (s *Slack) Notify(ctx context.Context, ev domain.StatusEvent) error {
	if s == nil || s.Webhook == "" {
		return errors.New("slack disabled")
	}
	body, _ := json.Marshal(slackPayload{Text: "*" + slackTitle(ev.Kind) + "*\n" + slackText(ev)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("slack non-2xx: %d", resp.StatusCode)
	}
	return nil
}
