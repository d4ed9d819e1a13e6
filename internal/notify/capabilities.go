package notify

import (
	"strings"

	"go.uber.org/zap"
)

// Capabilities says which notification sinks this process may use. It is
// resolved once from configuration at startup and not re-read afterwards.
type Capabilities struct {
	SlackWebhook string
	WebhookURL   string
	KafkaBrokers []string
	KafkaTopic   string
	LiveEvents   bool
}

// Enabled lists the configured sink names, for the startup log.
func (c Capabilities) Enabled() []string {
	var out []string
	if c.SlackWebhook != "" {
		out = append(out, "slack")
	}
	if c.WebhookURL != "" {
		out = append(out, "webhook")
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) != "" {
		out = append(out, "kafka")
	}
	if c.LiveEvents {
		out = append(out, "websocket")
	}
	return out
}

// Build constructs the sinks c allows. extra carries sinks owned elsewhere,
// such as the websocket hub.
func Build(c Capabilities, log *zap.Logger, extra ...Notifier) Multi {
	var m Multi
	if s := NewSlack(c.SlackWebhook); s != nil {
		m = append(m, s)
	}
	if w := NewWebhook(c.WebhookURL); w != nil {
		m = append(m, w)
	}
	if k := NewKafka(c.KafkaBrokers, strings.TrimSpace(c.KafkaTopic)); k != nil {
		m = append(m, k)
	}
	for _, n := range extra {
		if n != nil {
			m = append(m, n)
		}
	}
	log.Info("notify_capabilities", zap.Strings("sinks", c.Enabled()), zap.Int("extra", len(extra)))
	return m
}
