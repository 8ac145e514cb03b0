// Package sink delivers watched events to outbound destinations: an
// HTTP webhook for live notification and a durable archive that
// journals every delivery.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"forumwatch/pkg/forum"
	"forumwatch/watch"
)

// Webhook payload styles.
const (
	// StyleGeneric posts the event fields as a flat JSON object plus an
	// "event" kind discriminant. Works with any HTTP endpoint.
	StyleGeneric = "generic"
	// StyleChat posts a rich-embed payload understood by chat webhook
	// receivers.
	StyleChat = "chat"
)

// Embed colors per event kind, chat style.
var chatColors = map[forum.Kind]int{
	forum.KindReply:      0x5865F2,
	forum.KindNewThread:  0x57F287,
	forum.KindUserThread: 0x57F287,
	forum.KindUserPost:   0x5865F2,
	forum.KindKeyword:    0xFEE75C,
	forum.KindCredit:     0xEB459E,
}

const chatFallbackColor = 0x99AAB5

// WebhookConfig configures a webhook sink.
type WebhookConfig struct {
	// URL is the endpoint to POST to. Required unless Mock is set.
	URL string
	// Style selects the payload shape; default StyleGeneric.
	Style string
	// Username is the display name shown by chat receivers.
	Username string
	// Headers are added to every request, e.g. an Authorization header
	// for a custom endpoint.
	Headers map[string]string
	// ForumURL is the platform base URL used for links in chat embeds.
	// Empty leaves embeds linkless.
	ForumURL string
	// Timeout bounds one POST attempt. Default 10s.
	Timeout time.Duration
	// Mock logs payloads instead of sending them.
	Mock   bool
	Logger *slog.Logger
}

// Webhook posts one payload per delivered event. A failed POST is
// retried a few times and then reported as a delivery failure, which
// leaves the event unmarked for the next poll; 4xx responses are not
// retried because the request will not get better.
type Webhook struct {
	url      string
	style    string
	username string
	headers  map[string]string
	forumURL string
	mock     bool
	client   *http.Client
	logger   *slog.Logger

	retryDelay  time.Duration
	retryJitter time.Duration
}

// NewWebhook builds a webhook sink from cfg.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" && !cfg.Mock {
		return nil, errors.New("webhook: url is required")
	}
	switch cfg.Style {
	case "":
		cfg.Style = StyleGeneric
	case StyleGeneric, StyleChat:
	default:
		return nil, fmt.Errorf("webhook: unknown style %q", cfg.Style)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		url:         cfg.URL,
		style:       cfg.Style,
		username:    cfg.Username,
		headers:     cfg.Headers,
		forumURL:    cfg.ForumURL,
		mock:        cfg.Mock,
		client:      &http.Client{Timeout: cfg.Timeout},
		logger:      cfg.Logger,
		retryDelay:  time.Second,
		retryJitter: 10 * time.Second,
	}, nil
}

// Handler adapts the sink to the scheduler's delivery interface.
func (s *Webhook) Handler() watch.Handler {
	return func(ctx context.Context, ev forum.Event) error {
		return s.Deliver(ctx, ev)
	}
}

// Deliver formats and posts one event. A formatter problem or an event
// kind the style does not render suppresses the send without failing
// the delivery.
func (s *Webhook) Deliver(ctx context.Context, ev forum.Event) error {
	payload, err := s.format(ev)
	if err != nil {
		s.logger.Warn("webhook formatter failed", "kind", string(ev.Kind()), "error", err)
		return nil
	}
	if payload == nil {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("webhook payload marshal failed", "kind", string(ev.Kind()), "error", err)
		return nil
	}

	if s.mock {
		s.logger.Info("MOCK WEBHOOK",
			"kind", string(ev.Kind()),
			"style", s.style,
			"payload_bytes", len(data))
		return nil
	}

	err = retry.Do(
		func() error {
			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			for k, v := range s.headers {
				req.Header.Set(k, v)
			}

			resp, err := s.client.Do(req)
			duration := time.Since(start)
			if err != nil {
				s.logger.Warn("webhook POST failed, will retry",
					"kind", string(ev.Kind()),
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				err := fmt.Errorf("HTTP %d", resp.StatusCode)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					s.logger.Warn("webhook rejected payload",
						"kind", string(ev.Kind()),
						"status_code", resp.StatusCode)
					return retry.Unrecoverable(err)
				}
				s.logger.Warn("webhook returned non-2xx status, will retry",
					"kind", string(ev.Kind()),
					"status_code", resp.StatusCode)
				return err
			}

			s.logger.Debug("webhook delivered",
				"kind", string(ev.Kind()),
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(s.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(s.retryJitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying webhook delivery after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	return nil
}

func (s *Webhook) format(ev forum.Event) (any, error) {
	if s.style == StyleChat {
		// The explicit nil keeps the suppression check in Deliver from
		// seeing a typed nil pointer.
		if p := s.chatMessage(ev); p != nil {
			return p, nil
		}
		return nil, nil
	}
	return genericPayload(ev)
}

// genericPayload flattens the event into a JSON object and adds the
// kind under "event", so one endpoint can take every kind.
func genericPayload(ev forum.Event) (map[string]any, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	payload := make(map[string]any)
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	payload["event"] = string(ev.Kind())
	return payload, nil
}

type chatPayload struct {
	Username string      `json:"username,omitempty"`
	Embeds   []chatEmbed `json:"embeds"`
}

type chatEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// chatMessage renders one embed per event. Returns nil for kinds the
// style has no rendering for, which suppresses the send.
func (s *Webhook) chatMessage(ev forum.Event) *chatPayload {
	embed := s.embed(ev)
	if embed == nil {
		return nil
	}
	embed.Timestamp = ev.Occurred().UTC().Format(time.RFC3339)
	if _, ok := chatColors[ev.Kind()]; !ok {
		embed.Color = chatFallbackColor
	}
	return &chatPayload{Username: s.username, Embeds: []chatEmbed{*embed}}
}

func (s *Webhook) embed(ev forum.Event) *chatEmbed {
	color := chatColors[ev.Kind()]
	switch e := ev.(type) {
	case forum.ReplyEvent:
		return &chatEmbed{
			Title:       "💬 New reply in " + e.Subject,
			URL:         s.postURL(e.TID, e.PID),
			Description: e.Snippet,
			Color:       color,
		}
	case forum.NewThreadEvent:
		return &chatEmbed{
			Title:       "📌 New thread",
			URL:         s.threadURL(e.TID),
			Description: s.threadLine(e.Subject, e.TID, e.UID),
			Color:       color,
		}
	case forum.UserThreadEvent:
		return &chatEmbed{
			Title:       "👥 New thread by a tracked user",
			URL:         s.threadURL(e.TID),
			Description: s.threadLine(e.Subject, e.TID, e.UID),
			Color:       color,
		}
	case forum.UserPostEvent:
		return &chatEmbed{
			Title:       "👥 New post by tracked user in " + e.Subject,
			URL:         s.postURL(e.TID, e.PID),
			Description: e.Snippet,
			Color:       color,
		}
	case forum.KeywordEvent:
		return &chatEmbed{
			Title:       fmt.Sprintf("🔍 Keyword match: `%s`", e.Keyword),
			URL:         s.postURL(e.TID, e.PID),
			Description: fmt.Sprintf("**%s**\n%s", e.Subject, e.Snippet),
			Color:       color,
		}
	case forum.CreditEvent:
		return &chatEmbed{
			Title:       fmt.Sprintf("💰 %.0f credits received from %s", e.Amount, e.FromUser),
			URL:         s.pageURL("/myps.php?action=history"),
			Description: e.Reason,
			Color:       color,
		}
	case forum.UnreadEvent:
		return &chatEmbed{
			Title:       fmt.Sprintf("📬 %d unread messages (+%d)", e.UnreadCount, e.NewSinceLast),
			URL:         s.pageURL("/private.php"),
			Color:       color,
		}
	default:
		return nil
	}
}

// threadLine links the subject and, when known, the author profile.
func (s *Webhook) threadLine(subject string, tid, uid int64) string {
	line := subject
	if url := s.threadURL(tid); url != "" {
		line = fmt.Sprintf("[%s](%s)", subject, url)
	}
	if uid != 0 {
		if url := s.pageURL(fmt.Sprintf("/member.php?action=profile&uid=%d", uid)); url != "" {
			line += fmt.Sprintf("\n[View profile](%s)", url)
		}
	}
	return line
}

func (s *Webhook) threadURL(tid int64) string {
	return s.pageURL(fmt.Sprintf("/showthread.php?tid=%d", tid))
}

// postURL anchors to the post when one is known, otherwise links the
// thread.
func (s *Webhook) postURL(tid, pid int64) string {
	if pid == 0 {
		return s.threadURL(tid)
	}
	return s.pageURL(fmt.Sprintf("/showthread.php?tid=%d&pid=%d#pid%d", tid, pid, pid))
}

func (s *Webhook) pageURL(path string) string {
	if s.forumURL == "" {
		return ""
	}
	return s.forumURL + path
}
