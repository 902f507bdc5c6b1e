package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"proofpay/observability/logging"
	"proofpay/observability/metrics"
)

const (
	maxDeliveryAttempts = 5
	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-ProofPay-Signature"
)

// GatewayConfig configures delivery to the messaging bridge.
type GatewayConfig struct {
	// BridgeURL receives one JSON POST per message. When empty messages are
	// logged instead of delivered.
	BridgeURL string
	Secret    string
	// RatePerSecond bounds outbound requests to the bridge.
	RatePerSecond float64
	Burst         int
	Client        *http.Client
	Logger        *slog.Logger
	Now           func() time.Time
}

// Gateway renders notifications and delivers them asynchronously.
type Gateway struct {
	queue   *Queue
	cfg     GatewayConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
	metrics *metrics.NotifyMetrics
}

// NewGateway constructs a gateway draining queue.
func NewGateway(queue *Queue, cfg GatewayConfig) (*Gateway, error) {
	if queue == nil {
		return nil, fmt.Errorf("notify: queue required")
	}
	if raw := strings.TrimSpace(cfg.BridgeURL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("notify: invalid bridge url %q", raw)
		}
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Gateway{
		queue:   queue,
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		now:     now,
		metrics: metrics.Notify(),
	}, nil
}

// Notify renders kind and queues it for identity.
func (g *Gateway) Notify(_ context.Context, identity string, kind Kind, data map[string]string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("notify: identity required")
	}
	text, err := Render(kind, data)
	if err != nil {
		return "", err
	}
	msg := Message{
		ID:        uuid.NewString(),
		Identity:  identity,
		Kind:      kind,
		Text:      text,
		Data:      data,
		CreatedAt: g.now().UTC(),
	}
	g.queue.Enqueue(msg)
	g.metrics.RecordEnqueued(string(kind))
	return msg.ID, nil
}

// Run delivers queued messages until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	for {
		t, ok := g.queue.dequeue(ctx)
		if !ok {
			return
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return
		}
		g.deliver(ctx, t)
	}
}

func (g *Gateway) deliver(ctx context.Context, t task) {
	if strings.TrimSpace(g.cfg.BridgeURL) == "" {
		g.logger.Info("notification not delivered: no bridge configured",
			slog.String("message_id", t.msg.ID),
			slog.String("kind", string(t.msg.Kind)),
			logging.Identity("to", t.msg.Identity))
		return
	}
	payload, err := json.Marshal(map[string]any{
		"id":        t.msg.ID,
		"to":        t.msg.Identity,
		"kind":      t.msg.Kind,
		"body":      t.msg.Text,
		"data":      t.msg.Data,
		"timestamp": t.msg.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		g.logger.Error("encode notification", slog.String("message_id", t.msg.ID), slog.Any("error", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BridgeURL, bytes.NewReader(payload))
	if err != nil {
		g.logger.Error("build notification request", slog.String("message_id", t.msg.ID), slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(g.cfg.Secret, payload))
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.retryLater(t, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.retryLater(t, resp.Status)
		return
	}
	g.metrics.RecordDelivered(string(t.msg.Kind))
}

func (g *Gateway) retryLater(t task, reason string) {
	g.metrics.RecordDeliveryFailure(destination(g.cfg.BridgeURL))
	attempt := t.attempt + 1
	if attempt >= maxDeliveryAttempts {
		g.metrics.RecordDropped("attempts", 1)
		g.logger.Warn("notification abandoned",
			slog.String("message_id", t.msg.ID),
			slog.Int("attempts", attempt),
			slog.String("reason", reason))
		return
	}
	t.attempt = attempt
	t.notBefore = g.now().Add(backoff(attempt))
	t.enqueuedAt = time.Time{}
	g.queue.push(t)
}

func backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func destination(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "unknown"
	}
	return parsed.Host
}
