// Package push delivers task updates to webhook endpoints. Deliveries are
// signed per the config's auth mode, retried with exponential backoff, and
// always run off the broadcasting goroutine.
package push

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/AltairaLabs/agentgate/a2a"
	"github.com/AltairaLabs/agentgate/logger"
	"github.com/AltairaLabs/agentgate/telemetry"
)

// Delivery errors.
var (
	ErrNoURL       = errors.New("push: webhook url is required")
	ErrMaxAttempts = errors.New("push: delivery attempts exhausted")
)

// Defaults applied when the corresponding Engine option is unset.
const (
	DefaultMaxAttempts = 3
	DefaultRetryBase   = 200 * time.Millisecond
	DefaultTimeout     = 15 * time.Second
	DefaultJWTTTL      = 300 * time.Second
	DefaultJWTSkew     = 120 * time.Second
)

// Engine signs and POSTs task updates to webhook endpoints. Safe for
// concurrent use.
type Engine struct {
	client      *http.Client
	bus         *telemetry.Bus
	maxAttempts int
	retryBase   time.Duration
	timeout     time.Duration
	jwtTTL      time.Duration
	jwtSkew     time.Duration

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures an Engine.
type Option func(*Engine)

// WithClient sets the HTTP client used for deliveries.
func WithClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithTelemetry attaches a telemetry bus for push events.
func WithTelemetry(bus *telemetry.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMaxAttempts sets the retry cap per delivery.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRetryBase sets the backoff base delay.
func WithRetryBase(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retryBase = d
		}
	}
}

// WithTimeout bounds each individual POST attempt.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithJWTDefaults sets the ttl and skew used when a config leaves them unset.
func WithJWTDefaults(ttl, skew time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.jwtTTL = ttl
		}
		if skew > 0 {
			e.jwtSkew = skew
		}
	}
}

// WithRateLimit throttles deliveries per destination host. The default is
// unlimited.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(e *Engine) {
		e.limit = limit
		e.burst = burst
	}
}

// NewEngine creates a delivery engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		client:      &http.Client{},
		maxAttempts: DefaultMaxAttempts,
		retryBase:   DefaultRetryBase,
		timeout:     DefaultTimeout,
		jwtTTL:      DefaultJWTTTL,
		jwtSkew:     DefaultJWTSkew,
		limit:       rate.Inf,
		burst:       1,
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deliver signs and POSTs payload to cfg's endpoint, retrying per policy.
// A 2xx response succeeds. A 4xx is final and returns the remote error. A 5xx
// or transport failure retries with exponential backoff until the attempt cap.
func (e *Engine) Deliver(ctx context.Context, payload *a2a.StreamResponse, cfg *a2a.PushConfig) error {
	if cfg == nil || cfg.URL == "" {
		return ErrNoURL
	}

	body, err := json.Marshal(struct {
		StreamResponse *a2a.StreamResponse `json:"streamResponse"`
	}{payload})
	if err != nil {
		return fmt.Errorf("push: encode payload: %w", err)
	}

	taskID := payload.TaskID()
	headers, err := e.buildHeaders(cfg, body, taskID, time.Now())
	if err != nil {
		return err
	}

	e.emit(telemetry.EventPushStart, nil, map[string]string{
		telemetry.KeyTaskID: taskID,
		telemetry.KeyURL:    cfg.URL,
	})

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := e.limiterFor(cfg.URL).Wait(ctx); err != nil {
			return err
		}

		status, err := e.post(ctx, cfg.URL, headers, body)
		switch {
		case err == nil && status >= 200 && status <= 299:
			e.emit(telemetry.EventPushSuccess,
				map[string]int64{"attempt": int64(attempt), "status": int64(status)},
				map[string]string{telemetry.KeyTaskID: taskID, telemetry.KeyURL: cfg.URL})
			logger.WebhookDelivery(cfg.URL, attempt, status, "task_id", taskID)
			return nil

		case err == nil && status >= 400 && status <= 499:
			e.emit(telemetry.EventPushFailure,
				map[string]int64{"attempt": int64(attempt), "status": int64(status)},
				map[string]string{
					telemetry.KeyTaskID: taskID,
					telemetry.KeyURL:    cfg.URL,
					telemetry.KeyReason: "client_error",
				})
			return &a2a.RemoteError{Status: status}

		case err == nil:
			lastErr = &a2a.RemoteError{Status: status}
		default:
			lastErr = err
		}

		if attempt == e.maxAttempts {
			break
		}
		delay := e.retryBase * (1 << (attempt - 1))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.emit(telemetry.EventPushFailure,
		map[string]int64{"attempt": int64(e.maxAttempts)},
		map[string]string{
			telemetry.KeyTaskID: taskID,
			telemetry.KeyURL:    cfg.URL,
			telemetry.KeyReason: "max_attempts",
		})
	return fmt.Errorf("%w after %d attempts: %v", ErrMaxAttempts, e.maxAttempts, lastErr)
}

// buildHeaders assembles the delivery headers for cfg. Later auth modes
// override earlier ones within the same header name.
func (e *Engine) buildHeaders(cfg *a2a.PushConfig, body []byte, taskID string, now time.Time) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")

	if cfg.Auth.Token != "" {
		h.Set("x-a2a-token", cfg.Auth.Token)
	}
	if cfg.Auth.HMACSecret != "" {
		ts := strconv.FormatInt(now.Unix(), 10)
		mac := hmac.New(sha256.New, []byte(cfg.Auth.HMACSecret))
		mac.Write([]byte(ts + "."))
		mac.Write(body)
		h.Set("x-a2a-signature", hex.EncodeToString(mac.Sum(nil)))
		h.Set("x-a2a-timestamp", ts)
	}
	if cfg.Auth.JWTSecret != "" {
		token, err := e.signJWT(cfg, body, taskID, now)
		if err != nil {
			return nil, err
		}
		h.Set("Authorization", "Bearer "+token)
	}
	return h, nil
}

// signJWT builds the HS256 delivery token. The hash claim binds the token to
// this exact body.
func (e *Engine) signJWT(cfg *a2a.PushConfig, body []byte, taskID string, now time.Time) (string, error) {
	ttl := e.jwtTTL
	if cfg.Auth.JWTTTLSeconds > 0 {
		ttl = time.Duration(cfg.Auth.JWTTTLSeconds) * time.Second
	}
	skew := e.jwtSkew
	if cfg.Auth.JWTSkewSeconds > 0 {
		skew = time.Duration(cfg.Auth.JWTSkewSeconds) * time.Second
	}

	sum := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
		"nbf":  now.Add(-skew).Unix(),
		"hash": hex.EncodeToString(sum[:]),
	}
	if cfg.Auth.JWTIssuer != "" {
		claims["iss"] = cfg.Auth.JWTIssuer
	}
	if cfg.Auth.JWTAudience != "" {
		claims["aud"] = cfg.Auth.JWTAudience
	}
	if taskID != "" {
		claims["taskId"] = taskID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if cfg.Auth.JWTKid != "" {
		token.Header["kid"] = cfg.Auth.JWTKid
	}
	signed, err := token.SignedString([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("push: sign jwt: %w", err)
	}
	return signed, nil
}

func (e *Engine) post(ctx context.Context, endpoint string, headers http.Header, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("push: build request: %w", err)
	}
	for name, values := range headers {
		req.Header[name] = values
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", a2a.ErrUnreachable, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func (e *Engine) limiterFor(endpoint string) *rate.Limiter {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	lim, ok := e.limiters[host]
	if !ok {
		lim = rate.NewLimiter(e.limit, e.burst)
		e.limiters[host] = lim
	}
	return lim
}

func (e *Engine) emit(name string, measurements map[string]int64, metadata map[string]string) {
	e.bus.Emit(name, measurements, metadata)
}
