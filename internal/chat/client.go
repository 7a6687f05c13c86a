package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ent0n29/avatarchat/internal/config"
	"github.com/ent0n29/avatarchat/internal/reliability"
)

const readChunkSize = 4 << 10

// StatusError reports a non-2xx completion response.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat completion status %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Code)
}

type ClientConfig struct {
	Endpoint   string
	Deployment string
	APIVersion string
	Credential Credential
	HTTPClient *http.Client

	// MaxRetries bounds repeated attempts before the first response byte.
	MaxRetries int
	RetryBase  time.Duration
	RetryCap   time.Duration

	Cleanup   func(string) string
	Logger    *slog.Logger
	OnAnomaly func(reason string)
}

// Client streams chat completions from an Azure OpenAI deployment.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	switch {
	case strings.TrimSpace(cfg.Endpoint) == "":
		return nil, fmt.Errorf("%w: chat endpoint", config.ErrMissingSetting)
	case strings.TrimSpace(cfg.Deployment) == "":
		return nil, fmt.Errorf("%w: chat deployment", config.ErrMissingSetting)
	case cfg.Credential == nil:
		return nil, fmt.Errorf("%w: chat credential", config.ErrMissingSetting)
	}
	if k, ok := cfg.Credential.(APIKey); ok && strings.TrimSpace(string(k)) == "" {
		return nil, fmt.Errorf("%w: chat api key", config.ErrMissingSetting)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 4 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "chat " + r.Method
			}),
		)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: hc, logger: logger}, nil
}

// Stream posts req and yields decoded events in arrival order. The sequence
// always ends with an EventDone unless an error is yielded first.
func (c *Client) Stream(ctx context.Context, req Request) iter.Seq2[DeltaEvent, error] {
	return func(yield func(DeltaEvent, error) bool) {
		ctx, span := tracer.Start(ctx, "chat completion stream")
		defer span.End()
		grounded := req.Grounded()
		span.SetAttributes(
			attribute.String("request.deployment", c.cfg.Deployment),
			attribute.Bool("request.grounded", grounded),
			attribute.Int("request.messages", len(req.Messages)),
		)

		req.Stream = true
		body, err := sonic.Marshal(req)
		if err != nil {
			span.RecordError(err)
			yield(DeltaEvent{}, fmt.Errorf("marshal request: %w", err))
			return
		}

		endpoint := CompletionsURL(c.cfg.Endpoint, c.cfg.Deployment, c.cfg.APIVersion, grounded)
		started := time.Now()
		res, err := c.open(ctx, endpoint, body)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(DeltaEvent{}, err)
			return
		}
		defer res.Body.Close()
		span.SetAttributes(attribute.Int("response.status_code", res.StatusCode))

		asm := NewAssembler(c.logger, c.cfg.OnAnomaly)
		dec := &Decoder{
			Grounded:  grounded,
			Cleanup:   c.cfg.Cleanup,
			Logger:    c.logger,
			OnAnomaly: c.cfg.OnAnomaly,
		}
		first := true
		emit := func(records iter.Seq[Record]) (stop bool) {
			for rec := range records {
				ev, ok := dec.Decode(rec)
				if !ok {
					continue
				}
				if first && ev.Kind == EventContent {
					first = false
					span.SetAttributes(attribute.Float64("response.first_token_seconds", time.Since(started).Seconds()))
					span.AddEvent("received first token")
				}
				if !yield(ev, nil) || ev.Kind == EventDone {
					return true
				}
			}
			return false
		}

		buf := make([]byte, readChunkSize)
		for {
			n, readErr := res.Body.Read(buf)
			if n > 0 && emit(asm.Feed(buf[:n])) {
				return
			}
			if errors.Is(readErr, io.EOF) {
				break
			}
			if readErr != nil {
				err := fmt.Errorf("read stream: %w", readErr)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				yield(DeltaEvent{}, err)
				return
			}
		}
		if emit(asm.Close()) {
			return
		}
		// The body ended without a terminator; completion is still implied.
		yield(DeltaEvent{Kind: EventDone}, nil)
	}
}

func (c *Client) open(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, c.cfg.RetryBase, c.cfg.RetryCap)
			c.logger.Info("retrying chat completion", "attempt", attempt, "delay", delay, "error", lastErr)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if err := c.cfg.Credential.Apply(ctx, httpReq); err != nil {
			return nil, err
		}

		res, err := c.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("send request: %w", err)
			if !reliability.IsRetryableTransportError(err) {
				return nil, lastErr
			}
			continue
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return res, nil
		}
		excerpt, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		statusErr := &StatusError{Code: res.StatusCode, Status: res.Status, Body: string(excerpt)}
		if !statusErr.Retryable() {
			return nil, statusErr
		}
		lastErr = statusErr
	}
	return nil, lastErr
}
