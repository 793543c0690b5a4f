package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/youruser/productivai/internal/logging"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = time.Second
)

// Client handles communication with the completion API.
type Client struct {
	baseURL     string
	apiKey      string
	transport   *Transport
	log         *logging.Logger
	doer        Doer
	referer     string
	title       string
	maxAttempts int
	retryDelay  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(doer Doer) Option {
	return func(c *Client) { c.doer = doer }
}

// WithHeaders sets the HTTP-Referer and X-Title identification headers.
func WithHeaders(referer, title string) Option {
	return func(c *Client) {
		c.referer = referer
		c.title = title
	}
}

// WithRetry bounds the attempts of non-streaming requests. delay is the first
// backoff interval and doubles on every further attempt.
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if delay >= 0 {
			c.retryDelay = delay
		}
	}
}

// WithLogger injects the logger used for transport, decode and retry messages.
func WithLogger(log *logging.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a new completion client.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiKey:      apiKey,
		log:         logging.Nop(),
		doer:        &http.Client{},
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.transport = NewTransport(c.doer, c.referer, c.title, c.log)
	return c
}

func (c *Client) endpoint() string {
	return c.baseURL + "/chat/completions"
}

// Stream sends req with streaming enabled and returns the decoded events as a
// lazy sequence. Each pull blocks until the next event is available. The
// sequence ends after exactly one terminal event, or silently when ctx is
// canceled. The connection is released on every exit path, including the
// consumer breaking out of the range loop. Streams are never retried.
func (c *Client) Stream(ctx context.Context, req ChatRequest) iter.Seq[StreamEvent] {
	req.Stream = true
	return func(yield func(StreamEvent) bool) {
		if ctx.Err() != nil {
			return
		}

		c.log.Debug("HTTP POST %s (model: %s, messages: %d, stream)", c.endpoint(), req.Model, len(req.Messages))

		lines, err := c.transport.OpenStream(ctx, c.endpoint(), c.apiKey, req)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Stream setup canceled for model %s", req.Model)
				return
			}
			c.log.Error("Stream setup failed for model %s: %v", req.Model, err)
			yield(StreamEvent{Type: EventError, Error: err.Error()})
			return
		}
		defer lines.Close()

		c.log.Info("Stream opened for model %s", req.Model)
		dec := NewDecoder(c.log)

		for {
			line, ok := lines.Next()
			if !ok {
				break
			}
			event, ok := dec.Decode(line)
			if !ok {
				continue
			}
			c.log.Stream(string(event.Type), event.Content+event.Reasoning+event.Error)
			if !yield(event) || event.Terminal() {
				return
			}
		}

		if ctx.Err() != nil {
			c.log.Info("Stream canceled for model %s", req.Model)
			return
		}
		if err := lines.Err(); err != nil {
			c.log.Error("SSE stream dropped: %v", err)
			yield(StreamEvent{Type: EventError, Error: fmt.Sprintf("%v: %v", ErrStreamError, err)})
			return
		}

		c.log.Debug("SSE stream ended without [DONE]")
		yield(StreamEvent{Type: EventDone, Usage: dec.usage})
	}
}

// Complete sends req without streaming and returns the assistant's message
// content. Transport failures, 429 and 5xx responses are retried with
// exponential backoff; other statuses fail immediately.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	req.Stream = false

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		c.log.Debug("HTTP POST %s (model: %s, attempt %d/%d)", c.endpoint(), req.Model, attempt, c.maxAttempts)

		raw, err := c.transport.Post(ctx, c.endpoint(), c.apiKey, req)
		if err == nil {
			body = raw
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !retryableStatus(statusErr.StatusCode) {
			return backoff.Permanent(err)
		}
		c.log.Warn("Completion attempt %d/%d failed: %v", attempt, c.maxAttempts, err)
		return err
	}

	if err := backoff.Retry(op, c.backoff(ctx)); err != nil {
		if ctx.Err() == nil && attempt >= c.maxAttempts {
			return "", fmt.Errorf("completion failed after %d attempts: %w", attempt, err)
		}
		return "", err
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("%w: invalid response body: %v", ErrRequestFailed, err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrRequestFailed, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}

	msg := chatResp.Choices[0].Message
	if msg == nil {
		return "", errors.New("no message in response")
	}
	return msg.Content, nil
}

func (c *Client) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
