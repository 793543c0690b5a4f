package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/youruser/productivai/internal/logging"
)

var (
	ErrRequestFailed = errors.New("API request failed")
	ErrStreamError   = errors.New("stream error")
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	maxLineSize = 1024 * 1024
)

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %d - %s", ErrRequestFailed, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrRequestFailed
}

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Transport posts chat payloads to the completion endpoint.
type Transport struct {
	doer    Doer
	referer string
	title   string
	log     *logging.Logger
}

// NewTransport creates a transport. referer and title are sent as the
// HTTP-Referer and X-Title identification headers.
func NewTransport(doer Doer, referer, title string, log *logging.Logger) *Transport {
	if doer == nil {
		doer = &http.Client{}
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Transport{doer: doer, referer: referer, title: title, log: log}
}

func (t *Transport) newRequest(ctx context.Context, endpoint, apiKey string, payload any) (*http.Request, error) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	return req, nil
}

// OpenStream issues the request and returns as soon as response headers are
// read; the body is consumed lazily through the returned LineStream, which the
// caller must Close. A non-2xx status is read in full, released, and returned
// as a *StatusError without yielding any line.
func (t *Transport) OpenStream(ctx context.Context, endpoint, apiKey string, payload any) (*LineStream, error) {
	req, err := t.newRequest(ctx, endpoint, apiKey, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.doer.Do(req)
	if err != nil {
		return nil, err
	}

	t.log.Debug("HTTP response status: %d", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.log.Error("API error %d: %s", resp.StatusCode, string(body))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return newLineStream(ctx, resp.Body), nil
}

// Post issues a non-streaming request and returns the complete response body.
func (t *Transport) Post(ctx context.Context, endpoint, apiKey string, payload any) ([]byte, error) {
	req, err := t.newRequest(ctx, endpoint, apiKey, payload)
	if err != nil {
		return nil, err
	}

	resp, err := t.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.log.Error("API error %d: %s", resp.StatusCode, string(body))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// LineStream yields the `data: ` lines of a server-sent-event body one pull at
// a time. It is single-consumer and not restartable.
type LineStream struct {
	ctx       context.Context
	body      io.ReadCloser
	scanner   *bufio.Scanner
	done      bool
	err       error
	closeOnce sync.Once
}

func newLineStream(ctx context.Context, body io.ReadCloser) *LineStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &LineStream{ctx: ctx, body: body, scanner: scanner}
}

// Next blocks until the next data line is available. It returns false once
// the stream is exhausted, the terminal [DONE] line has been returned, or the
// context is canceled. Lines without the data prefix are skipped.
func (s *LineStream) Next() (string, bool) {
	if s.done {
		return "", false
	}

	for {
		if s.ctx.Err() != nil {
			s.finish()
			return "", false
		}
		if !s.scanner.Scan() {
			break
		}

		line := s.scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		if strings.TrimSpace(line[len(dataPrefix):]) == doneSentinel {
			s.finish()
		}
		return line, true
	}

	// When the context is canceled the HTTP body is closed under the scanner,
	// which surfaces as a read error. That is a silent stop, not a drop.
	if err := s.scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.err = err
	}
	s.finish()
	return "", false
}

// Err returns the read error that ended the stream, if any. Cancellation is
// not reported as an error.
func (s *LineStream) Err() error {
	return s.err
}

func (s *LineStream) finish() {
	s.done = true
	s.Close()
}

// Close releases the response body. It is safe to call more than once; the
// body is closed exactly once.
func (s *LineStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
