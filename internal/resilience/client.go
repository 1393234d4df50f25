package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient retries transport failures and 5xx/429 answers with backoff,
// and stops calling a target its Breaker has opened.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	MaxAttempts int
	BaseBackoff time.Duration
	Jitter      float64
	// Timeout bounds each attempt; zero leaves only the caller's deadline.
	Timeout time.Duration
}

// Do sends req, replaying its body on each attempt. The returned response is
// the first one that is not retryable; its body belongs to the caller.
func (c HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	body, err := drainBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		done, err := c.Breaker.Allow()
		if err != nil {
			return nil, err
		}
		resp, err := c.once(ctx, req, body)
		retry := err != nil || resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
		done(!retry)
		if !retry {
			return resp, nil
		}
		if err == nil {
			lastErr = fmt.Errorf("resilience: upstream answered %s", resp.Status)
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		} else {
			lastErr = err
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(Backoff(c.BaseBackoff, attempt, c.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (c HTTPClient) once(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	callCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		resp, err := c.send(callCtx, req, body)
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return c.send(callCtx, req, body)
}

func (c HTTPClient) send(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
	}
	return c.Client.Do(clone)
}

func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer func() { _ = req.Body.Close() }()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("resilience: buffer request body: %w", err)
	}
	return data, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
