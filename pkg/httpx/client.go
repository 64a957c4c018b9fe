package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON sends body (as JSON when non-empty) and returns the status and
// response body. Transport failures, unreadable bodies and 5xx answers are
// retried up to retries more times, retryDelay apart; the last 5xx is
// returned as a normal response rather than an error.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	for attempt := 0; ; attempt++ {
		status, resp, err := roundTrip(ctx, client, method, url, body, headers)
		retryable := err != nil || status >= http.StatusInternalServerError
		if !retryable || attempt >= retries {
			return status, resp, err
		}
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		if werr := pause(ctx, retryDelay); werr != nil {
			return 0, nil, werr
		}
	}
}

func roundTrip(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
