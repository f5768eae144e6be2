package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON performs an HTTP request with bounded retry. The forge and
// escrow relayer clients go through here; both APIs are safe to retry on
// transport errors and 5xx responses, and anything else is returned to
// the caller for its own status handling.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		status, respBody, err := doJSON(ctx, client, method, url, body, headers)
		if err == nil && status < 500 {
			return status, respBody, nil
		}
		if err == nil {
			// 5xx counts as retryable; hand the last one back if the
			// budget runs out.
			lastErr = nil
			if attempt == retries {
				return status, respBody, nil
			}
		} else {
			lastErr = err
			if attempt == retries {
				return 0, nil, err
			}
		}
		if !sleepCtx(ctx, retryDelay) {
			return 0, nil, ctx.Err()
		}
	}
	return 0, nil, lastErr
}

func doJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// sleepCtx waits out the retry delay unless the caller's deadline ends
// first. A merge pipeline run must not outlive its webhook context just
// to retry a comment post.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
