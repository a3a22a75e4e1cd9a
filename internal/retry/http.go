package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxErrorBody = 4 << 10

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// HTTPStatus returns the response status code.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// DoHTTP sends the request built by newReq, retrying network failures and
// 5xx responses under p. 4xx responses fail immediately with *HTTPError.
// On success the caller owns the response body.
func DoHTTP(ctx context.Context, client *http.Client, p Policy, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	return DoValue(ctx, p, func(ctx context.Context) (*http.Response, error) {
		req, err := newReq(ctx)
		if err != nil {
			return nil, NoRetry(fmt.Errorf("retry: build request: %w", err))
		}
		resp, err := client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, NoRetry(err)
			}
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
		if resp.StatusCode >= 500 {
			return nil, httpErr
		}
		return nil, NoRetry(httpErr)
	})
}
