package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Class is the retry disposition of a provider error.
type Class int

const (
	ClassPermanent Class = iota
	ClassTransient
	ClassBusy
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassBusy:
		return "busy"
	default:
		return "permanent"
	}
}

type statusCoder interface {
	HTTPStatus() int
}

// StatusCode extracts an HTTP status from provider and HTTP errors, or 0.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// IsThreadBusy reports the provider conflict raised when a message is added
// to a thread that still has an active run.
func IsThreadBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Can't add messages to thread") && strings.Contains(msg, "while a run")
}

// ClassifyOpenAI decides whether a provider error is worth retrying.
func ClassifyOpenAI(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	if IsThreadBusy(err) {
		return ClassBusy
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.Type == "api_error" {
		return ClassTransient
	}

	status := StatusCode(err)
	switch {
	case status == http.StatusTooManyRequests:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	// unknown transport failures have no status; treat them as network errors
	return ClassTransient
}

// DoOpenAI retries op for rate limits, server errors and thread-busy
// conflicts. Busy conflicts wait p.BusyDelay first so the active run can
// finish. Other client errors fail on the first attempt.
func DoOpenAI(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	return Do(ctx, p, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		switch ClassifyOpenAI(err) {
		case ClassBusy:
			p.normalized().Logger.Info("retry: thread busy, waiting for active run",
				"operation", p.Name,
				"delay", p.BusyDelay,
			)
			if serr := sleep(ctx, p.BusyDelay); serr != nil {
				return NoRetry(serr)
			}
			return err
		case ClassTransient:
			return err
		default:
			return NoRetry(err)
		}
	})
}

// DoOpenAIValue is DoOpenAI for operations that produce a value.
func DoOpenAIValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := DoOpenAI(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
