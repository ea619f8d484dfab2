package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/AltairaLabs/agentgate/a2a"
)

// maxErrorBody caps how much of a failed response body is kept for errors.
const maxErrorBody = 4096

// postJSON performs one HTTP round trip to an agent endpoint and returns the
// raw response body. Errors are classified into the gateway taxonomy:
// deadline hits map to ErrTimeout, connection failures to ErrUnreachable, and
// non-2xx statuses to RemoteError.
func postJSON(ctx context.Context, client *http.Client, url, bearerToken string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("worker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, a2a.ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", a2a.ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, a2a.ErrTimeout
		}
		return nil, fmt.Errorf("%w: read body: %v", a2a.ErrUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		trimmed := raw
		if len(trimmed) > maxErrorBody {
			trimmed = trimmed[:maxErrorBody]
		}
		return nil, &a2a.RemoteError{Status: resp.StatusCode, Body: string(trimmed)}
	}
	return raw, nil
}

// countsAsFailure reports whether an outcome feeds breaker failure
// accounting. Application-level errors from a responsive upstream (JSON-RPC
// errors, 4xx statuses) do not: the agent answered, it just said no.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, a2a.ErrTimeout) ||
		errors.Is(err, a2a.ErrUnreachable) ||
		errors.Is(err, a2a.ErrInvalidJSON) ||
		errors.Is(err, a2a.ErrMalformedInit) {
		return true
	}
	var remote *a2a.RemoteError
	if errors.As(err, &remote) {
		return remote.Status >= http.StatusInternalServerError
	}
	return false
}
