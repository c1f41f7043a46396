package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/idea-eval/internal/resilience"
)

const maxResponseBytes = 8 << 20

// postJSON sends body as JSON and returns the raw response body of a 2xx
// reply. Non-2xx replies are mapped with resilience.FromHTTPStatus. The
// response body is always closed.
func postJSON(ctx context.Context, hc *http.Client, provider, url string, headers map[string]string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: marshal request", provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &resilience.ConfigError{Msg: provider + ": build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, eris.Wrapf(err, "%s: request", provider)
		}
		// Connection-level failures (resets, timeouts, refused) are retryable.
		return nil, resilience.NewTransientError(eris.Wrapf(err, "%s: request", provider), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "%s: read response", provider), resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resilience.FromHTTPStatus(provider, resp.StatusCode, string(data))
	}
	return data, nil
}

func decodeResponse(provider string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &resilience.MalformedResponseError{Component: provider, Detail: "undecodable response envelope: " + err.Error()}
	}
	return nil
}
