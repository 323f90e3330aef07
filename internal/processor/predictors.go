package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StubPredictor returns a canned result after a fixed delay. Useful for
// demos and load tests where no real model is deployed.
func StubPredictor(delay time.Duration) Predictor {
	return func(ctx context.Context, input string) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		return fmt.Sprintf("stub prediction for %d byte input", len(input)), nil
	}
}

// HTTPPredictor sends the input to an inference endpoint and returns the
// result field of its JSON response.
func HTTPPredictor(url string, client *http.Client) Predictor {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, input string) (string, error) {
		body, err := json.Marshal(map[string]string{"input": input})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", err
		}
		if resp.StatusCode >= 300 {
			return "", fmt.Errorf("inference endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
		}
		var out struct {
			Result string `json:"result"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("decode inference response: %w", err)
		}
		return out.Result, nil
	}
}

// JSONObjectValidator accepts inputs that parse as a JSON object. Anything
// else is a data error the submitter has to fix.
func JSONObjectValidator(input string) (string, map[string]string) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", map[string]string{"input": "must not be empty"}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return "", map[string]string{"input": "must be a JSON object"}
	}
	return trimmed, nil
}
