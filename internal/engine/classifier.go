package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Classifier answers whether text matches an llm_prompt rule's intent. Every
// failure mode (transport error, timeout, bad payload) is the same outcome
// for the caller: the rule did not fire, and a counter moved.
type Classifier interface {
	Classify(ctx context.Context, prompt, text string) (bool, error)
}

// HTTPClassifier delegates to an external classification endpoint speaking a
// minimal JSON contract: {"prompt": ..., "text": ...} in, {"result": bool} out.
type HTTPClassifier struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPClassifier builds the adapter. Timeout bounds each rule's call;
// zero falls back to the 2 second default.
func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPClassifier{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	Prompt string `json:"prompt"`
	Text   string `json:"text"`
}

type classifyResponse struct {
	Result bool `json:"result"`
}

// Classify posts the prompt/text pair and decodes the verdict.
func (c *HTTPClassifier) Classify(ctx context.Context, prompt, text string) (bool, error) {
	payload, err := json.Marshal(classifyRequest{Prompt: prompt, Text: text})
	if err != nil {
		return false, fmt.Errorf("classifier: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("classifier: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("classifier: call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("classifier: status %d", resp.StatusCode)
	}
	var verdict classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return false, fmt.Errorf("classifier: decode: %w", err)
	}
	return verdict.Result, nil
}
