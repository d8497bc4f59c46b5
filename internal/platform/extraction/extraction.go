package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Parameter is one extracted analyte measurement with the provider's
// confidence in the reading.
type Parameter struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Unit           string  `json:"unit,omitempty"`
	ReferenceRange string  `json:"reference_range,omitempty"`
	Flag           string  `json:"flag,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// Result is a provider response. Zero parameters means "no data", not an
// error.
type Result struct {
	Parameters []Parameter `json:"parameters"`
	RawText    string      `json:"raw_text,omitempty"`
}

// Error wraps a provider failure. Transient failures are retryable without
// any state change on the caller's side.
type Error struct {
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Transient {
		return fmt.Sprintf("extraction failed (retryable): %v", e.Err)
	}
	return fmt.Sprintf("extraction failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable extraction failure.
func IsTransient(err error) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Transient
}

// Provider extracts parameter/value pairs from a captured document. The
// request is bounded by the context; a cancelled or timed-out call leaves
// no state behind and may be retried.
type Provider interface {
	Extract(ctx context.Context, documentRef, processingHint string) (*Result, error)
}

// HTTPProvider calls an external extraction service over JSON/HTTP.
type HTTPProvider struct {
	url    string
	client *http.Client
}

func NewHTTPProvider(url string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Extract(ctx context.Context, documentRef, processingHint string) (*Result, error) {
	payload, err := json.Marshal(map[string]string{
		"document_ref":    documentRef,
		"processing_hint": processingHint,
	})
	if err != nil {
		return nil, &Error{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		// Network errors and context timeouts are retryable.
		return nil, &Error{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, &Error{Transient: true, Err: fmt.Errorf("provider returned status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Err: fmt.Errorf("provider returned status %d", resp.StatusCode)}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{Err: fmt.Errorf("decode provider response: %w", err)}
	}
	return &result, nil
}
