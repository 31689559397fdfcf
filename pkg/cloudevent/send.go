package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sender delivers CloudEvents over HTTP POST. It is safe for concurrent
// use and reuses connections across deliveries to the same host.
type Sender struct {
	client *http.Client
}

// NewSender creates a Sender with the given per-request timeout.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SendOptions controls signing. A pre-computed Signature wins over
// SigningKey when both are set.
type SendOptions struct {
	SigningKey string
	Signature  string
}

// Send posts event to url as structured-mode CloudEvents JSON. Responses
// outside 2xx come back as *HTTPError so callers can distinguish receiver
// rejections from transport failures.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, opts SendOptions) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/cloudevents+json")
	req.Header.Set("Ce-Specversion", event.SpecVersion)
	req.Header.Set("Ce-Type", event.Type)
	req.Header.Set("Ce-Source", event.Source)
	req.Header.Set("Ce-Subject", event.Subject)
	req.Header.Set("Ce-Id", event.ID)
	req.Header.Set("Ce-Time", event.Time.Format(time.RFC3339))

	switch {
	case opts.Signature != "":
		req.Header.Set("X-Signature-256", opts.Signature)
	case opts.SigningKey != "":
		req.Header.Set("X-Signature-256", hmacSignature(body, opts.SigningKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can go back to the idle pool.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

// hmacSignature signs payload with HMAC-SHA256 in the common
// "sha256=<hex>" webhook format.
func hmacSignature(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// HTTPError is a non-2xx response from the receiver.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsClientError reports whether err is (or wraps) a 4xx response. The
// receiver saw the request and rejected it, so retrying is pointless.
func IsClientError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}
