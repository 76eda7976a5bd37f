package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxResponseBody bounds how much of a webhook response is kept in the attempt log.
const MaxResponseBody = 4 << 10

const defaultWebhookTimeout = 60 * time.Second

// SignatureHeader carries the HMAC-SHA256 of the body when a signing secret is configured.
const SignatureHeader = "X-Triggerd-Signature"

type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

type WebhookRequest struct {
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

type WebhookResult struct {
	StatusCode int
	Body       string // truncated to MaxResponseBody
	Error      error
	Duration   time.Duration
}

func (r WebhookResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRetryable reports transient failures: transport errors, timeouts, 5xx, 408 and 429.
func (r WebhookResult) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	switch r.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return r.StatusCode >= 500
}

// HostFailed reports whether the result counts against the host's circuit.
// A 4xx means the host answered, so only transport errors and 5xx count.
func (r WebhookResult) HostFailed() bool {
	return r.Error != nil || r.StatusCode >= 500
}

type HTTPWebhookSender struct {
	client *http.Client
	secret string
}

func NewHTTPWebhookSender() *HTTPWebhookSender {
	return &HTTPWebhookSender{
		client: &http.Client{},
	}
}

// WithSigningSecret enables the signature header on every request.
func (s *HTTPWebhookSender) WithSigningSecret(secret string) *HTTPWebhookSender {
	s.secret = secret
	return s
}

func (s *HTTPWebhookSender) WithClient(client *http.Client) *HTTPWebhookSender {
	s.client = client
	return s
}

// Send POSTs the body with the request headers under the request timeout.
func (s *HTTPWebhookSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	start := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if s.secret != "" {
		httpReq.Header.Set(SignatureHeader, "sha256="+computeSignature(s.secret, req.Body))
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody))
	// Drain the rest so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	return WebhookResult{StatusCode: resp.StatusCode, Body: string(body), Duration: time.Since(start)}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks.
// signature may carry the "sha256=" prefix.
func VerifySignature(secret string, body []byte, signature string) bool {
	const prefix = "sha256="
	if len(signature) > len(prefix) && signature[:len(prefix)] == prefix {
		signature = signature[len(prefix):]
	}
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
