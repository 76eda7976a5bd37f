package dispatcher

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/djlord-it/triggerd/internal/domain"
)

// Default headers set on every webhook call. Trigger headers may override them.
const (
	HeaderTriggerName   = "X-Trigger-Name"
	HeaderEventID       = "X-Event-ID"
	HeaderScheduledTime = "X-Scheduled-Time"
)

var envRef = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// LookupFunc resolves an environment reference. os.LookupEnv is the default.
type LookupFunc func(name string) (string, bool)

// ResolveTemplate replaces every {{NAME}} in s. An unset reference is an error.
func ResolveTemplate(s string, lookup LookupFunc) (string, error) {
	var missing string
	out := envRef.ReplaceAllStringFunc(s, func(m string) string {
		name := envRef.FindStringSubmatch(m)[1]
		v, ok := lookup(name)
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("environment variable %s is not set", missing)
	}
	return out, nil
}

// TemplateRefs lists the environment references in s.
func TemplateRefs(s string) []string {
	var refs []string
	for _, m := range envRef.FindAllStringSubmatch(s, -1) {
		refs = append(refs, m[1])
	}
	return refs
}

// RequestBuilder turns a claimed event into a webhook request.
type RequestBuilder struct {
	UserAgent string
	Lookup    LookupFunc
}

func NewRequestBuilder(userAgent string) *RequestBuilder {
	return &RequestBuilder{UserAgent: userAgent, Lookup: os.LookupEnv}
}

// Build resolves the webhook URL and headers. Any failure here is permanent:
// retrying cannot make a missing variable or malformed URL valid.
func (b *RequestBuilder) Build(c domain.ClaimedEvent) (WebhookRequest, error) {
	lookup := b.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	target, err := ResolveTemplate(c.Trigger.Webhook, lookup)
	if err != nil {
		return WebhookRequest{}, fmt.Errorf("webhook url: %w", err)
	}
	u, err := url.Parse(target)
	if err != nil {
		return WebhookRequest{}, fmt.Errorf("webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return WebhookRequest{}, fmt.Errorf("webhook url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return WebhookRequest{}, fmt.Errorf("webhook url: missing host")
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if b.UserAgent != "" {
		header.Set("User-Agent", b.UserAgent)
	}
	header.Set(HeaderTriggerName, c.Trigger.Name)
	header.Set(HeaderEventID, c.Event.ID.String())
	header.Set(HeaderScheduledTime, c.Event.ScheduledTime.UTC().Format(time.RFC3339))

	for _, h := range c.Trigger.Headers {
		value := h.Value
		if h.ValueFromEnv != "" {
			v, ok := lookup(h.ValueFromEnv)
			if !ok {
				return WebhookRequest{}, fmt.Errorf("header %s: environment variable %s is not set", h.Name, h.ValueFromEnv)
			}
			value = v
		}
		header.Set(h.Name, value)
	}

	body := []byte(c.Trigger.Payload)
	if len(body) == 0 {
		body = []byte("null")
	}

	return WebhookRequest{
		URL:     target,
		Header:  header,
		Body:    body,
		Timeout: c.Trigger.Retry.Timeout,
	}, nil
}
