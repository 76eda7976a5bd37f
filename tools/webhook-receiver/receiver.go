package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/triggerd/internal/dispatcher"
	"github.com/djlord-it/triggerd/internal/logging"
)

const maxStored = 50

type request struct {
	Timestamp      string            `json:"timestamp"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	Status         int               `json:"status"`
	SignatureValid *bool             `json:"signature_valid,omitempty"`
}

type stats struct {
	Count        int64     `json:"count"`
	Failed       int64     `json:"failed"`
	LastRequests []request `json:"last_requests"`
	Since        string    `json:"since"`
}

type receiver struct {
	secret     string
	failFirst  int64
	failStatus int
	logger     zerolog.Logger

	mu           sync.Mutex
	count        int64
	failed       int64
	lastRequests []request
	since        time.Time
}

func newReceiver(secret string, failFirst, failStatus int) *receiver {
	return &receiver{
		secret:     secret,
		failFirst:  int64(failFirst),
		failStatus: failStatus,
		logger:     logging.Component("webhook-receiver"),
		since:      time.Now().UTC(),
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", rc.hook)
	mux.HandleFunc("/stats", rc.stats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/reset", rc.reset)
	return mux
}

func (rc *receiver) hook(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	status := http.StatusOK
	var valid *bool
	if rc.secret != "" {
		ok := dispatcher.VerifySignature(rc.secret, body, r.Header.Get(dispatcher.SignatureHeader))
		valid = &ok
		if !ok {
			status = http.StatusUnauthorized
		}
	}

	rc.mu.Lock()
	rc.count++
	current := rc.count
	if status == http.StatusOK && current <= rc.failFirst {
		status = rc.failStatus
	}
	if status != http.StatusOK {
		rc.failed++
	}
	rc.lastRequests = append(rc.lastRequests, request{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Method:         r.Method,
		Path:           r.URL.Path,
		Headers:        headers,
		Body:           string(body),
		Status:         status,
		SignatureValid: valid,
	})
	if len(rc.lastRequests) > maxStored {
		rc.lastRequests = rc.lastRequests[len(rc.lastRequests)-maxStored:]
	}
	rc.mu.Unlock()

	rc.logger.Info().Int64("n", current).Int("status", status).RawJSON("body", jsonOrString(body)).Msg("hook received")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:        rc.count,
		Failed:       rc.failed,
		LastRequests: append([]request(nil), rc.lastRequests...),
		Since:        rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

func (rc *receiver) reset(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	rc.count = 0
	rc.failed = 0
	rc.lastRequests = nil
	rc.since = time.Now().UTC()
	rc.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "reset")
}

// jsonOrString keeps JSON bodies structured in the log line.
func jsonOrString(body []byte) []byte {
	if json.Valid(body) {
		return body
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
