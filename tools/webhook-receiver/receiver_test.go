package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/triggerd/internal/dispatcher"
)

func getStats(t *testing.T, h http.Handler) stats {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var s stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	return s
}

func post(h http.Handler, body string, header http.Header) int {
	req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewBufferString(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestReceiver_RecordsRequests(t *testing.T) {
	h := newReceiver("", 0, 0).routes()

	assert.Equal(t, http.StatusOK, post(h, `{"foo":"baz"}`, http.Header{"Header-1": {"v"}}))

	s := getStats(t, h)
	assert.Equal(t, int64(1), s.Count)
	require.Len(t, s.LastRequests, 1)
	assert.Equal(t, `{"foo":"baz"}`, s.LastRequests[0].Body)
	assert.Equal(t, "v", s.LastRequests[0].Headers["Header-1"])
	assert.Nil(t, s.LastRequests[0].SignatureValid)
}

func TestReceiver_FailFirst(t *testing.T) {
	h := newReceiver("", 2, http.StatusBadGateway).routes()

	assert.Equal(t, http.StatusBadGateway, post(h, "a", nil))
	assert.Equal(t, http.StatusBadGateway, post(h, "b", nil))
	assert.Equal(t, http.StatusOK, post(h, "c", nil))

	s := getStats(t, h)
	assert.Equal(t, int64(3), s.Count)
	assert.Equal(t, int64(2), s.Failed)
}

func TestReceiver_VerifiesSignatureFromSender(t *testing.T) {
	srv := httptest.NewServer(newReceiver("s3cret", 0, 0).routes())
	defer srv.Close()

	signed := dispatcher.NewHTTPWebhookSender().WithSigningSecret("s3cret")
	res := signed.Send(context.Background(), dispatcher.WebhookRequest{URL: srv.URL + "/hook", Body: []byte(`{}`)})
	assert.Equal(t, http.StatusOK, res.StatusCode)

	wrong := dispatcher.NewHTTPWebhookSender().WithSigningSecret("other")
	res = wrong.Send(context.Background(), dispatcher.WebhookRequest{URL: srv.URL + "/hook", Body: []byte(`{}`)})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestReceiver_Reset(t *testing.T) {
	h := newReceiver("", 0, 0).routes()
	post(h, "x", nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reset", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s := getStats(t, h)
	assert.Zero(t, s.Count)
	assert.Empty(t, s.LastRequests)
}
