package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/triggerd/internal/admin"
	"github.com/djlord-it/triggerd/internal/domain"
	"github.com/djlord-it/triggerd/internal/testutil"
)

func paginationContext(target string) *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, target, nil)
	return c
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
		wantErr    string
	}{
		{"", admin.DefaultLimit, 0, ""},
		{"?limit=50&offset=100", 50, 100, ""},
		{"?limit=1000", admin.MaxLimit, 0, ""},
		{"?limit=0", admin.DefaultLimit, 0, ""},
		{"?limit=2000", 0, 0, "limit exceeds maximum of 1000"},
		{"?limit=-1", 0, 0, "out of range"},
		{"?offset=-1", 0, 0, "out of range"},
		{"?limit=abc", 0, 0, "invalid syntax"},
		{"?offset=xyz", 0, 0, "invalid syntax"},
	}

	for _, tt := range tests {
		limit, offset, err := parsePagination(paginationContext("/v1/triggers" + tt.query))
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("%q: error = %v, want %q", tt.query, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.query, err)
			continue
		}
		if limit != tt.wantLimit || offset != tt.wantOffset {
			t.Errorf("%q: got (%d, %d), want (%d, %d)", tt.query, limit, offset, tt.wantLimit, tt.wantOffset)
		}
	}
}

// mockService returns canned results and records calls.
type mockService struct {
	trigger   domain.Trigger
	events    []domain.Event
	attempts  []domain.DeliveryAttempt
	totals    map[string]int64
	err       error
	lastReq   admin.CreateTriggerRequest
	lastEvent domain.EventFilter
	lastLimit int
}

func (m *mockService) CreateTrigger(ctx context.Context, req admin.CreateTriggerRequest) (domain.Trigger, error) {
	m.lastReq = req
	return m.trigger, m.err
}

func (m *mockService) DeleteTrigger(ctx context.Context, name string) (int, error) {
	return 3, m.err
}

func (m *mockService) GetTrigger(ctx context.Context, name string) (domain.Trigger, error) {
	return m.trigger, m.err
}

func (m *mockService) ListTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error) {
	m.lastLimit = limit
	return []domain.Trigger{m.trigger}, m.err
}

func (m *mockService) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	m.lastEvent = filter
	return m.events, m.err
}

func (m *mockService) ListAttempts(ctx context.Context, id uuid.UUID) ([]domain.DeliveryAttempt, error) {
	return m.attempts, m.err
}

func (m *mockService) Stats(ctx context.Context, name string) (map[string]int64, error) {
	return m.totals, m.err
}

type fakeDB struct{ err error }

func (f fakeDB) Ping(ctx context.Context) error { return f.err }

var created = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func serve(t *testing.T, h *Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestCreateTrigger_Created(t *testing.T) {
	trigger := testutil.CronTrigger("hourly", "5 * * * *", "http://example.com/hook", created)
	trigger.Payload = json.RawMessage(`{"foo":"baz"}`)
	svc := &mockService{trigger: trigger}

	body := `{"name":"hourly","schedule":{"type":"cron","value":"5 * * * *"},"webhook":"http://example.com/hook",
		"headers":[{"name":"header-1","value":"header-1-value"}],"payload":{"foo":"baz"},"retry_conf":{"timeout_seconds":5}}`
	rec := serve(t, NewHandler(svc), http.MethodPost, "/v1/triggers", body)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "cron", svc.lastReq.Schedule.Type)
	assert.Equal(t, "header-1-value", svc.lastReq.Headers[0].Value)
	assert.JSONEq(t, `{"foo":"baz"}`, string(svc.lastReq.Payload))
	require.NotNil(t, svc.lastReq.RetryConf)
	assert.Equal(t, 5, svc.lastReq.RetryConf.TimeoutSeconds)

	var resp TriggerResponse
	decode(t, rec, &resp)
	assert.Equal(t, "hourly", resp.Name)
	assert.Equal(t, "5 * * * *", resp.Schedule.Value)
	assert.Equal(t, "2024-01-15T10:00:00Z", resp.CreatedAt)
	assert.Equal(t, 60, resp.RetryConf.TimeoutSeconds)
}

func TestCreateTrigger_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &domain.ValidationError{Field: "name", Message: "is required"}, http.StatusBadRequest},
		{"duplicate", domain.ErrDuplicateName, http.StatusConflict},
		{"wrapped duplicate", errors.Join(errors.New("insert"), domain.ErrDuplicateName), http.StatusConflict},
		{"internal", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{err: tt.err}
			rec := serve(t, NewHandler(svc), http.MethodPost, "/v1/triggers", `{"name":"x"}`)
			assert.Equal(t, tt.want, rec.Code)

			var resp ErrorResponse
			decode(t, rec, &resp)
			assert.NotEmpty(t, resp.Error)
			if tt.want == http.StatusInternalServerError {
				assert.Equal(t, "failed to create trigger", resp.Error, "internal errors must not leak")
			}
		})
	}
}

func TestCreateTrigger_InvalidJSON(t *testing.T) {
	rec := serve(t, NewHandler(&mockService{}), http.MethodPost, "/v1/triggers", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTrigger_BodyTooLarge(t *testing.T) {
	body := `{"name":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	rec := serve(t, NewHandler(&mockService{}), http.MethodPost, "/v1/triggers", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGetTrigger(t *testing.T) {
	trigger := testutil.AdHocTrigger("once", created.Add(time.Hour), "http://example.com", created)
	rec := serve(t, NewHandler(&mockService{trigger: trigger}), http.MethodGet, "/v1/triggers/once", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TriggerResponse
	decode(t, rec, &resp)
	assert.Equal(t, "adhoc", resp.Schedule.Type)
	assert.Equal(t, "2024-01-15T11:00:00Z", resp.Schedule.Value)
	assert.NotNil(t, resp.Headers)

	rec = serve(t, NewHandler(&mockService{err: domain.ErrNotFound}), http.MethodGet, "/v1/triggers/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// Names may contain spaces; an escaped path segment reaches the service decoded.
func TestListEvents_EscapedName(t *testing.T) {
	name := "a scheduled trigger 2024-01-01T00:00:00Z"
	svc := &mockService{}

	rec := serve(t, NewHandler(svc), http.MethodGet, "/v1/triggers/"+url.PathEscape(name)+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, name, svc.lastEvent.TriggerName)
}

func TestListTriggers(t *testing.T) {
	svc := &mockService{trigger: testutil.CronTrigger("a", "* * * * *", "http://x.example", created)}
	rec := serve(t, NewHandler(svc), http.MethodGet, "/v1/triggers?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, svc.lastLimit)

	var resp ListTriggersResponse
	decode(t, rec, &resp)
	assert.Len(t, resp.Triggers, 1)

	rec = serve(t, NewHandler(svc), http.MethodGet, "/v1/triggers?limit=5000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteTrigger(t *testing.T) {
	rec := serve(t, NewHandler(&mockService{}), http.MethodDelete, "/v1/triggers/nightly", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DeleteTriggerResponse
	decode(t, rec, &resp)
	assert.Equal(t, DeleteTriggerResponse{Name: "nightly", EventsRemoved: 3}, resp)

	rec = serve(t, NewHandler(&mockService{err: domain.ErrNotFound}), http.MethodDelete, "/v1/triggers/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEvents(t *testing.T) {
	delivered := created.Add(time.Minute)
	svc := &mockService{events: []domain.Event{{
		ID:            uuid.New(),
		TriggerName:   "a",
		ScheduledTime: created,
		Status:        domain.EventStatusDelivered,
		AttemptCount:  1,
		NextAttemptAt: created,
		CreatedAt:     created,
		DeliveredAt:   &delivered,
	}}}

	rec := serve(t, NewHandler(svc), http.MethodGet, "/v1/triggers/a/events?status=delivered&offset=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.EventFilter{TriggerName: "a", Status: domain.EventStatusDelivered, Limit: admin.DefaultLimit, Offset: 5}, svc.lastEvent)

	var resp ListEventsResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Events, 1)
	require.NotNil(t, resp.Events[0].DeliveredAt)
	assert.Equal(t, "2024-01-15T10:01:00Z", *resp.Events[0].DeliveredAt)
	assert.Nil(t, resp.Events[0].ClaimedAt)

	rec = serve(t, NewHandler(svc), http.MethodGet, "/v1/events?status=dead", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", svc.lastEvent.TriggerName)
	assert.Equal(t, domain.EventStatusDead, svc.lastEvent.Status)
}

func TestListAttempts(t *testing.T) {
	eventID := uuid.New()
	svc := &mockService{attempts: []domain.DeliveryAttempt{{
		ID:         uuid.New(),
		EventID:    eventID,
		Attempt:    1,
		StatusCode: 503,
		StartedAt:  created,
		FinishedAt: created.Add(250 * time.Millisecond),
	}}}

	rec := serve(t, NewHandler(svc), http.MethodGet, "/v1/events/"+eventID.String()+"/attempts", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListAttemptsResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Attempts, 1)
	assert.Equal(t, 503, resp.Attempts[0].StatusCode)
	assert.Equal(t, int64(250), resp.Attempts[0].DurationMS)

	rec = serve(t, NewHandler(svc), http.MethodGet, "/v1/events/not-a-uuid/attempts", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerStats(t *testing.T) {
	rec := serve(t, NewHandler(&mockService{totals: map[string]int64{"delivered": 7}}), http.MethodGet, "/v1/triggers/a/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatsResponse
	decode(t, rec, &resp)
	assert.Equal(t, int64(7), resp.Outcomes["delivered"])

	rec = serve(t, NewHandler(&mockService{err: admin.ErrAnalyticsDisabled}), http.MethodGet, "/v1/triggers/a/stats", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealth(t *testing.T) {
	rec := serve(t, NewHandler(&mockService{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	h := NewHandler(&mockService{}).WithHealthChecker(fakeDB{})
	rec = serve(t, h, http.MethodGet, "/health?verbose=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"healthy"`)

	h = NewHandler(&mockService{}).WithHealthChecker(fakeDB{err: errors.New("connection refused")})
	rec = serve(t, h, http.MethodGet, "/health?verbose=true", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestUnknownRoute(t *testing.T) {
	rec := serve(t, NewHandler(&mockService{}), http.MethodGet, "/v2/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
