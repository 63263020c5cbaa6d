package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-availability/internal/auth"
	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/cache"
	"github.com/hackgods/clinic-availability/internal/config"
)

type testServer struct {
	srv    *httptest.Server
	tokens *auth.TokenManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Config{
		SlotDuration:    30 * time.Minute,
		CacheTTL:        300 * time.Second,
		ClaimTimeout:    2 * time.Second,
		LockTimeout:     time.Second,
		InvalidationTTL: time.Second,
	}
	svc := availability.NewService(
		availability.NewMemoryRepository(cfg.LockTimeout),
		cache.NewMemoryStore(time.Minute),
		availability.NewLocalLocker(cfg.LockTimeout),
		cfg,
	)
	tokens := auth.NewTokenManager("test-secret", time.Hour)

	handler := NewRouter(RouterConfig{
		Service: svc,
		Tokens:  tokens,
		Health:  NewHealthHandler("test", "v0"),
		Logger:  zerolog.Nop(),
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, tokens: tokens}
}

func (s *testServer) token(t *testing.T, role auth.Role) (uuid.UUID, string) {
	t.Helper()
	id := uuid.New()
	tok, err := s.tokens.Issue(auth.Identity{UserID: id, Role: role})
	require.NoError(t, err)
	return id, tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (s *testServer) seedDoctor(t *testing.T, specialty string) (uuid.UUID, []availability.AvailabilitySlot) {
	t.Helper()
	doctorID, tok := s.token(t, auth.RoleDoctor)

	resp := s.do(t, http.MethodPut, "/doctors/me/profile", tok, map[string]any{"specialty": specialty, "fee": "350.00"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created SlotsResponse
	resp = s.do(t, http.MethodPost, "/doctors/me/slots", tok, map[string]any{
		"start": "2026-03-02T09:00:00Z",
		"end":   "2026-03-02T11:00:00Z",
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return doctorID, created.Slots
}

func TestAPI_Scenario(t *testing.T) {
	s := newTestServer(t)
	doctorID, slots := s.seedDoctor(t, "Ayurveda")
	require.Len(t, slots, 4)

	var profile availability.DoctorProfile
	resp := s.do(t, http.MethodGet, "/doctors/"+doctorID.String()+"/profile", "", nil, &profile)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ayurveda", profile.Specialty)
	assert.Equal(t, "350", profile.Fee.String())

	var search SearchResponse
	resp = s.do(t, http.MethodGet, "/slots?specialty=Ayurveda&date=2026-03-02", "", nil, &search)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 4, search.Count)

	patientA, tokA := s.token(t, auth.RolePatient)
	_, tokB := s.token(t, auth.RolePatient)
	target := search.Slots[1].ID.String()

	var booking availability.Booking
	resp = s.do(t, http.MethodPost, "/bookings", tokA, CreateBookingRequest{SlotID: target}, &booking)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, availability.BookingConfirmed, booking.Status)
	assert.Equal(t, patientA, booking.PatientID)

	resp = s.do(t, http.MethodGet, "/slots?specialty=Ayurveda&date=2026-03-02", "", nil, &search)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, search.Count)

	var errResp ErrorResponse
	resp = s.do(t, http.MethodPost, "/bookings", tokB, CreateBookingRequest{SlotID: target}, &errResp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "slot_unavailable", errResp.Error)

	var got availability.Booking
	resp = s.do(t, http.MethodGet, "/bookings/"+booking.ID.String(), tokA, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, booking.ID, got.ID)

	resp = s.do(t, http.MethodGet, "/bookings/"+booking.ID.String(), tokB, nil, &errResp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var list BookingsResponse
	resp = s.do(t, http.MethodGet, "/bookings", tokA, nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, list.Count)
}

func TestAPI_ConcurrentBookings(t *testing.T) {
	s := newTestServer(t)
	_, slots := s.seedDoctor(t, "Cardiology")
	target := slots[0].ID.String()

	const n = 15
	statuses := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		_, tok := s.token(t, auth.RolePatient)
		wg.Add(1)
		go func(i int, tok string) {
			defer wg.Done()
			body, _ := json.Marshal(CreateBookingRequest{SlotID: target})
			req, _ := http.NewRequest(http.MethodPost, s.srv.URL+"/bookings", bytes.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+tok)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i, tok)
	}
	wg.Wait()

	created, conflicts := 0, 0
	for _, st := range statuses {
		switch st {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, n-1, conflicts)
}

func TestAPI_AuthAndRoles(t *testing.T) {
	s := newTestServer(t)
	_, patientTok := s.token(t, auth.RolePatient)
	_, doctorTok := s.token(t, auth.RoleDoctor)

	resp := s.do(t, http.MethodPut, "/doctors/me/profile", "", map[string]any{"specialty": "ENT", "fee": 1}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPut, "/doctors/me/profile", "not-a-token", map[string]any{"specialty": "ENT", "fee": 1}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodPut, "/doctors/me/profile", patientTok, map[string]any{"specialty": "ENT", "fee": 1}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/bookings", doctorTok, CreateBookingRequest{SlotID: uuid.NewString()}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_ValidationAndErrors(t *testing.T) {
	s := newTestServer(t)
	_, doctorTok := s.token(t, auth.RoleDoctor)
	_, patientTok := s.token(t, auth.RolePatient)

	var errResp ErrorResponse
	resp := s.do(t, http.MethodGet, "/slots?specialty=Ayurveda&date=02-03-2026", "", nil, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", errResp.Error)
	require.NotEmpty(t, errResp.Fields)
	assert.Equal(t, "date", errResp.Fields[0].Field)

	resp = s.do(t, http.MethodPost, "/doctors/me/slots", doctorTok, map[string]any{
		"start": "2026-03-02T09:00:00Z",
		"end":   "2026-03-02T10:00:00Z",
	}, &errResp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "profile_not_found", errResp.Error)

	resp = s.do(t, http.MethodPut, "/doctors/me/profile", doctorTok, map[string]any{"specialty": "ENT", "fee": "-5"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_fee", errResp.Error)

	resp = s.do(t, http.MethodPut, "/doctors/me/profile", doctorTok, map[string]any{"specialty": "ENT", "fee": "5"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/doctors/me/slots", doctorTok, map[string]any{
		"start": "2026-03-02T09:00:00Z",
		"end":   "2026-03-02T09:10:00Z",
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "no_slots_producible", errResp.Error)

	resp = s.do(t, http.MethodPost, "/bookings", patientTok, map[string]any{"slot_id": "nope"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", errResp.Error)

	resp = s.do(t, http.MethodPost, "/bookings", patientTok, map[string]any{"slot_id": uuid.NewString(), "extra": 1}, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request_body", errResp.Error)

	resp = s.do(t, http.MethodPost, "/bookings", patientTok, CreateBookingRequest{SlotID: uuid.NewString()}, &errResp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "slot_not_found", errResp.Error)
}

func TestWriteServiceError_Infrastructure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, availability.ErrLockTimeout)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "lock_timeout", body.Error)

	rec = httptest.NewRecorder()
	writeServiceError(rec, errors.New("pool exhausted"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "internal_error", body.Error)
	assert.NotContains(t, body.Details, "pool exhausted")
}

func TestHealth(t *testing.T) {
	down := errors.New("down")
	cases := []struct {
		name       string
		deps       []Dependency
		wantStatus int
		want       string
	}{
		{"no deps", nil, http.StatusOK, "ok"},
		{"all up", []Dependency{{Name: "postgres", Critical: true, Ping: func(context.Context) error { return nil }}}, http.StatusOK, "ok"},
		{"cache down", []Dependency{
			{Name: "postgres", Critical: true, Ping: func(context.Context) error { return nil }},
			{Name: "redis", Ping: func(context.Context) error { return down }},
		}, http.StatusOK, "degraded"},
		{"store down", []Dependency{
			{Name: "postgres", Critical: true, Ping: func(context.Context) error { return down }},
			{Name: "redis", Ping: func(context.Context) error { return nil }},
		}, http.StatusServiceUnavailable, "error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHealthHandler("test", "v0", tc.deps...).Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tc.wantStatus, rec.Code)
			var body ReadinessResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tc.want, body.Status)
			assert.Len(t, body.Dependencies, len(tc.deps))
		})
	}
}

func TestRateLimiter(t *testing.T) {
	handler := NewRateLimiter(1, 2).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/slots", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/slots", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/health/live", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}
