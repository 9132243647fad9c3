package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Code     string `json:"code" validate:"required"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

func TestDecodeJSONReportsFieldsByJSONName(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":0}`))
	var dst samplePayload
	err := DecodeJSON(req, &dst)
	require.Error(t, err)

	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, "VALIDATION_ERROR", appErr.Code)
	details, ok := appErr.Details.(map[string]string)
	require.True(t, ok)
	require.Equal(t, "required", details["code"])
	require.Equal(t, "gt", details["quantity"])
}

func TestDecodeJSONMalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	var dst samplePayload
	err := DecodeJSON(req, &dst)
	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
	require.Equal(t, "BAD_REQUEST", appErr.Code)
}

func TestWriteErrorFallsBackToInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("boom"), "failed")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "INTERNAL", body["error"]["code"])
	require.Equal(t, "failed", body["error"]["message"])
}

func TestIdemRejectsReplayPerUser(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	calls := 0
	h := Idem{R: client, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
		req.Header.Set("Idempotency-Key", "abc")
		req = req.WithContext(WithUserID(req.Context(), user))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusCreated, send("u1"))
	require.Equal(t, http.StatusConflict, send("u1"))
	require.Equal(t, http.StatusCreated, send("u2"))
	require.Equal(t, 2, calls)
}

func TestIdemReleasesKeyAfterServerError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := Idem{R: client, TTL: time.Minute}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/orders", nil)
		req.Header.Set("Idempotency-Key", "retry")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadGateway, rec.Code)
	}
}

func TestParsePaginationCapsLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?page=0&limit=500", nil)
	page, perPage := ParsePagination(req, 20, 100)
	require.Equal(t, 1, page)
	require.Equal(t, 100, perPage)

	req = httptest.NewRequest(http.MethodGet, "/?page=3", nil)
	page, perPage = ParsePagination(req, 20, 100)
	require.Equal(t, 3, page)
	require.Equal(t, 20, perPage)
}

func TestHasRole(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := WithRoles(req.Context(), []string{"admin"})
	require.True(t, HasRole(ctx, "admin"))
	require.False(t, HasRole(ctx, "support"))
	require.False(t, HasRole(req.Context(), "admin"))
}

func TestNewPaginationRoundsPagesUp(t *testing.T) {
	p := NewPagination(2, 10, 21)
	require.Equal(t, 3, p.TotalPages)
	require.Zero(t, NewPagination(1, 10, 0).TotalPages)
}

func TestHashKeyIsStable(t *testing.T) {
	require.Equal(t, HashKey("a", "b"), HashKey("a", "b"))
	require.NotEqual(t, HashKey("a", "b"), HashKey("ab"))
	require.Len(t, HashKey("x"), 64)
}

func TestAsAppErrorWrapped(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("ctx: %w", NewAppError("CONFLICT", "conflict", http.StatusConflict, cause))
	appErr, ok := AsAppError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusConflict, appErr.HTTPStatus)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "boom", appErr.Error())
	require.False(t, IsAppError(cause))
}
