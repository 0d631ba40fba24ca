package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runMiddleware(t *testing.T, handlerErr error) (*httptest.ResponseRecorder, error) {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/updates", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := Middleware()(func(echo.Context) error { return handlerErr })
	return rec, handler(c)
}

func TestMiddlewareWritesStructuredError(t *testing.T) {
	HTTPErrorsTotal.Reset()

	rec, err := runMiddleware(t, ValidationError("kind is required").WithContext("field", "kind"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "kind is required", resp.Error)
	assert.Equal(t, TypeValidation, resp.Type)
	assert.Equal(t, "kind", resp.Context["field"])
	assert.Equal(t, 1.0, testutil.ToFloat64(HTTPErrorsTotal.WithLabelValues("validation")))
}

func TestMiddlewareHidesPlainErrors(t *testing.T) {
	HTTPErrorsTotal.Reset()

	rec, err := runMiddleware(t, fmt.Errorf("pq: relation does not exist"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal server error", resp.Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(HTTPErrorsTotal.WithLabelValues("internal")))
}

func TestMiddlewareNoError(t *testing.T) {
	rec, err := runMiddleware(t, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMiddlewarePassesEchoErrorsThrough(t *testing.T) {
	HTTPErrorsTotal.Reset()

	httpErr := echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
	_, err := runMiddleware(t, httpErr)

	assert.Equal(t, httpErr, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(HTTPErrorsTotal.WithLabelValues("auth_failure")))
}

func TestMiddlewareStatusPerType(t *testing.T) {
	tests := []struct {
		err        *Error
		wantStatus int
	}{
		{AuthFailure("bad token", nil), http.StatusUnauthorized},
		{QueueOverflow("queue full", nil), http.StatusServiceUnavailable},
		{TransportFailure("relay down", nil), http.StatusBadGateway},
		{NotFoundError("nope"), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Type), func(t *testing.T) {
			rec, err := runMiddleware(t, tt.err)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestWrapHTTPError(t *testing.T) {
	tests := []struct {
		code     int
		wantType ErrorType
	}{
		{http.StatusBadRequest, TypeValidation},
		{http.StatusUnauthorized, TypeAuth},
		{http.StatusForbidden, TypeAuth},
		{http.StatusNotFound, TypeNotFound},
		{http.StatusTooManyRequests, TypeOverflow},
		{http.StatusServiceUnavailable, TypeOverflow},
		{http.StatusBadGateway, TypeTransport},
		{http.StatusTeapot, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			err := WrapHTTPError(echo.NewHTTPError(tt.code, "msg"))
			assert.Equal(t, tt.wantType, err.Type)
			assert.Equal(t, "msg", err.Message)
		})
	}
}

func TestWrapHTTPErrorFallbacks(t *testing.T) {
	cause := fmt.Errorf("underlying")
	httpErr := echo.NewHTTPError(http.StatusBadRequest, 12345)
	httpErr.Internal = cause

	err := WrapHTTPError(httpErr)

	assert.Equal(t, "internal server error", err.Message)
	assert.Equal(t, cause, err.Cause)
}
