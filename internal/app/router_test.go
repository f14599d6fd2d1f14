package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/freshfare/freshfare-pos/internal/checkout"
	"github.com/freshfare/freshfare-pos/internal/observability"
	"github.com/freshfare/freshfare-pos/jobs"
)

func newTestRouter(triggered *int) http.Handler {
	return NewRouter(RouterParams{
		Config: &Config{AppEnv: "development"},
		CheckoutHandler: checkout.NewHandler(checkout.HandlerParams{
			TriggerSync: func() bool {
				*triggered++
				return true
			},
		}),
		JobHandler: jobs.NewHandler(nil, jobs.QueueFor("till-7"), nil),
		Metrics:    observability.NewMetrics(),
	})
}

func TestRouterHealthAndSecurityHeaders(t *testing.T) {
	var triggered int
	router := newTestRouter(&triggered)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouterMountsHandlers(t *testing.T) {
	var triggered int
	router := newTestRouter(&triggered)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, triggered)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"queue":"pos:till-7"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pos_http_requests_total")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounting", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
