package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
		detail string
	}{
		{fmt.Errorf("%w: sale 42", ErrNotFound), http.StatusNotFound, "resource not found: sale 42"},
		{ErrConflict, http.StatusConflict, "conflict"},
		{fmt.Errorf("%w: no items", ErrValidation), http.StatusBadRequest, "validation failed: no items"},
		{ErrUnavailable, http.StatusServiceUnavailable, "temporarily unavailable"},
		{errors.New("database is locked"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		require.Equal(t, tc.status, rec.Code)
		require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

		var problem ProblemDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		require.Equal(t, tc.status, problem.Status)
		require.Equal(t, tc.detail, problem.Detail)
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	var got body
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"banana"}`))
	require.NoError(t, DecodeJSON(httptest.NewRecorder(), req, &got))
	require.Equal(t, "banana", got.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"banana","price":1}`))
	require.ErrorIs(t, DecodeJSON(httptest.NewRecorder(), req, &got), ErrValidation)

	oversized := `{"name":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(oversized))
	require.ErrorIs(t, DecodeJSON(httptest.NewRecorder(), req, &got), ErrValidation)
}
