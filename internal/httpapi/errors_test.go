package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvmesh/backend/internal/jobs"
	"github.com/dvmesh/backend/internal/payments"
	"github.com/dvmesh/backend/internal/store"
)

func TestWriteErrorTaxonomy(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: bad kind", jobs.ErrValidation), http.StatusBadRequest},
		{jobs.ErrForbidden, http.StatusForbidden},
		{jobs.ErrBadState, http.StatusBadRequest},
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrConflict, http.StatusBadRequest},
		{payments.ErrAmbiguous, http.StatusBadGateway},
		{Unauthorized("missing bearer token"), http.StatusUnauthorized},
		{errors.New("postgres exploded"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		WriteError(w, c.err)
		assert.Equal(t, c.status, w.Code, c.err.Error())
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	}
}

func TestWriteErrorHidesInternals(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("pq: relation jobs does not exist"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body["error"])
	assert.NotContains(t, w.Body.String(), "pq:")
}

func TestWriteErrorGatewayDetail(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, Gateway("payment outcome unknown", "relay closed mid-exchange"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "payment outcome unknown", body["error"])
	assert.Equal(t, "relay closed mid-exchange", body["detail"])
}

func TestDecode(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"bot"}`))
	require.NoError(t, Decode(r, &dst))
	assert.Equal(t, "bot", dst.Name)

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{`))
	err := Decode(r, &dst)
	require.Error(t, err)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}
