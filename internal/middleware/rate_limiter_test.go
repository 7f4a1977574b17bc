package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dvmesh/backend/internal/kv"
)

func TestRateLimitBlocksOverBudget(t *testing.T) {
	kvc := kv.NewMemoryClient()
	hits := 0
	h := RateLimit(kvc, "register", 2, time.Hour, func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusCreated)
	})

	for i := 0; i < 3; i++ {
		r := httptest.NewRequest("POST", "/api/auth/register", nil)
		r.RemoteAddr = "10.0.0.1:1000"
		w := httptest.NewRecorder()
		h(w, r)
		if i < 2 {
			assert.Equal(t, http.StatusCreated, w.Code)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, w.Code)
		}
	}
	assert.Equal(t, 2, hits)
}

func TestRateLimitIsPerIP(t *testing.T) {
	kvc := kv.NewMemoryClient()
	h := RateLimit(kvc, "register", 1, time.Hour, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	first := httptest.NewRequest("POST", "/", nil)
	first.RemoteAddr = "10.0.0.1:1000"
	w := httptest.NewRecorder()
	h(w, first)
	assert.Equal(t, http.StatusCreated, w.Code)

	second := httptest.NewRequest("POST", "/", nil)
	second.RemoteAddr = "10.0.0.2:1000"
	w = httptest.NewRecorder()
	h(w, second)
	assert.Equal(t, http.StatusCreated, w.Code)
}
