package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"mailshop/backend/internal/storage/memory"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthChecker_Endpoints(t *testing.T) {
	store := memory.NewStore()

	t.Run("依赖正常", func(t *testing.T) {
		hc := NewHealthChecker(store, Options{Redis: fakePinger{}}, zap.NewNop())

		rec := httptest.NewRecorder()
		hc.ReadyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		hc.LiveHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("Redis 不可用时未就绪", func(t *testing.T) {
		hc := NewHealthChecker(store, Options{Redis: fakePinger{err: errors.New("refused")}}, zap.NewNop())

		rec := httptest.NewRecorder()
		hc.ReadyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = httptest.NewRecorder()
		hc.LiveHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHealthChecker_CheckHealth(t *testing.T) {
	hc := NewHealthChecker(memory.NewStore(), Options{}, zap.NewNop())

	results := hc.CheckHealth(context.Background())
	assert.Equal(t, "OK", results["database"])
	assert.Equal(t, "NOT_AVAILABLE", results["redis"])
	assert.NotEmpty(t, results["timestamp"])
}
