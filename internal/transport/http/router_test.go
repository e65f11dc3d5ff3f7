package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	jwtpkg "mailshop/backend/internal/auth/jwt"
	"mailshop/backend/internal/config"
	"mailshop/backend/internal/domain"
	"mailshop/backend/internal/monitoring"
	"mailshop/backend/internal/service"
	"mailshop/backend/internal/storage"
	"mailshop/backend/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "router-test-secret-key-at-least-32-chars"

type testEnv struct {
	router  *gin.Engine
	store   *memory.Store
	token   string
	webhook *int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Payment: config.PaymentConfig{Asset: "USDT"},
		Shop: config.ShopConfig{
			Catalog: []config.CategoryConfig{
				{Key: "icloud", Title: "ПОЧТЫ ICLOUD", Price: decimal.RequireFromString("0.052")},
			},
			MaxPerOrder: 10,
		},
	}
	store := memory.NewStore()
	shop := service.NewShopService(store, nil, nil, cfg, zap.NewNop())

	manager := jwtpkg.NewManager(testSecret, "mailshop", time.Hour)
	token, err := manager.GenerateToken(1)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	hits := 0
	router := NewRouter(RouterDependencies{
		Shop:       shop,
		Metrics:    monitoring.NewMetricsWithRegistry(reg, reg),
		JWTManager: manager,
		IsAdmin:    func(id int64) bool { return id == 1 },
		Asset:      "USDT",
		BotWebhook: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits++
			w.WriteHeader(http.StatusOK)
		}),
		WebhookPath: "/webhook",
		Logger:      zap.NewNop(),
	})

	return &testEnv{router: router, store: store, token: token.AccessToken, webhook: &hits}
}

func (e *testEnv) do(method, path, contentType, body string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) Response {
	t.Helper()
	resp := Response{Data: data}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestRouter_PublicRoutes(t *testing.T) {
	env := newTestEnv(t)

	t.Run("根路径", func(t *testing.T) {
		w := env.do(http.MethodGet, "/", "", "", false)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, RootMessage, w.Body.String())
	})

	t.Run("Telegram 回调", func(t *testing.T) {
		w := env.do(http.MethodPost, "/webhook", "application/json", `{"update_id":1}`, false)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, *env.webhook)
	})

	t.Run("指标", func(t *testing.T) {
		w := env.do(http.MethodGet, "/metrics", "", "", false)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "mailshop_http_requests_total")
	})

	t.Run("商品目录", func(t *testing.T) {
		_, err := env.store.AddPoolItems(context.Background(), "icloud", []domain.PoolItem{
			{Identity: "a@icloud.com"}, {Identity: "b@icloud.com"},
		})
		require.NoError(t, err)

		var items []CatalogItem
		w := env.do(http.MethodGet, "/v1/catalog", "", "", false)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &items)
		require.Len(t, items, 1)
		assert.Equal(t, "icloud", items[0].Key)
		assert.Equal(t, "0.052", items[0].Price)
		assert.Equal(t, 2, items[0].Available)
	})
}

func TestRouter_AdminRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/v1/admin/stats", "", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_AdminPool(t *testing.T) {
	env := newTestEnv(t)

	t.Run("纯文本入库", func(t *testing.T) {
		var result service.BulkAddResult
		w := env.do(http.MethodPost, "/v1/admin/pool/icloud", "text/plain",
			"a@icloud.com, b@icloud.com:pw\nnot-an-email", true)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		decode(t, w, &result)
		assert.Equal(t, 2, result.Added)
		assert.Len(t, result.Rejected, 1)
		assert.Equal(t, 2, result.Total)
	})

	t.Run("JSON 入库忽略重复", func(t *testing.T) {
		var result service.BulkAddResult
		w := env.do(http.MethodPost, "/v1/admin/pool/icloud", "application/json",
			`{"items":"a@icloud.com c@icloud.com"}`, true)
		require.Equal(t, http.StatusCreated, w.Code)
		decode(t, w, &result)
		assert.Equal(t, 1, result.Added)
		assert.Equal(t, 1, result.Duplicates)
		assert.Equal(t, 3, result.Total)
	})

	t.Run("未知分类", func(t *testing.T) {
		w := env.do(http.MethodPost, "/v1/admin/pool/unknown", "text/plain", "x@icloud.com", true)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("空请求体", func(t *testing.T) {
		w := env.do(http.MethodPost, "/v1/admin/pool/icloud", "text/plain", "  ", true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("库存状态", func(t *testing.T) {
		var stats domain.PoolStats
		w := env.do(http.MethodGet, "/v1/admin/pool/icloud?limit=2", "", "", true)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &stats)
		assert.Equal(t, 3, stats.Count)
		assert.Len(t, stats.Sample, 2)
	})

	t.Run("limit 无效", func(t *testing.T) {
		w := env.do(http.MethodGet, "/v1/admin/pool/icloud?limit=abc", "", "", true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("整体统计", func(t *testing.T) {
		var stats service.ShopStats
		w := env.do(http.MethodGet, "/v1/admin/stats", "", "", true)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &stats)
		assert.Equal(t, "OK", stats.Database)
		require.Len(t, stats.Pools, 1)
		assert.Equal(t, 3, stats.Pools[0].Count)
	})

	t.Run("批量删除库存", func(t *testing.T) {
		var result service.BulkDeleteResult
		w := env.do(http.MethodDelete, "/v1/admin/pool/icloud", "text/plain",
			"B@icloud.com:pw, missing@icloud.com\nnot-an-email", true)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		decode(t, w, &result)
		assert.Equal(t, 1, result.Removed)
		assert.Equal(t, 1, result.Missing)
		assert.Len(t, result.Rejected, 1)
		assert.Equal(t, 2, result.Total)

		count, err := env.store.CountPoolItems(context.Background(), "icloud")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("JSON 删除", func(t *testing.T) {
		var result service.BulkDeleteResult
		w := env.do(http.MethodDelete, "/v1/admin/pool/icloud", "application/json",
			`{"items":"a@icloud.com"}`, true)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &result)
		assert.Equal(t, 1, result.Removed)
		assert.Equal(t, 1, result.Total)
	})

	t.Run("删除未知分类", func(t *testing.T) {
		w := env.do(http.MethodDelete, "/v1/admin/pool/unknown", "text/plain", "x@icloud.com", true)
		assert.Equal(t, http.StatusNotFound, w.Code)
		resp := decode(t, w, nil)
		assert.Equal(t, CodeNotFound, resp.Code)
		assert.Equal(t, "商品分类不存在", resp.Msg)
	})

	t.Run("删除需要令牌", func(t *testing.T) {
		w := env.do(http.MethodDelete, "/v1/admin/pool/icloud", "text/plain", "c@icloud.com", false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		count, _ := env.store.CountPoolItems(context.Background(), "icloud")
		assert.Equal(t, 1, count)
	})
}

func TestGetErrorMessage(t *testing.T) {
	status, msg := GetErrorMessage(service.ErrRateLimited)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.NotEmpty(t, msg)

	status, _ = GetErrorMessage(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestRespondError(t *testing.T) {
	t.Run("未知错误返回 500 并记录", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		respondError(c, errors.New("disk on fire"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decode(t, w, nil)
		assert.Equal(t, CodeInternalError, resp.Code)
		assert.Equal(t, MsgInternalError, resp.Msg)
		require.Len(t, c.Errors, 1)
		assert.EqualError(t, c.Errors[0].Err, "disk on fire")
	})

	t.Run("资源不存在返回 404", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		respondError(c, fmt.Errorf("load: %w", storage.ErrTransactionNotFound))

		assert.Equal(t, http.StatusNotFound, w.Code)
		resp := decode(t, w, nil)
		assert.Equal(t, "交易不存在", resp.Msg)
		assert.Empty(t, c.Errors)
	})

	t.Run("业务冲突原样返回", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		respondError(c, service.ErrOutOfStock)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}
