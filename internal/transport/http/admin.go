package httptransport

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailshop/backend/internal/middleware"
	"mailshop/backend/internal/service"
)

// 库存样本数量上限
const (
	defaultSampleLimit = 50
	maxSampleLimit     = 500
)

// AdminHandler 管理API处理器
type AdminHandler struct {
	shop *service.ShopService
	log  *zap.Logger
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(shop *service.ShopService, log *zap.Logger) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{shop: shop, log: log}
}

// addPoolItemsRequest JSON 形式的入库请求
type addPoolItemsRequest struct {
	Items string `json:"items" binding:"required"`
}

// AddPoolItems 批量入库。
// 支持 JSON {"items": "..."} 或纯文本请求体，条目以逗号、换行或空白分隔。
func (h *AdminHandler) AddPoolItems(c *gin.Context) {
	raw, ok := readItems(c)
	if !ok {
		return
	}

	result, err := h.shop.AddPoolItems(c.Request.Context(), c.Param("category"), raw)
	if err != nil {
		respondError(c, err)
		return
	}

	h.log.Info("pool items added via admin api",
		zap.Int64("admin_id", c.GetInt64(middleware.ContextAdminID)),
		zap.String("category", result.Category),
		zap.Int("added", result.Added),
	)
	CreatedWithMsg(c, MsgPoolItemsAdded, result)
}

// DeletePoolItems 从库存中批量删除邮箱，请求体格式与 AddPoolItems 相同
func (h *AdminHandler) DeletePoolItems(c *gin.Context) {
	raw, ok := readItems(c)
	if !ok {
		return
	}

	result, err := h.shop.DeletePoolItems(c.Request.Context(), c.Param("category"), raw)
	if err != nil {
		respondError(c, err)
		return
	}

	h.log.Info("pool items deleted via admin api",
		zap.Int64("admin_id", c.GetInt64(middleware.ContextAdminID)),
		zap.String("category", result.Category),
		zap.Int("removed", result.Removed),
	)
	Success(c, result)
}

func readItems(c *gin.Context) (string, bool) {
	if c.ContentType() == gin.MIMEJSON {
		var req addPoolItemsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, MsgInvalidRequest)
			return "", false
		}
		return req.Items, true
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(c, http.StatusRequestEntityTooLarge, MsgInvalidRequest)
			return "", false
		}
		BadRequest(c, MsgInvalidRequest)
		return "", false
	}
	if strings.TrimSpace(string(body)) == "" {
		BadRequest(c, MsgRequestBodyEmpty)
		return "", false
	}
	return string(body), true
}

// PoolStatus 查看分类库存数量与样本
func (h *AdminHandler) PoolStatus(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultSampleLimit)))
	if err != nil || limit < 0 {
		BadRequest(c, MsgInvalidLimit)
		return
	}
	if limit > maxSampleLimit {
		limit = maxSampleLimit
	}

	stats, err := h.shop.PoolStatus(c.Request.Context(), c.Param("category"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, stats)
}

// Stats 店铺整体状态，数据库不可用时返回 503 并附带诊断信息
func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.shop.Stats(c.Request.Context())
	if err != nil {
		if stats != nil {
			c.JSON(http.StatusServiceUnavailable, Response{
				Code: CodeServiceUnavailable,
				Msg:  MsgDatabaseDown,
				Data: stats,
			})
			return
		}
		respondError(c, err)
		return
	}
	Success(c, stats)
}
