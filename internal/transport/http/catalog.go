package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailshop/backend/internal/cache"
	"mailshop/backend/internal/service"
)

// catalogCacheTTL 公开目录的库存缓存时间
const catalogCacheTTL = 5 * time.Second

// CatalogItem 对外展示的商品信息
type CatalogItem struct {
	Key       string `json:"key"`
	Title     string `json:"title"`
	Price     string `json:"price"`
	Asset     string `json:"asset"`
	Available int    `json:"available"`
}

// CatalogHandler 公开的商品目录
type CatalogHandler struct {
	shop  *service.ShopService
	asset string
	cache *cache.LocalCache[[]CatalogItem]
	log   *zap.Logger
}

// NewCatalogHandler 创建商品目录处理器
func NewCatalogHandler(shop *service.ShopService, asset string, log *zap.Logger) *CatalogHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CatalogHandler{
		shop:  shop,
		asset: asset,
		cache: cache.NewLocalCache[[]CatalogItem](1, catalogCacheTTL),
		log:   log,
	}
}

// List 列出所有分类及当前库存
func (h *CatalogHandler) List(c *gin.Context) {
	if items, ok := h.cache.Get("catalog"); ok {
		Success(c, items)
		return
	}

	categories := h.shop.Categories()
	items := make([]CatalogItem, 0, len(categories))
	for _, cat := range categories {
		stock, err := h.shop.Stock(c.Request.Context(), cat.Key)
		if err != nil {
			h.log.Error("count pool failed", zap.String("category", cat.Key), zap.Error(err))
			respondError(c, err)
			return
		}
		items = append(items, CatalogItem{
			Key:       cat.Key,
			Title:     cat.Title,
			Price:     cat.Price.String(),
			Asset:     h.asset,
			Available: stock,
		})
	}
	h.cache.Set("catalog", items, 0)
	Success(c, items)
}
