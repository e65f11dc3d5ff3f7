package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mailshop/backend/internal/domain"
	"mailshop/backend/internal/service"
	"mailshop/backend/internal/storage"
)

// errorMapping 业务错误到 HTTP 状态码与提示信息的映射
type errorMapping struct {
	err    error
	status int
	msg    string
}

// 按顺序匹配，包装过的错误同样生效
var errorMappings = []errorMapping{
	// 商品与库存
	{service.ErrUnknownCategory, http.StatusNotFound, "商品分类不存在"},
	{service.ErrInvalidQuantity, http.StatusBadRequest, "购买数量无效"},
	{service.ErrOutOfStock, http.StatusConflict, "库存不足"},
	{storage.ErrInsufficientInventory, http.StatusConflict, "库存不足"},

	// 入库列表
	{domain.ErrEmptyPoolList, http.StatusBadRequest, "列表为空或没有有效的邮箱"},
	{domain.ErrInvalidCategory, http.StatusBadRequest, "分类名称无效"},

	// 用户与交易
	{storage.ErrUserNotFound, http.StatusNotFound, "用户不存在"},
	{storage.ErrTransactionNotFound, http.StatusNotFound, "交易不存在"},
	{storage.ErrTransactionNotPending, http.StatusConflict, "交易已结束"},
	{service.ErrNotOwner, http.StatusForbidden, "该邮箱不属于当前用户"},
	{service.ErrRateLimited, http.StatusTooManyRequests, "请求过于频繁，请稍后再试"},
}

// GetErrorMessage 获取错误的提示信息和状态码，未知错误返回 500
func GetErrorMessage(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.msg
		}
	}
	return http.StatusInternalServerError, MsgInternalError
}

// respondError 根据错误类型写出统一错误响应
func respondError(c *gin.Context, err error) {
	status, msg := GetErrorMessage(err)
	switch {
	case status == http.StatusNotFound:
		NotFound(c, msg)
	case status >= http.StatusInternalServerError:
		_ = c.Error(err)
		InternalError(c, msg)
	default:
		Error(c, status, msg)
	}
}

// 通用错误消息
const (
	MsgInvalidRequest   = "请求参数格式错误"
	MsgRequestBodyEmpty = "请求体不能为空"
	MsgInvalidLimit     = "limit 参数无效"
	MsgInternalError    = "服务器内部错误"
	MsgDatabaseDown     = "数据库不可用"
	MsgPoolItemsAdded   = "入库完成"
)
