package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// 回调数据动作。Telegram 限制回调数据不超过 64 字节，
// 因此取码按钮携带分类和序号，而不是完整邮箱。
const (
	actionMenu     = "menu"
	actionCategory = "cat"
	actionBuy      = "buy"
	actionQuantity = "qty"
	actionMine     = "mine"
	actionCodes    = "codes"
	actionCode     = "code"
	actionSupport  = "support"
	actionReferral = "ref"
)

// maxCallbackData Telegram 回调数据上限
const maxCallbackData = 64

var errBadCallback = errors.New("malformed callback data")

// callback 解析后的回调数据
type callback struct {
	Action   string
	Category string
	N        int // 购买数量或凭据序号
}

func menuData() string     { return actionMenu }
func mineData() string     { return actionMine }
func supportData() string  { return actionSupport }
func referralData() string { return actionReferral }

func categoryData(category string) string { return actionCategory + ":" + category }
func buyData(category string) string      { return actionBuy + ":" + category }
func codesData(category string) string    { return actionCodes + ":" + category }

func quantityData(category string, n int) string {
	return fmt.Sprintf("%s:%s:%d", actionQuantity, category, n)
}

func codeData(category string, index int) string {
	return fmt.Sprintf("%s:%s:%d", actionCode, category, index)
}

// parseCallback 解析回调数据
func parseCallback(data string) (callback, error) {
	if data == "" || len(data) > maxCallbackData {
		return callback{}, errBadCallback
	}
	parts := strings.Split(data, ":")

	switch parts[0] {
	case actionMenu, actionMine, actionSupport, actionReferral:
		if len(parts) != 1 {
			return callback{}, errBadCallback
		}
		return callback{Action: parts[0]}, nil

	case actionCategory, actionBuy, actionCodes:
		if len(parts) != 2 || parts[1] == "" {
			return callback{}, errBadCallback
		}
		return callback{Action: parts[0], Category: parts[1]}, nil

	case actionQuantity, actionCode:
		if len(parts) != 3 || parts[1] == "" {
			return callback{}, errBadCallback
		}
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 0 || (parts[0] == actionQuantity && n == 0) {
			return callback{}, errBadCallback
		}
		return callback{Action: parts[0], Category: parts[1], N: n}, nil
	}

	return callback{}, errBadCallback
}

// referralPrefix /start 深链接中的邀请参数前缀
const referralPrefix = "ref_"

// parseReferral 解析 /start ref_<id> 参数
func parseReferral(args string) (int64, bool) {
	args = strings.TrimSpace(args)
	if !strings.HasPrefix(args, referralPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args, referralPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
