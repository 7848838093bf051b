// Package notify は通知レコードの作成をプッシュ通知として配信する。
package notify

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/hitoshi/stockwatch/internal/model"
)

// 既定の本文
const (
	defaultJoinRequestBody = "A new user has requested to join your restaurant."
	approvedBody           = "Your request to join the restaurant has been approved."
	rejectedBody           = "Your request to join the restaurant has been rejected."
	defaultBody            = "You have a new notification."
	unknownItemName        = "Unknown Item"
	noReason               = "No reason provided"
)

// FormatBody は通知種別に応じたプッシュ通知の本文を返す。
func FormatBody(n *model.Notification) string {
	switch n.Type {
	case model.NotificationJoinRequest:
		return bodyOr(n.Body, defaultJoinRequestBody)
	case model.NotificationJoinRequestResponse:
		if n.Payload.WasApproved != nil && *n.Payload.WasApproved {
			return approvedBody
		}
		return rejectedBody
	case model.NotificationStockEdit:
		return formatStockEdit(n.Payload)
	default:
		return bodyOr(n.Body, defaultBody)
	}
}

// DataType はプッシュ通知のdata.typeに設定する値を返す。
func DataType(n *model.Notification) string {
	if n.Type == "" {
		return string(model.NotificationGeneric)
	}
	return string(n.Type)
}

// formatStockEdit は "<品名>: <前> ➔ <後> (<符号付き差分>). Reason: <理由>" を組み立てる。
// 数量は小数点以下2桁で、増加した場合のみ差分に+を付ける。
func formatStockEdit(p model.NotificationPayload) string {
	before := floatOr(p.QuantityBefore, 0)
	after := floatOr(p.QuantityAfter, 0)
	item := stringOr(p.ItemName, unknownItemName)
	reason := stringOr(p.Reason, noReason)

	prefix := ""
	if after > before {
		prefix = "+"
	}
	return fmt.Sprintf("%s: %s ➔ %s (%s%s). Reason: %s",
		item, formatQuantity(before), formatQuantity(after), prefix, formatQuantity(after-before), reason)
}

// formatQuantity は数量を小数点以下2桁の文字列にする。
// 2進数で厳密に中間となる値は0から遠い方へ丸める。それ以外は最も近い値に丸める。
func formatQuantity(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
	}
	v = math.Abs(v)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return sign + strconv.FormatFloat(v, 'f', 2, 64)
	}

	scaled := new(big.Float).SetPrec(128).SetFloat64(v)
	scaled.Mul(scaled, big.NewFloat(100))
	whole, _ := scaled.Int(nil)
	frac := new(big.Float).SetPrec(128).Sub(scaled, new(big.Float).SetInt(whole))
	if frac.Cmp(big.NewFloat(0.5)) != 0 {
		return sign + strconv.FormatFloat(v, 'f', 2, 64)
	}

	digits := whole.Add(whole, big.NewInt(1)).String()
	if len(digits) < 3 {
		digits = strings.Repeat("0", 3-len(digits)) + digits
	}
	return sign + digits[:len(digits)-2] + "." + digits[len(digits)-2:]
}

func bodyOr(body *string, fallback string) string {
	if body == nil || *body == "" {
		return fallback
	}
	return *body
}

func stringOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func floatOr(f *float64, fallback float64) float64 {
	if f == nil {
		return fallback
	}
	return *f
}
