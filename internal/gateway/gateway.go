package gateway

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable 网络/协议层错误，调用方可以视为"尚未发生"，
// 用同一个幂等键重试不会在网关侧重复建单
var ErrUnavailable = errors.New("payment gateway unavailable")

// Error 网关返回的业务错误（请求被网关明确拒绝）
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// InitiateRequest 创建网关交易的入参
type InitiateRequest struct {
	Amount         int64
	OrderID        int64
	IdempotencyKey string
	Description    string
	CallbackURL    string
	Email          string
}

// InitiateResult 创建交易的结果
type InitiateResult struct {
	// Authority 网关交易引用，后续回调与校验都以它定位交易
	Authority string
	// RedirectURL 用户跳转支付页的完整地址
	RedirectURL string
}

// VerifyResult 校验结果，要么明确已支付要么明确未支付，
// 不存在模糊状态（模糊情况走 ErrUnavailable 重试）
type VerifyResult struct {
	Paid   bool
	Amount int64
	// RefID 支付成功时网关给出的交易号
	RefID string
	// Code 网关返回码，用于落库排查
	Code int
}

// Gateway 支付网关端口。所有网络与协议细节都隔离在实现里。
type Gateway interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Verify(ctx context.Context, authority string, amount int64) (*VerifyResult, error)
	// RedirectURL 由 authority 还原跳转地址（重试结算时复用已有交易）
	RedirectURL(authority string) string
}
