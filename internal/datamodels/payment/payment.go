package payment

import (
	"context"
	"errors"
	"time"
)

// Status 支付会话状态
type Status string

const (
	// StatusCreated 已创建，还未向网关发起交易
	StatusCreated Status = "created"
	// StatusAwaitingCallback 网关交易已创建，等待回调
	StatusAwaitingCallback Status = "awaiting_callback"
	// StatusVerified 已通过网关校验并完成结算
	StatusVerified Status = "verified"
	// StatusRejected 已拒绝（金额不符、校验失败、用户取消等）
	StatusRejected Status = "rejected"
	// StatusExpired 订单过期时一并关闭
	StatusExpired Status = "expired"
)

// Terminal 是否为终态
func (s Status) Terminal() bool {
	switch s {
	case StatusVerified, StatusRejected, StatusExpired:
		return true
	}
	return false
}

var (
	// ErrUnknownTransaction 回调里的 authority 找不到对应会话，
	// 绝不允许由回调凭空创建状态
	ErrUnknownTransaction = errors.New("unknown gateway transaction")
	// ErrAmountMismatch 回调声称的金额与会话金额不一致
	ErrAmountMismatch = errors.New("callback amount mismatch")
	// ErrInvariantViolation 会话与订单状态出现不该出现的组合，
	// 该笔交易转人工对账，绝不自动修复
	ErrInvariantViolation = errors.New("payment invariant violation")
)

// Session 支付会话，与订单 1:1。每个订单至多一个会话能到达 verified，
// 幂等键由订单 ID 派生，重试结算不会在网关侧重复建单。
type Session struct {
	ID      int64  `gorm:"primaryKey"`
	OrderID int64  `gorm:"uniqueIndex;not null"`
	Amount  int64  `gorm:"not null"`
	Status  Status `gorm:"size:32;index;not null"`
	// GatewayRef 网关在 initiate 成功后返回的 authority
	GatewayRef string `gorm:"size:255;index"`
	// IdempotencyKey 稳定幂等键，由订单 ID 派生
	IdempotencyKey string `gorm:"size:64;uniqueIndex;not null"`
	// RefID 网关校验成功返回的交易号
	RefID  string `gorm:"size:255"`
	UserIP string `gorm:"size:45"`
	// 错误信息（拒绝原因）
	ErrorCode    string `gorm:"size:50"`
	ErrorMessage string `gorm:"size:512"`
	// Flagged 标记为需要人工对账
	Flagged   bool `gorm:"not null;default:false;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository 支付会话仓储接口
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id int64) (*Session, error)
	GetByOrderID(ctx context.Context, orderID int64) (*Session, error)
	// GetByReference 按网关 authority 查找，找不到返回 ErrUnknownTransaction
	GetByReference(ctx context.Context, ref string) (*Session, error)
	// MarkInitiated created -> awaiting_callback，写入 authority
	MarkInitiated(ctx context.Context, id int64, ref string) error
	// Flag 标记人工对账并记录原因
	Flag(ctx context.Context, id int64, code, msg string) error
	ListRecent(ctx context.Context, limit int) ([]*Session, error)
	ListFlagged(ctx context.Context) ([]*Session, error)
}
