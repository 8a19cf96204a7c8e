package reservation

import (
	"context"
	"time"
)

// Status 预占状态
type Status string

const (
	// StatusActive 占用中，计入商品的 Reserved
	StatusActive Status = "active"
	// StatusReleased 已释放（订单失败/取消/过期）
	StatusReleased Status = "released"
	// StatusCommitted 已转为正式扣减（订单支付成功）
	StatusCommitted Status = "committed"
)

// Reservation 库存预占记录，随订单创建，弱引用订单，
// 但状态变更只允许库存台账操作。
type Reservation struct {
	ID        int64  `gorm:"primaryKey"`
	OrderID   int64  `gorm:"uniqueIndex:uk_res_order_product;not null"`
	ProductID int64  `gorm:"uniqueIndex:uk_res_order_product;index;not null"`
	Quantity  int64  `gorm:"not null"`
	Status    Status `gorm:"size:16;index;not null"`
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository 预占记录查询接口（变更走 inventory.Ledger）
type Repository interface {
	ListByOrder(ctx context.Context, orderID int64) ([]*Reservation, error)
}
