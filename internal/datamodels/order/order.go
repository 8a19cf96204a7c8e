package order

import (
	"context"
	"time"
)

// Status 订单状态。pending_payment 之后只能进入唯一一个终态，
// 终态一旦写入不再变化。
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusExpired        Status = "expired"
)

// Terminal 是否为终态
func (s Status) Terminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Order 订单模型。行项目与金额在创建后不再修改，
// 后续只有状态（以及结算时的单号）会变。
type Order struct {
	ID       int64  `gorm:"primaryKey"`
	UserID   int64  `gorm:"index;not null"`
	Status   Status `gorm:"size:32;index;not null"`
	Subtotal int64  `gorm:"not null"` // 折扣前合计
	Discount int64  `gorm:"not null"` // 折扣金额
	VAT      int64  `gorm:"not null"` // 税额
	Total    int64  `gorm:"not null"` // 实付金额 = Subtotal - Discount + VAT
	Address  string `gorm:"size:255"`
	// Number 连续单号，支付成功时在结算事务里分配
	Number int64 `gorm:"index"`
	// FailReason 进入 failed 状态的原因
	FailReason string `gorm:"size:255"`
	// ExpiresAt 待支付截止时间，清理任务据此扫描
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Items []*Item `gorm:"foreignKey:OrderID"`
}

// Item 订单行项目，下单时从购物车和商品目录快照而来
type Item struct {
	ID        int64   `gorm:"primaryKey"`
	OrderID   int64   `gorm:"index;not null"`
	ProductID int64   `gorm:"index;not null"`
	Name      string  `gorm:"size:128;not null"`
	Price     int64   `gorm:"not null"` // 下单时的单价快照
	Discount  float64 `gorm:"not null"` // 下单时的折扣百分比快照
	Quantity  int64   `gorm:"not null"`
	Total     int64   `gorm:"not null"` // 折后行合计
}

// TableName 订单行表名
func (Item) TableName() string {
	return "order_items"
}

// Counter 单号发号器，整张表只有一行。
// 结算事务在该行上加锁取号，并发结算在此串行化，单号不重不漏。
type Counter struct {
	ID    int64 `gorm:"primaryKey"`
	Value int64 `gorm:"not null"` // 已发出的最大单号
}

// TableName 发号器表名
func (Counter) TableName() string {
	return "order_counters"
}

// Repository 订单仓储接口
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Order, error)
	ListByUser(ctx context.Context, userID int64) ([]*Order, error)
	ListRecent(ctx context.Context, limit int) ([]*Order, error)
	// ListStalePending 返回在 before 之前就该完成支付的待支付订单
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Order, error)
}
