package product

import (
	"context"
	"time"
)

// Product 商品模型
// 库存拆成两列：OnHand 为实际在库数量，Reserved 为待支付订单占用的数量，
// 可售库存 = OnHand - Reserved，所有变更都必须走库存台账（inventory 包）。
type Product struct {
	ID          int64   `gorm:"primaryKey"`
	Name        string  `gorm:"size:128;not null"`
	Description string  `gorm:"size:512"`
	Price       int64   `gorm:"not null"` // 最小货币单位
	Discount    float64 `gorm:"not null;default:0"` // 折扣百分比 0-100
	OnHand      int64   `gorm:"not null"`
	Reserved    int64   `gorm:"not null;default:0"`
	Enabled     bool    `gorm:"not null;default:true;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Available 当前可售库存
func (p *Product) Available() int64 {
	return p.OnHand - p.Reserved
}

// Repository 商品仓储接口
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Product, error)
	ListEnabled(ctx context.Context) ([]*Product, error)
	Create(ctx context.Context, p *Product) error
	Update(ctx context.Context, p *Product) error
}
