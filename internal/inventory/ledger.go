package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/great-orion/store/internal/datamodels/product"
	"github.com/great-orion/store/internal/datamodels/reservation"
)

// ErrInsufficientStock 可售库存不足，整单预占失败（不允许部分预占）
var ErrInsufficientStock = errors.New("insufficient stock")

// Item 一次预占里的单个商品需求
type Item struct {
	ProductID int64
	Quantity  int64
}

// Ledger 库存台账，商品库存的唯一写入口。
// 同一商品上的 reserve/commit/release 通过数据库行锁串行化，
// 事务内统一按商品 ID 升序加锁，避免并发结算互相死锁。
type Ledger struct {
	db *gorm.DB
}

// NewLedger 创建库存台账
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Reserve 为订单预占库存，全部成功或全部失败
func (l *Ledger) Reserve(ctx context.Context, orderID int64, items []Item, expiresAt time.Time) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return l.ReserveTx(tx, orderID, items, expiresAt)
	})
}

// ReserveTx 在调用方事务内预占库存（下单事务会同时创建订单与预占）
func (l *Ledger) ReserveTx(tx *gorm.DB, orderID int64, items []Item, expiresAt time.Time) error {
	if len(items) == 0 {
		return errors.New("no items to reserve")
	}

	// 固定加锁顺序：按商品 ID 升序
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	for _, it := range sorted {
		if it.Quantity <= 0 {
			return fmt.Errorf("invalid quantity %d for product %d", it.Quantity, it.ProductID)
		}

		var p product.Product
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&p, it.ProductID).Error; err != nil {
			return fmt.Errorf("lock product %d: %w", it.ProductID, err)
		}
		if p.Available() < it.Quantity {
			return fmt.Errorf("product %d: need %d, available %d: %w",
				it.ProductID, it.Quantity, p.Available(), ErrInsufficientStock)
		}

		p.Reserved += it.Quantity
		if err := tx.Save(&p).Error; err != nil {
			return err
		}

		if err := tx.Create(&reservation.Reservation{
			OrderID:   orderID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Status:    reservation.StatusActive,
			ExpiresAt: expiresAt,
		}).Error; err != nil {
			return err
		}
	}
	return nil
}

// Release 释放订单的预占，幂等：没有活跃预占时什么都不做
func (l *Ledger) Release(ctx context.Context, orderID int64) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return l.ReleaseTx(tx, orderID)
	})
}

// ReleaseTx 在调用方事务内释放预占
func (l *Ledger) ReleaseTx(tx *gorm.DB, orderID int64) error {
	active, err := l.lockActive(tx, orderID)
	if err != nil {
		return err
	}
	for _, r := range active {
		var p product.Product
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&p, r.ProductID).Error; err != nil {
			return fmt.Errorf("lock product %d: %w", r.ProductID, err)
		}
		p.Reserved -= r.Quantity
		if p.Reserved < 0 {
			p.Reserved = 0
		}
		if err := tx.Save(&p).Error; err != nil {
			return err
		}
		r.Status = reservation.StatusReleased
		if err := tx.Save(r).Error; err != nil {
			return err
		}
	}
	return nil
}

// Commit 将预占转为正式扣减，幂等：重复 commit 或 release 之后的
// commit 都是 no-op，绝不重复扣减在库数量
func (l *Ledger) Commit(ctx context.Context, orderID int64) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return l.CommitTx(tx, orderID)
	})
}

// CommitTx 在调用方事务内提交预占（结算事务使用）
func (l *Ledger) CommitTx(tx *gorm.DB, orderID int64) error {
	active, err := l.lockActive(tx, orderID)
	if err != nil {
		return err
	}
	for _, r := range active {
		var p product.Product
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&p, r.ProductID).Error; err != nil {
			return fmt.Errorf("lock product %d: %w", r.ProductID, err)
		}
		p.OnHand -= r.Quantity
		p.Reserved -= r.Quantity
		if p.OnHand < 0 {
			p.OnHand = 0
		}
		if p.Reserved < 0 {
			p.Reserved = 0
		}
		if err := tx.Save(&p).Error; err != nil {
			return err
		}
		r.Status = reservation.StatusCommitted
		if err := tx.Save(r).Error; err != nil {
			return err
		}
	}
	return nil
}

// lockActive 锁定订单下所有活跃预占，按商品 ID 升序
func (l *Ledger) lockActive(tx *gorm.DB, orderID int64) ([]*reservation.Reservation, error) {
	var list []*reservation.Reservation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ? AND status = ?", orderID, reservation.StatusActive).
		Order("product_id ASC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}
