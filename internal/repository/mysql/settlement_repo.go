package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/great-orion/store/internal/datamodels/order"
	"github.com/great-orion/store/internal/datamodels/payment"
	"github.com/great-orion/store/internal/inventory"
)

// SettlementRepository 跨聚合的状态机事务：下单、结算、拒绝、过期、取消。
// 每个方法都是一个数据库事务，锁顺序固定为 会话 -> 订单 -> 发号器 -> 商品，
// 并发回调/清理任务在行锁上串行化，状态前置条件保证输家变成 no-op。
type SettlementRepository struct {
	db     *gorm.DB
	ledger *inventory.Ledger
}

// NewSettlementRepository 创建结算仓储
func NewSettlementRepository(db *gorm.DB, ledger *inventory.Ledger) *SettlementRepository {
	return &SettlementRepository{db: db, ledger: ledger}
}

// PlacePending 原子落单：创建订单与行项目快照，同时预占库存。
// 任一商品库存不足时整个事务回滚，不会产生半个订单。
func (r *SettlementRepository) PlacePending(ctx context.Context, o *order.Order, items []*order.Item, expiresAt time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o.Status = order.StatusPendingPayment
		o.ExpiresAt = expiresAt
		if err := tx.Omit("Items").Create(o).Error; err != nil {
			return err
		}

		reserveItems := make([]inventory.Item, 0, len(items))
		for _, it := range items {
			it.OrderID = o.ID
			if err := tx.Create(it).Error; err != nil {
				return err
			}
			reserveItems = append(reserveItems, inventory.Item{
				ProductID: it.ProductID,
				Quantity:  it.Quantity,
			})
		}

		return r.ledger.ReserveTx(tx, o.ID, reserveItems, expiresAt)
	})
}

// Settle 结算：会话置 verified、订单置 paid 并分配单号、预占转正式扣减，
// 三者同一事务，要么一起成功要么一起回滚。
// 会话已是 verified 时为 no-op（回调重放不会二次扣减）。
func (r *SettlementRepository) Settle(ctx context.Context, sessionID int64, refID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s payment.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&s, sessionID).Error; err != nil {
			return err
		}
		if s.Status == payment.StatusVerified {
			return nil
		}
		if s.Status != payment.StatusAwaitingCallback {
			return fmt.Errorf("settle session %d in status %s: %w",
				s.ID, s.Status, payment.ErrInvariantViolation)
		}

		var o order.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&o, s.OrderID).Error; err != nil {
			return err
		}
		if o.Status != order.StatusPendingPayment {
			return fmt.Errorf("settle order %d in status %s: %w",
				o.ID, o.Status, payment.ErrInvariantViolation)
		}

		number, err := r.nextNumber(tx)
		if err != nil {
			return err
		}

		if err := tx.Model(&o).Updates(map[string]interface{}{
			"status": order.StatusPaid,
			"number": number,
		}).Error; err != nil {
			return err
		}

		if err := tx.Model(&s).Updates(map[string]interface{}{
			"status":  payment.StatusVerified,
			"ref_id":  refID,
			"flagged": false,
		}).Error; err != nil {
			return err
		}

		return r.ledger.CommitTx(tx, o.ID)
	})
}

// nextNumber 分配连续单号。快照读可能让并发结算读到同一个最大值，
// 所以单号只从发号器行取，取号前先拿该行的排它锁。
func (r *SettlementRepository) nextNumber(tx *gorm.DB) (int64, error) {
	var c order.Counter
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&c, 1).Error; err != nil {
		return 0, err
	}
	c.Value++
	if err := tx.Model(&c).Update("value", c.Value).Error; err != nil {
		return 0, err
	}
	return c.Value, nil
}

// Reject 拒绝会话并使订单失败、释放预占。
// 会话已是终态时为 no-op，容忍网关的重复/乱序信号。
func (r *SettlementRepository) Reject(ctx context.Context, sessionID int64, code, msg string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s payment.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&s, sessionID).Error; err != nil {
			return err
		}
		if s.Status.Terminal() {
			return nil
		}

		if err := tx.Model(&s).Updates(map[string]interface{}{
			"status":        payment.StatusRejected,
			"error_code":    code,
			"error_message": msg,
			"flagged":       false,
		}).Error; err != nil {
			return err
		}

		var o order.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&o, s.OrderID).Error; err != nil {
			return err
		}
		if o.Status == order.StatusPendingPayment {
			if err := tx.Model(&o).Updates(map[string]interface{}{
				"status":      order.StatusFailed,
				"fail_reason": msg,
			}).Error; err != nil {
				return err
			}
		}

		return r.ledger.ReleaseTx(tx, s.OrderID)
	})
}

// RejectSession 只拒绝会话本身并标记人工对账，订单与预占不动。
// 金额不符这类可疑回调走这里，订单留在 pending_payment 由过期清理处置。
// 会话已是终态时为 no-op。
func (r *SettlementRepository) RejectSession(ctx context.Context, sessionID int64, code, msg string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s payment.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&s, sessionID).Error; err != nil {
			return err
		}
		if s.Status.Terminal() {
			return nil
		}

		return tx.Model(&s).Updates(map[string]interface{}{
			"status":        payment.StatusRejected,
			"error_code":    code,
			"error_message": msg,
			"flagged":       true,
		}).Error
	})
}

// Expire 过期清理：订单置 expired、会话一并关闭、预占释放。
// 订单已是终态时直接返回现有状态（与迟到回调竞争时输家无副作用）。
func (r *SettlementRepository) Expire(ctx context.Context, orderID int64) (order.Status, error) {
	return r.terminate(ctx, orderID, order.StatusExpired, "payment window expired")
}

// Cancel 用户主动取消待支付订单
func (r *SettlementRepository) Cancel(ctx context.Context, orderID int64) (order.Status, error) {
	return r.terminate(ctx, orderID, order.StatusCancelled, "cancelled by user")
}

func (r *SettlementRepository) terminate(ctx context.Context, orderID int64, to order.Status, reason string) (order.Status, error) {
	result := to
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o order.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&o, orderID).Error; err != nil {
			return err
		}
		if o.Status.Terminal() {
			result = o.Status
			return nil
		}

		if err := tx.Model(&o).Updates(map[string]interface{}{
			"status":      to,
			"fail_reason": reason,
		}).Error; err != nil {
			return err
		}

		// 会话可能还没创建（下单事务成功但建会话之前崩溃）
		var s payment.Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("order_id = ?", orderID).
			First(&s).Error
		switch {
		case err == nil:
			if !s.Status.Terminal() {
				if err := tx.Model(&s).Updates(map[string]interface{}{
					"status":        payment.StatusExpired,
					"error_message": reason,
				}).Error; err != nil {
					return err
				}
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			// 无会话可关
		default:
			return err
		}

		return r.ledger.ReleaseTx(tx, orderID)
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
