package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/great-orion/store/internal/datamodels/order"
)

// TransitionStore 订单终态迁移端口（由 MySQL 结算仓储实现）。
// 两个方法都幂等：订单已是终态时返回现有状态，不报错也无副作用。
type TransitionStore interface {
	Expire(ctx context.Context, orderID int64) (order.Status, error)
	Cancel(ctx context.Context, orderID int64) (order.Status, error)
}

// OrderService 订单查询与生命周期管理
type OrderService struct {
	repo        order.Repository
	transitions TransitionStore
	batchSize   int
}

// NewOrderService 创建订单服务
func NewOrderService(repo order.Repository, transitions TransitionStore, batchSize int) *OrderService {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OrderService{repo: repo, transitions: transitions, batchSize: batchSize}
}

// GetForUser 查询订单，校验归属；不存在和不属于调用方同样返回 not found
func (s *OrderService) GetForUser(ctx context.Context, userID, orderID int64) (*order.Order, error) {
	o, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

// ListByUser 查询用户订单
func (s *OrderService) ListByUser(ctx context.Context, userID int64) ([]*order.Order, error) {
	return s.repo.ListByUser(ctx, userID)
}

// ListRecent 查询最新订单（后台用）
func (s *OrderService) ListRecent(ctx context.Context, limit int) ([]*order.Order, error) {
	return s.repo.ListRecent(ctx, limit)
}

// Cancel 用户取消待支付订单。订单已是终态时返回现有状态（no-op）。
func (s *OrderService) Cancel(ctx context.Context, userID, orderID int64) (order.Status, error) {
	o, err := s.GetForUser(ctx, userID, orderID)
	if err != nil {
		return "", err
	}
	if o.Status.Terminal() {
		return o.Status, nil
	}
	return s.transitions.Cancel(ctx, o.ID)
}

// SweepExpired 过期清理：把超过待支付时限的订单置 expired 并释放预占。
// 每个订单单独一个事务，与迟到回调的竞争由行锁和状态前置条件裁决，
// 预占只会被释放一次。返回本轮实际过期的订单数。
func (s *OrderService) SweepExpired(ctx context.Context) (int, error) {
	stale, err := s.repo.ListStalePending(ctx, time.Now(), s.batchSize)
	if err != nil {
		GetMonitor().RecordDBError()
		return 0, err
	}

	expired := 0
	for _, o := range stale {
		status, err := s.transitions.Expire(ctx, o.ID)
		if err != nil {
			GetMonitor().RecordDBError()
			zap.L().Error("expire order", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}
		if status == order.StatusExpired {
			expired++
			zap.L().Info("order expired",
				zap.Int64("order_id", o.ID),
				zap.Time("expires_at", o.ExpiresAt))
		}
	}
	if expired > 0 {
		GetMonitor().RecordOrderExpired(int64(expired))
	}
	return expired, nil
}
