package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/great-orion/store/internal/datamodels/order"
	"github.com/great-orion/store/internal/datamodels/payment"
	"github.com/great-orion/store/internal/gateway"
)

// SettlementStore 结算事务端口，由 MySQL 仓储实现。
// Settle/Reject 内部保证会话与订单的状态迁移同一事务完成；
// RejectSession 只关闭会话，订单与预占原样保留。
type SettlementStore interface {
	Settle(ctx context.Context, sessionID int64, refID string) error
	Reject(ctx context.Context, sessionID int64, code, msg string) error
	RejectSession(ctx context.Context, sessionID int64, code, msg string) error
}

// ConfirmationNotifier 订单确认通知端口，只许发射不许阻塞结算
type ConfirmationNotifier interface {
	OrderConfirmed(o *order.Order)
}

// PaymentManager 支付会话管理。负责会话创建的幂等、向网关发起交易、
// 以及回调的最终裁决：网关 verify 是唯一事实来源，回调本身只是线索。
type PaymentManager struct {
	sessions payment.Repository
	orders   order.Repository
	settler  SettlementStore
	gw       gateway.Gateway
	notifier ConfirmationNotifier

	// 同一 authority 的并发回调在进程内先串行化，
	// 避免两个回调同时打到网关 verify；跨进程由结算事务的行锁兜底
	mu    sync.Mutex
	locks map[string]*refLock
}

// refLock 带引用计数的互斥锁，最后一个持有者释放时从表中摘除，
// 锁表大小只随在途回调数增长
type refLock struct {
	mu   sync.Mutex
	refs int
}

// NewPaymentManager 创建支付会话管理器
func NewPaymentManager(
	sessions payment.Repository,
	orders order.Repository,
	settler SettlementStore,
	gw gateway.Gateway,
	notifier ConfirmationNotifier,
) *PaymentManager {
	return &PaymentManager{
		sessions: sessions,
		orders:   orders,
		settler:  settler,
		gw:       gw,
		notifier: notifier,
		locks:    make(map[string]*refLock),
	}
}

// IdempotencyKey 由订单 ID 派生的稳定幂等键，
// 同一订单不管重试多少次都是同一个键
func IdempotencyKey(orderID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("store-order-%d", orderID))).String()
}

// CreateSession 为订单创建支付会话。订单已有会话时直接返回已有的，
// 保证每个订单至多一个存活会话。
func (m *PaymentManager) CreateSession(ctx context.Context, o *order.Order, userIP string) (*payment.Session, error) {
	if existing, err := m.sessions.GetByOrderID(ctx, o.ID); err == nil {
		return existing, nil
	}

	s := &payment.Session{
		OrderID:        o.ID,
		Amount:         o.Total,
		Status:         payment.StatusCreated,
		IdempotencyKey: IdempotencyKey(o.ID),
		UserIP:         userIP,
	}
	if err := m.sessions.Create(ctx, s); err != nil {
		// 并发重试撞上唯一索引，读回已有会话
		if existing, lookupErr := m.sessions.GetByOrderID(ctx, o.ID); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return s, nil
}

// Initiate 向网关发起交易并返回跳转地址。
// 会话已处于 awaiting_callback 时复用已有交易（重试结算不重复建单）；
// 网关失败时会话置 rejected、订单置 failed（预占随之释放）。
func (m *PaymentManager) Initiate(ctx context.Context, s *payment.Session, description, email string) (string, error) {
	switch s.Status {
	case payment.StatusAwaitingCallback:
		if s.GatewayRef != "" {
			return m.gw.RedirectURL(s.GatewayRef), nil
		}
		return "", fmt.Errorf("session %d awaiting without reference: %w",
			s.ID, payment.ErrInvariantViolation)
	case payment.StatusCreated:
		// 继续向网关发起
	default:
		return "", fmt.Errorf("session %d already %s: %w", s.ID, s.Status, payment.ErrInvariantViolation)
	}

	res, err := m.gw.Initiate(ctx, gateway.InitiateRequest{
		Amount:         s.Amount,
		OrderID:        s.OrderID,
		IdempotencyKey: s.IdempotencyKey,
		Description:    description,
		Email:          email,
	})
	if err != nil {
		GetMonitor().RecordGatewayError()
		code := "initiate_failed"
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			code = fmt.Sprintf("gateway_%d", gwErr.Code)
		}
		if rejectErr := m.settler.Reject(ctx, s.ID, code, err.Error()); rejectErr != nil {
			zap.L().Error("reject session after initiate failure",
				zap.Int64("session_id", s.ID), zap.Error(rejectErr))
		}
		return "", err
	}

	if err := m.sessions.MarkInitiated(ctx, s.ID, res.Authority); err != nil {
		return "", err
	}
	s.Status = payment.StatusAwaitingCallback
	s.GatewayRef = res.Authority
	return res.RedirectURL, nil
}

// ResolveCallback 裁决网关回调，整个系统的正确性关键点。
// 对同一 authority 幂等：终态会话直接返回存量结果，不重复触发结算副作用。
func (m *PaymentManager) ResolveCallback(ctx context.Context, ref, callbackStatus string, claimedAmount int64) (*payment.Session, error) {
	GetMonitor().RecordCallback()

	unlock := m.lockRef(ref)
	defer unlock()

	// 1. 定位会话，未知 authority 绝不创建任何状态
	s, err := m.sessions.GetByReference(ctx, ref)
	if err != nil {
		return nil, err
	}

	// 2. 终态短路：回调重放返回存量结果
	if s.Status.Terminal() {
		GetMonitor().RecordCallbackReplay()
		return s, nil
	}

	// 3. 用户在网关侧取消，无需 verify
	if callbackStatus != "OK" {
		return m.reject(ctx, s, "cancelled", "payment cancelled at gateway")
	}

	// 4. 回调声称的金额必须与会话金额一致。
	// 不一致视为伪造/集成故障信号：只拒绝会话并标记对账，
	// 订单和预占不动，留给过期清理处置。
	if claimedAmount >= 0 && claimedAmount != s.Amount {
		msg := fmt.Sprintf("callback claimed %d, session amount %d", claimedAmount, s.Amount)
		if err := m.settler.RejectSession(ctx, s.ID, "amount_mismatch", msg); err != nil {
			return nil, err
		}
		GetMonitor().RecordCallbackRejected()
		zap.L().Warn("callback amount mismatch",
			zap.Int64("session_id", s.ID),
			zap.Int64("order_id", s.OrderID),
			zap.Int64("claimed", claimedAmount),
			zap.Int64("expected", s.Amount))
		rejected, err := m.sessions.GetByID(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		return rejected, fmt.Errorf("claimed %d != %d: %w", claimedAmount, s.Amount, payment.ErrAmountMismatch)
	}

	return m.verifyAndSettle(ctx, s)
}

// Reconcile 人工对账入口：对标记的会话重新执行校验与结算
func (m *PaymentManager) Reconcile(ctx context.Context, sessionID int64) (*payment.Session, error) {
	s, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() || s.Status == payment.StatusCreated {
		return s, nil
	}

	unlock := m.lockRef(s.GatewayRef)
	defer unlock()

	// 持锁后重读，可能已被并发回调解决
	s, err = m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return s, nil
	}
	return m.verifyAndSettle(ctx, s)
}

// verifyAndSettle 以网关 verify 为准完成结算或拒绝。
// verify 拿不到明确结论时保持 awaiting_callback，等网关重试。
func (m *PaymentManager) verifyAndSettle(ctx context.Context, s *payment.Session) (*payment.Session, error) {
	vr, err := m.gw.Verify(ctx, s.GatewayRef, s.Amount)
	if err != nil {
		GetMonitor().RecordGatewayError()
		return nil, err
	}

	if !vr.Paid {
		return m.reject(ctx, s, fmt.Sprintf("gateway_%d", vr.Code), "payment not verified by gateway")
	}

	if err := m.settler.Settle(ctx, s.ID, vr.RefID); err != nil {
		if errors.Is(err, payment.ErrInvariantViolation) {
			GetMonitor().RecordInvariantViolation()
			zap.L().Error("payment invariant violation, flagged for reconciliation",
				zap.Int64("session_id", s.ID),
				zap.String("gateway_ref", s.GatewayRef),
				zap.Error(err))
			if flagErr := m.sessions.Flag(ctx, s.ID, "invariant", err.Error()); flagErr != nil {
				zap.L().Error("flag session failed", zap.Int64("session_id", s.ID), zap.Error(flagErr))
			}
		}
		return nil, err
	}
	GetMonitor().RecordCallbackVerified()

	updated, err := m.sessions.GetByID(ctx, s.ID)
	if err != nil {
		return nil, err
	}

	if m.notifier != nil {
		if o, err := m.orders.GetByID(ctx, s.OrderID); err == nil {
			m.notifier.OrderConfirmed(o)
		} else {
			zap.L().Warn("load order for confirmation", zap.Int64("order_id", s.OrderID), zap.Error(err))
		}
	}

	zap.L().Info("payment settled",
		zap.Int64("session_id", s.ID),
		zap.Int64("order_id", s.OrderID),
		zap.String("ref_id", updated.RefID))
	return updated, nil
}

func (m *PaymentManager) reject(ctx context.Context, s *payment.Session, code, msg string) (*payment.Session, error) {
	if err := m.settler.Reject(ctx, s.ID, code, msg); err != nil {
		return nil, err
	}
	GetMonitor().RecordCallbackRejected()
	zap.L().Warn("payment rejected",
		zap.Int64("session_id", s.ID),
		zap.Int64("order_id", s.OrderID),
		zap.String("code", code),
		zap.String("reason", msg))
	return m.sessions.GetByID(ctx, s.ID)
}

// lockRef 获取 authority 级别的进程内互斥锁
func (m *PaymentManager) lockRef(ref string) func() {
	m.mu.Lock()
	l, ok := m.locks[ref]
	if !ok {
		l = &refLock{}
		m.locks[ref] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, ref)
		}
		m.mu.Unlock()
	}
}
