package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/great-orion/store/internal/config"
	"github.com/great-orion/store/internal/datamodels/order"
	"github.com/great-orion/store/internal/datamodels/payment"
	"github.com/great-orion/store/internal/datamodels/product"
)

var (
	// ErrOrderNotFound 订单不存在或不属于调用方
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotPayable 订单不在待支付状态，无法发起/重试支付
	ErrOrderNotPayable = errors.New("order not payable")
)

// PlacementStore 下单事务端口：订单、行项目、库存预占一个事务落库
type PlacementStore interface {
	PlacePending(ctx context.Context, o *order.Order, items []*order.Item, expiresAt time.Time) error
}

// SessionManager 支付会话端口（由 PaymentManager 实现）
type SessionManager interface {
	CreateSession(ctx context.Context, o *order.Order, userIP string) (*payment.Session, error)
	Initiate(ctx context.Context, s *payment.Session, description, email string) (string, error)
}

// CheckoutService 结算服务：购物车快照 -> 待支付订单 -> 支付会话 -> 网关跳转。
// 顺序由状态机前置条件保证：预占先于会话创建，会话创建先于 initiate。
type CheckoutService struct {
	carts     *CartService
	products  product.Repository
	orders    order.Repository
	placement PlacementStore
	payments  SessionManager
	cfg       config.CheckoutConfig
}

// NewCheckoutService 创建结算服务
func NewCheckoutService(
	carts *CartService,
	products product.Repository,
	orders order.Repository,
	placement PlacementStore,
	payments SessionManager,
	cfg config.CheckoutConfig,
) *CheckoutService {
	return &CheckoutService{
		carts:     carts,
		products:  products,
		orders:    orders,
		placement: placement,
		payments:  payments,
		cfg:       cfg,
	}
}

// PlacedOrder 结算结果
type PlacedOrder struct {
	OrderID     int64  `json:"order_id"`
	Total       int64  `json:"total"`
	RedirectURL string `json:"redirect_target"`
}

// PlaceFromCart 从当前购物车结算下单。
// 下单事务失败（含库存不足）时不产生任何订单；initiate 失败时
// 订单转 failed、预占释放，购物车保留，用户可再次结算。
func (s *CheckoutService) PlaceFromCart(ctx context.Context, userID int64, address, userIP, email string) (*PlacedOrder, error) {
	GetMonitor().RecordCheckoutRequest()

	lines, err := s.carts.Snapshot(ctx, userID)
	if err != nil {
		GetMonitor().RecordCheckoutError()
		return nil, err
	}
	if len(lines) == 0 {
		GetMonitor().RecordCheckoutError()
		return nil, ErrEmptyCart
	}

	// 按当前目录价格生成不可变快照
	o := &order.Order{
		UserID:  userID,
		Address: address,
	}
	items := make([]*order.Item, 0, len(lines))
	for _, line := range lines {
		p, err := s.products.GetByID(ctx, line.ProductID)
		if err != nil {
			GetMonitor().RecordCheckoutError()
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("product %d: %w", line.ProductID, ErrProductNotFound)
			}
			return nil, err
		}
		if !p.Enabled {
			GetMonitor().RecordCheckoutError()
			return nil, fmt.Errorf("product %d disabled: %w", p.ID, ErrProductNotFound)
		}

		lineTotal := discountedTotal(p.Price, p.Discount, line.Quantity)
		items = append(items, &order.Item{
			ProductID: p.ID,
			Name:      p.Name,
			Price:     p.Price,
			Discount:  p.Discount,
			Quantity:  line.Quantity,
			Total:     lineTotal,
		})
		o.Subtotal += p.Price * line.Quantity
		o.Discount += p.Price*line.Quantity - lineTotal
	}
	o.VAT = vatAmount(o.Subtotal-o.Discount, s.cfg.VATRate)
	o.Total = o.Subtotal - o.Discount + o.VAT

	expiresAt := time.Now().Add(s.cfg.PendingTimeout())
	if err := s.placement.PlacePending(ctx, o, items, expiresAt); err != nil {
		GetMonitor().RecordCheckoutError()
		return nil, err
	}

	redirect, err := s.startPayment(ctx, o, userIP, email)
	if err != nil {
		GetMonitor().RecordCheckoutError()
		return nil, err
	}

	// 下单成功后清空购物车，失败只记日志不影响结果
	if err := s.carts.Clear(ctx, userID); err != nil {
		GetMonitor().RecordRedisError()
		zap.L().Warn("clear cart after checkout", zap.Int64("user_id", userID), zap.Error(err))
	}

	GetMonitor().RecordCheckoutSuccess()
	zap.L().Info("order placed",
		zap.Int64("order_id", o.ID),
		zap.Int64("user_id", userID),
		zap.Int64("total", o.Total))
	return &PlacedOrder{OrderID: o.ID, Total: o.Total, RedirectURL: redirect}, nil
}

// RetryPayment 对已有待支付订单重试支付。
// 会话幂等：已有会话直接复用，不会在网关侧重复建单。
func (s *CheckoutService) RetryPayment(ctx context.Context, userID, orderID int64, userIP, email string) (*PlacedOrder, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrOrderNotFound
	}
	if o.Status != order.StatusPendingPayment {
		return nil, fmt.Errorf("order %d is %s: %w", o.ID, o.Status, ErrOrderNotPayable)
	}

	redirect, err := s.startPayment(ctx, o, userIP, email)
	if err != nil {
		return nil, err
	}
	return &PlacedOrder{OrderID: o.ID, Total: o.Total, RedirectURL: redirect}, nil
}

func (s *CheckoutService) startPayment(ctx context.Context, o *order.Order, userIP, email string) (string, error) {
	sess, err := s.payments.CreateSession(ctx, o, userIP)
	if err != nil {
		return "", err
	}
	return s.payments.Initiate(ctx, sess, fmt.Sprintf("order No. %d", o.ID), email)
}
