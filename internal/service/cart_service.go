package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"gorm.io/gorm"

	"github.com/great-orion/store/internal/datamodels/cart"
	"github.com/great-orion/store/internal/datamodels/product"
)

var (
	// ErrProductNotFound 商品不存在或已下架
	ErrProductNotFound = errors.New("product not found")
	// ErrInvalidQuantity 数量不合法
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrEmptyCart 购物车为空，无法结算
	ErrEmptyCart = errors.New("cart is empty")
)

// CartService 购物车服务。购物车只属于一个用户，
// 所有操作都以调用方的用户 ID 为准；加购不占库存。
type CartService struct {
	carts    cart.Repository
	products product.Repository
}

// NewCartService 创建购物车服务
func NewCartService(carts cart.Repository, products product.Repository) *CartService {
	return &CartService{carts: carts, products: products}
}

// AddItem 加购，数量在已有基础上累加
func (s *CartService) AddItem(ctx context.Context, userID, productID, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("quantity %d: %w", qty, ErrInvalidQuantity)
	}
	if _, err := s.lookupProduct(ctx, productID); err != nil {
		return err
	}
	_, err := s.carts.IncrQuantity(ctx, userID, productID, qty)
	return err
}

// SetQuantity 设置某商品数量，0 表示删除该行
func (s *CartService) SetQuantity(ctx context.Context, userID, productID, qty int64) error {
	if qty < 0 {
		return fmt.Errorf("quantity %d: %w", qty, ErrInvalidQuantity)
	}
	if qty == 0 {
		return s.carts.Remove(ctx, userID, productID)
	}
	if _, err := s.lookupProduct(ctx, productID); err != nil {
		return err
	}
	return s.carts.SetQuantity(ctx, userID, productID, qty)
}

// RemoveItem 删除某商品行
func (s *CartService) RemoveItem(ctx context.Context, userID, productID int64) error {
	return s.carts.Remove(ctx, userID, productID)
}

// Clear 清空购物车
func (s *CartService) Clear(ctx context.Context, userID int64) error {
	return s.carts.Clear(ctx, userID)
}

// Snapshot 返回购物车行项目的只读快照，按商品 ID 升序。
// 不加锁也不修改购物车，结算用它作为定价输入。
func (s *CartService) Snapshot(ctx context.Context, userID int64) ([]cart.Line, error) {
	m, err := s.carts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	lines := make([]cart.Line, 0, len(m))
	for pid, qty := range m {
		lines = append(lines, cart.Line{ProductID: pid, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines, nil
}

// CartView 带价格的购物车视图
type CartView struct {
	Lines    []CartViewLine `json:"lines"`
	Subtotal int64          `json:"subtotal"`
	Discount int64          `json:"discount"`
	VAT      int64          `json:"vat"`
	Total    int64          `json:"total"`
}

// CartViewLine 单行视图
type CartViewLine struct {
	ProductID int64   `json:"product_id"`
	Name      string  `json:"name"`
	Price     int64   `json:"price"`
	Discount  float64 `json:"discount"`
	Quantity  int64   `json:"quantity"`
	Total     int64   `json:"total"`
}

// View 按当前目录价格渲染购物车（目录里已删除的商品自动跳过）
func (s *CartService) View(ctx context.Context, userID int64, vatRate float64) (*CartView, error) {
	lines, err := s.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	view := &CartView{Lines: make([]CartViewLine, 0, len(lines))}
	for _, line := range lines {
		p, err := s.lookupProduct(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, ErrProductNotFound) {
				continue
			}
			return nil, err
		}
		lineTotal := discountedTotal(p.Price, p.Discount, line.Quantity)
		view.Lines = append(view.Lines, CartViewLine{
			ProductID: p.ID,
			Name:      p.Name,
			Price:     p.Price,
			Discount:  p.Discount,
			Quantity:  line.Quantity,
			Total:     lineTotal,
		})
		view.Subtotal += p.Price * line.Quantity
		view.Discount += p.Price*line.Quantity - lineTotal
	}
	view.VAT = vatAmount(view.Subtotal-view.Discount, vatRate)
	view.Total = view.Subtotal - view.Discount + view.VAT
	return view, nil
}

func (s *CartService) lookupProduct(ctx context.Context, productID int64) (*product.Product, error) {
	p, err := s.products.GetByID(ctx, productID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("product %d: %w", productID, ErrProductNotFound)
		}
		return nil, err
	}
	if !p.Enabled {
		return nil, fmt.Errorf("product %d disabled: %w", productID, ErrProductNotFound)
	}
	return p, nil
}

// discountedTotal 折后行合计
func discountedTotal(price int64, discount float64, qty int64) int64 {
	if discount <= 0 {
		return price * qty
	}
	return int64(math.Round(float64(price*qty) * (1 - discount/100)))
}

// vatAmount 按折后金额计税
func vatAmount(base int64, rate float64) int64 {
	if rate <= 0 {
		return 0
	}
	return int64(math.Round(float64(base) * rate / 100))
}
