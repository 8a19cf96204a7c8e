package cart

import "context"

// Line 购物车行项目，Quantity 恒大于 0（为 0 时整行删除）
type Line struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

// Repository 购物车仓储接口
// 购物车按用户持久化（跨会话保留），与库存完全解耦，
// 只有结算时才检查并占用库存。
type Repository interface {
	// Get 返回用户购物车的全部行项目（product_id -> quantity）
	Get(ctx context.Context, userID int64) (map[int64]int64, error)
	// IncrQuantity 增量修改某商品数量，返回修改后的数量
	IncrQuantity(ctx context.Context, userID, productID, delta int64) (int64, error)
	// SetQuantity 直接设置某商品数量，qty 为 0 时删除该行
	SetQuantity(ctx context.Context, userID, productID, qty int64) error
	// Remove 删除某商品行
	Remove(ctx context.Context, userID, productID int64) error
	// Clear 清空购物车
	Clear(ctx context.Context, userID int64) error
}
