package redisrepo

import (
	"context"
	"fmt"
	"strconv"

	radix "github.com/mediocregopher/radix/v3"

	"github.com/great-orion/store/internal/datamodels/cart"
)

const cartKey = "cart:%d" // userID

type cartRepo struct {
	redis radix.Client
}

// NewCartRepository 创建 Redis 购物车仓储。
// 购物车以 hash 存储：field 为商品 ID，value 为数量，跨会话保留。
func NewCartRepository(redis radix.Client) cart.Repository {
	return &cartRepo{redis: redis}
}

func (r *cartRepo) key(userID int64) string {
	return fmt.Sprintf(cartKey, userID)
}

func (r *cartRepo) Get(ctx context.Context, userID int64) (map[int64]int64, error) {
	var raw map[string]string
	if err := r.redis.Do(radix.Cmd(&raw, "HGETALL", r.key(userID))); err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(raw))
	for field, value := range raw {
		pid, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			// 脏数据，跳过并清理
			_ = r.redis.Do(radix.Cmd(nil, "HDEL", r.key(userID), field))
			continue
		}
		qty, err := strconv.ParseInt(value, 10, 64)
		if err != nil || qty <= 0 {
			_ = r.redis.Do(radix.Cmd(nil, "HDEL", r.key(userID), field))
			continue
		}
		out[pid] = qty
	}
	return out, nil
}

func (r *cartRepo) IncrQuantity(ctx context.Context, userID, productID, delta int64) (int64, error) {
	var newQty int64
	err := r.redis.Do(radix.FlatCmd(&newQty, "HINCRBY", r.key(userID), productID, delta))
	if err != nil {
		return 0, err
	}
	if newQty <= 0 {
		if err := r.Remove(ctx, userID, productID); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return newQty, nil
}

func (r *cartRepo) SetQuantity(ctx context.Context, userID, productID, qty int64) error {
	if qty <= 0 {
		return r.Remove(ctx, userID, productID)
	}
	return r.redis.Do(radix.FlatCmd(nil, "HSET", r.key(userID), productID, qty))
}

func (r *cartRepo) Remove(ctx context.Context, userID, productID int64) error {
	return r.redis.Do(radix.FlatCmd(nil, "HDEL", r.key(userID), productID))
}

func (r *cartRepo) Clear(ctx context.Context, userID int64) error {
	return r.redis.Do(radix.Cmd(nil, "DEL", r.key(userID)))
}
