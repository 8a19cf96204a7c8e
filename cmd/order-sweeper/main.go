package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/great-orion/store/internal/config"
	"github.com/great-orion/store/internal/inventory"
	"github.com/great-orion/store/internal/logger"
	"github.com/great-orion/store/internal/repository/mysql"
	"github.com/great-orion/store/internal/service"
)

// 过期订单清理进程：定时扫描超时未支付的订单，
// 将其置为 expired 并释放预占库存。和支付回调竞争同一订单时
// 由数据库行锁 + 状态前置条件决出胜者，输家是无害的空操作。
func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	l := logger.Init(false)
	defer l.Sync()

	db := mysql.Init(&cfg.MySQL)
	orderRepo := mysql.NewOrderRepository(db)
	settlement := mysql.NewSettlementRepository(db, inventory.NewLedger(db))
	orderSvc := service.NewOrderService(orderRepo, settlement, cfg.Checkout.SweepBatchSize)

	interval := cfg.Checkout.SweepInterval()
	log.Printf("order sweeper started, interval=%s batch=%d", interval, cfg.Checkout.SweepBatchSize)

	ctx, stop := signalContext(context.Background())
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 启动时先跑一轮，避免积压等一个完整周期
	sweep(ctx, orderSvc)

	for {
		select {
		case <-ctx.Done():
			log.Println("order sweeper stopped")
			return
		case <-ticker.C:
			sweep(ctx, orderSvc)
		}
	}
}

func sweep(ctx context.Context, svc *service.OrderService) {
	n, err := svc.SweepExpired(ctx)
	if err != nil {
		zap.L().Error("sweep expired orders", zap.Error(err))
		return
	}
	if n > 0 {
		log.Printf("expired %d stale orders", n)
	}
}

// signalContext 收到 SIGINT/SIGTERM 时取消 context
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
