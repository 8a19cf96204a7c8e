package server

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/kataras/iris/v12"
	"gorm.io/gorm"

	"github.com/great-orion/store/internal/config"
	"github.com/great-orion/store/internal/datamodels/payment"
	"github.com/great-orion/store/internal/datamodels/product"
	"github.com/great-orion/store/internal/gateway"
	"github.com/great-orion/store/internal/inventory"
	"github.com/great-orion/store/internal/repository/mysql"
	"github.com/great-orion/store/internal/service"
)

// RegisterAdminRoutes 注册后台管理端的 HTTP 路由
// 端口通常是 8081，与前台 Web 服务分离。
func RegisterAdminRoutes(app *iris.Application, cfg *config.Config) {
	// 初始化基础设施
	db := mysql.Init(&cfg.MySQL)

	// 仓储与服务
	productRepo := mysql.NewProductRepository(db)
	orderRepo := mysql.NewOrderRepository(db)
	paymentRepo := mysql.NewPaymentRepository(db)
	reservationRepo := mysql.NewReservationRepository(db)
	settlement := mysql.NewSettlementRepository(db, inventory.NewLedger(db))

	gw := gateway.NewClient(cfg.Gateway, cfg.Checkout.Currency)
	orderSvc := service.NewOrderService(orderRepo, settlement, cfg.Checkout.SweepBatchSize)
	// 对账走和回调同一条 verify + settle 路径，人工操作也不绕过状态机
	paymentMgr := service.NewPaymentManager(paymentRepo, orderRepo, settlement, gw, nil)

	api := app.Party("/api")

	api.Get("/health", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"code": 0, "msg": "ok"})
	})

	// ---------- 商品管理 ----------

	api.Get("/products", func(ctx iris.Context) {
		list, err := productRepo.ListEnabled(ctx.Request().Context())
		if err != nil {
			ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	api.Post("/products", func(ctx iris.Context) {
		var req productRequest
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		p := &product.Product{}
		if err := req.applyTo(p); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		if err := productRepo.Create(ctx.Request().Context(), p); err != nil {
			ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": p})
	})

	api.Put("/products/{id:uint64}", func(ctx iris.Context) {
		id, _ := ctx.Params().GetUint64("id")
		p, err := productRepo.GetByID(ctx.Request().Context(), int64(id))
		if err != nil {
			ctx.StopWithJSON(404, iris.Map{"code": 404, "msg": "product not found"})
			return
		}
		var req productRequest
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		if err := req.applyTo(p); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		if err := productRepo.Update(ctx.Request().Context(), p); err != nil {
			ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": p})
	})

	// ---------- 订单管理 ----------

	// 最近订单列表
	api.Get("/orders", func(ctx iris.Context) {
		limit := queryLimit(ctx, 20)
		list, err := orderSvc.ListRecent(ctx.Request().Context(), limit)
		if err != nil {
			ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	// 订单详情，带预占记录方便人工核对库存侧
	api.Get("/orders/{id:uint64}", func(ctx iris.Context) {
		id, _ := ctx.Params().GetUint64("id")
		o, err := orderRepo.GetByID(ctx.Request().Context(), int64(id))
		if err != nil {
			ctx.StopWithJSON(404, iris.Map{"code": 404, "msg": "order not found"})
			return
		}
		reservations, err := reservationRepo.ListByOrder(ctx.Request().Context(), o.ID)
		if err != nil {
			ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": iris.Map{
			"order":        o,
			"reservations": reservations,
		}})
	})

	// ---------- 支付会话管理 ----------

	api.Get("/payments", func(ctx iris.Context) {
		limit := queryLimit(ctx, 20)
		list, err := paymentRepo.ListRecent(ctx.Request().Context(), limit)
		if err != nil {
			ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	// 被标记等待人工对账的会话
	api.Get("/payments/flagged", func(ctx iris.Context) {
		list, err := paymentRepo.ListFlagged(ctx.Request().Context())
		if err != nil {
			ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	// 人工对账：重新向网关 verify 并按结果结算
	api.Post("/payments/{id:uint64}/reconcile", func(ctx iris.Context) {
		id, _ := ctx.Params().GetUint64("id")
		s, err := paymentMgr.Reconcile(ctx.Request().Context(), int64(id))
		if err != nil {
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, payment.ErrUnknownTransaction):
				ctx.StopWithJSON(404, iris.Map{"code": 404, "msg": "payment session not found"})
			case errors.Is(err, gateway.ErrUnavailable):
				ctx.StopWithJSON(502, iris.Map{"code": 502, "msg": "gateway unavailable"})
			default:
				ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			}
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": s})
	})

	// ---------- 运行统计 ----------

	api.Get("/stats", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"code": 0, "data": service.GetMonitor().GetStats()})
	})
}

// ---- 辅助结构与函数 ----

type productRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       int64   `json:"price"`
	Discount    float64 `json:"discount"`
	OnHand      int64   `json:"on_hand"`
	Enabled     bool    `json:"enabled"`
}

func (r *productRequest) applyTo(p *product.Product) error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Price < 0 {
		return fmt.Errorf("price must not be negative")
	}
	if r.Discount < 0 || r.Discount > 100 {
		return fmt.Errorf("discount must be between 0 and 100")
	}
	if r.OnHand < p.Reserved {
		return fmt.Errorf("on_hand %d below reserved %d", r.OnHand, p.Reserved)
	}
	p.Name = r.Name
	p.Description = r.Description
	p.Price = r.Price
	p.Discount = r.Discount
	p.OnHand = r.OnHand
	p.Enabled = r.Enabled
	return nil
}

func queryLimit(ctx iris.Context, def int) int {
	limitStr := ctx.URLParamDefault("limit", strconv.Itoa(def))
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}
