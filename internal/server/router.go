package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/kataras/iris/v12"
	"go.uber.org/zap"

	"github.com/great-orion/store/internal/auth"
	"github.com/great-orion/store/internal/config"
	"github.com/great-orion/store/internal/datamodels/payment"
	"github.com/great-orion/store/internal/gateway"
	"github.com/great-orion/store/internal/infra/mq"
	"github.com/great-orion/store/internal/infra/redis"
	"github.com/great-orion/store/internal/inventory"
	"github.com/great-orion/store/internal/middleware"
	"github.com/great-orion/store/internal/repository/mysql"
	"github.com/great-orion/store/internal/repository/redisrepo"
	"github.com/great-orion/store/internal/service"
)

// RegisterRoutes 注册前台 HTTP 路由
func RegisterRoutes(app *iris.Application, cfg *config.Config) {
	// 初始化基础设施
	db := mysql.Init(&cfg.MySQL)
	redisClient := redis.Init(&cfg.Redis)
	mqConn := mq.Init(&cfg.RabbitMQ)

	// 仓储与服务
	productRepo := mysql.NewProductRepository(db)
	orderRepo := mysql.NewOrderRepository(db)
	paymentRepo := mysql.NewPaymentRepository(db)
	cartRepo := redisrepo.NewCartRepository(redisClient)
	settlement := mysql.NewSettlementRepository(db, inventory.NewLedger(db))

	gw := gateway.NewClient(cfg.Gateway, cfg.Checkout.Currency)
	notifier := service.NewNotifier(mqConn)

	cartSvc := service.NewCartService(cartRepo, productRepo)
	paymentMgr := service.NewPaymentManager(paymentRepo, orderRepo, settlement, gw, notifier)
	checkoutSvc := service.NewCheckoutService(cartSvc, productRepo, orderRepo, settlement, paymentMgr, cfg.Checkout)
	orderSvc := service.NewOrderService(orderRepo, settlement, cfg.Checkout.SweepBatchSize)

	tokenCache := auth.NewTokenCache(redisClient, time.Duration(cfg.Auth.TokenCacheTTLSeconds)*time.Second)

	api := app.Party("/api")

	// 健康检查
	api.Get("/health", func(ctx iris.Context) {
		ctx.JSON(iris.Map{
			"code": 0,
			"msg":  "ok",
		})
	})

	// 商品列表（游客可见）
	api.Get("/products", func(ctx iris.Context) {
		list, err := productRepo.ListEnabled(ctx.Request().Context())
		if err != nil {
			ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	// 需要登录的接口。token 由独立的用户中心签发，
	// 这里只解析 claims 并缓存解析结果
	authAPI := api.Party("/", func(ctx iris.Context) {
		token := strings.TrimPrefix(ctx.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			ctx.StopWithJSON(401, iris.Map{"code": 401, "msg": "missing token"})
			return
		}
		claims, ok, err := tokenCache.Get(ctx.Request().Context(), token)
		if err != nil {
			service.GetMonitor().RecordRedisError()
		}
		if !ok {
			claims, err = auth.ParseToken(&cfg.JWT, token)
			if err != nil {
				ctx.StopWithJSON(401, iris.Map{"code": 401, "msg": "invalid token"})
				return
			}
			if err := tokenCache.Set(ctx.Request().Context(), token, claims); err != nil {
				service.GetMonitor().RecordRedisError()
			}
		}
		ctx.Values().Set("user_id", claims.UserID)
		ctx.Values().Set("username", claims.Username)
		ctx.Next()
	})

	// ---------- 购物车 ----------

	authAPI.Get("/cart", func(ctx iris.Context) {
		userID := ctx.Values().GetInt64Default("user_id", 0)
		view, err := cartSvc.View(ctx.Request().Context(), userID, cfg.Checkout.VATRate)
		if err != nil {
			ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": view})
	})

	authAPI.Post("/cart/items", func(ctx iris.Context) {
		userID := ctx.Values().GetInt64Default("user_id", 0)
		var req struct {
			ProductID int64 `json:"product_id"`
			Quantity  int64 `json:"quantity"`
		}
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		if err := cartSvc.AddItem(ctx.Request().Context(), userID, req.ProductID, req.Quantity); err != nil {
			stopWithError(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "msg": "added"})
	})

	authAPI.Put("/cart/items/{id:uint64}", func(ctx iris.Context) {
		userID := ctx.Values().GetInt64Default("user_id", 0)
		pid, _ := ctx.Params().GetUint64("id")
		var req struct {
			Quantity int64 `json:"quantity"`
		}
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		if err := cartSvc.SetQuantity(ctx.Request().Context(), userID, int64(pid), req.Quantity); err != nil {
			stopWithError(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "msg": "updated"})
	})

	authAPI.Delete("/cart/items/{id:uint64}", func(ctx iris.Context) {
		userID := ctx.Values().GetInt64Default("user_id", 0)
		pid, _ := ctx.Params().GetUint64("id")
		if err := cartSvc.RemoveItem(ctx.Request().Context(), userID, int64(pid)); err != nil {
			stopWithError(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "msg": "removed"})
	})

	// ---------- 结算与订单 ----------

	authAPI.Post("/checkout", middleware.CheckoutRateLimit(), func(ctx iris.Context) {
		userID := ctx.Values().GetInt64Default("user_id", 0)
		var req struct {
			Address string `json:"address"`
			Email   string `json:"email"`
		}
		if err := ctx.ReadJSON(&req); err != nil {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
			return
		}
		if req.Address == "" {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": "address is required"})
			return
		}
		placed, err := checkoutSvc.PlaceFromCart(ctx.Request().Context(), userID, req.Address, ctx.RemoteAddr(), req.Email)
		if err != nil {
			stopWithError(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": placed})
	})

	authAPI.Get("/orders", func(ctx iris.Context) {
		userID := ctx.Values().GetInt64Default("user_id", 0)
		list, err := orderSvc.ListByUser(ctx.Request().Context(), userID)
		if err != nil {
			ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": list})
	})

	authAPI.Get("/orders/{id:uint64}", func(ctx iris.Context) {
		userID := ctx.Values().GetInt64Default("user_id", 0)
		id, _ := ctx.Params().GetUint64("id")
		o, err := orderSvc.GetForUser(ctx.Request().Context(), userID, int64(id))
		if err != nil {
			stopWithError(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": o})
	})

	// 对待支付订单重试支付（复用已有支付会话）
	authAPI.Post("/orders/{id:uint64}/pay", middleware.CheckoutRateLimit(), func(ctx iris.Context) {
		userID := ctx.Values().GetInt64Default("user_id", 0)
		id, _ := ctx.Params().GetUint64("id")
		var req struct {
			Email string `json:"email"`
		}
		_ = ctx.ReadJSON(&req)
		placed, err := checkoutSvc.RetryPayment(ctx.Request().Context(), userID, int64(id), ctx.RemoteAddr(), req.Email)
		if err != nil {
			stopWithError(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": placed})
	})

	authAPI.Post("/orders/{id:uint64}/cancel", func(ctx iris.Context) {
		userID := ctx.Values().GetInt64Default("user_id", 0)
		id, _ := ctx.Params().GetUint64("id")
		status, err := orderSvc.Cancel(ctx.Request().Context(), userID, int64(id))
		if err != nil {
			stopWithError(ctx, err)
			return
		}
		ctx.JSON(iris.Map{"code": 0, "data": iris.Map{"status": status}})
	})

	// ---------- 支付网关回调 ----------
	// 网关以 GET 回调，不带认证；authority 未知时绝不落任何状态

	app.Get("/payment/callback", middleware.CallbackRateLimit(), func(ctx iris.Context) {
		authority := ctx.URLParam("Authority")
		status := ctx.URLParam("Status")
		if authority == "" || status == "" {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": "missing Authority or Status"})
			return
		}

		// Amount 参数可选，缺省时交给网关 verify 核对
		claimed := int64(-1)
		if raw := ctx.URLParam("Amount"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": "invalid Amount"})
				return
			}
			claimed = v
		}

		s, err := paymentMgr.ResolveCallback(ctx.Request().Context(), authority, status, claimed)
		if err != nil && s == nil {
			switch {
			case errors.Is(err, payment.ErrUnknownTransaction):
				ctx.StopWithJSON(404, iris.Map{"code": 404, "msg": "unknown transaction"})
			case errors.Is(err, gateway.ErrUnavailable):
				// 给网关 502，等它重试回调
				ctx.StopWithJSON(502, iris.Map{"code": 502, "msg": "verification unavailable"})
			default:
				zap.L().Error("resolve callback", zap.String("authority", authority), zap.Error(err))
				ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
			}
			return
		}
		if err != nil && errors.Is(err, payment.ErrAmountMismatch) {
			ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": "amount mismatch", "data": sessionView(s)})
			return
		}

		ctx.JSON(iris.Map{"code": 0, "data": sessionView(s)})
	})
}

// sessionView 回调响应只暴露支付的对外结论
func sessionView(s *payment.Session) iris.Map {
	return iris.Map{
		"order_id": s.OrderID,
		"status":   s.Status,
		"ref_id":   s.RefID,
	}
}

// stopWithError 业务错误到 HTTP 状态码的统一映射
func stopWithError(ctx iris.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, payment.ErrAmountMismatch):
		ctx.StopWithJSON(400, iris.Map{"code": 400, "msg": err.Error()})
	case errors.Is(err, service.ErrProductNotFound),
		errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, payment.ErrUnknownTransaction):
		ctx.StopWithJSON(404, iris.Map{"code": 404, "msg": err.Error()})
	case errors.Is(err, inventory.ErrInsufficientStock),
		errors.Is(err, service.ErrOrderNotPayable):
		ctx.StopWithJSON(409, iris.Map{"code": 409, "msg": err.Error()})
	case errors.Is(err, gateway.ErrUnavailable):
		ctx.StopWithJSON(502, iris.Map{"code": 502, "msg": err.Error()})
	case errors.Is(err, payment.ErrInvariantViolation):
		ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
	default:
		zap.L().Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
		ctx.StopWithJSON(500, iris.Map{"code": 500, "msg": err.Error()})
	}
}
