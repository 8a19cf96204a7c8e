package service

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/great-orion/store/internal/datamodels/order"
	"github.com/great-orion/store/internal/infra/mq"
)

// ConfirmationMessage 订单确认通知消息体
type ConfirmationMessage struct {
	OrderID int64 `json:"order_id"`
	UserID  int64 `json:"user_id"`
	Number  int64 `json:"number"`
	Total   int64 `json:"total"`
}

// Notifier 订单确认通知，写 MQ 由 notify-worker 负责投递。
// 只许发射（fire-and-forget）：任何失败只记日志，绝不阻塞或回滚结算。
type Notifier struct {
	conn *amqp.Connection
}

// NewNotifier 创建通知器
func NewNotifier(conn *amqp.Connection) *Notifier {
	return &Notifier{conn: conn}
}

// OrderConfirmed 推送订单确认通知
func (n *Notifier) OrderConfirmed(o *order.Order) {
	if n == nil || n.conn == nil {
		return
	}
	go n.publish(o)
}

func (n *Notifier) publish(o *order.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := n.conn.Channel()
	if err != nil {
		GetMonitor().RecordMQError()
		zap.L().Warn("open mq channel for confirmation", zap.Int64("order_id", o.ID), zap.Error(err))
		return
	}
	defer ch.Close()

	if _, err = ch.QueueDeclare(mq.ConfirmationQueue, true, false, false, false, nil); err != nil {
		GetMonitor().RecordMQError()
		zap.L().Warn("declare confirmation queue", zap.Int64("order_id", o.ID), zap.Error(err))
		return
	}

	body, err := json.Marshal(&ConfirmationMessage{
		OrderID: o.ID,
		UserID:  o.UserID,
		Number:  o.Number,
		Total:   o.Total,
	})
	if err != nil {
		zap.L().Warn("marshal confirmation", zap.Int64("order_id", o.ID), zap.Error(err))
		return
	}

	err = ch.PublishWithContext(
		ctx,
		"",
		mq.ConfirmationQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		GetMonitor().RecordMQError()
		zap.L().Warn("publish confirmation", zap.Int64("order_id", o.ID), zap.Error(err))
		return
	}
	zap.L().Info("order confirmation queued", zap.Int64("order_id", o.ID))
}
