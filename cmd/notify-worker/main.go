package main

import (
	"encoding/json"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/great-orion/store/internal/config"
	"github.com/great-orion/store/internal/infra/mq"
	"github.com/great-orion/store/internal/logger"
	"github.com/great-orion/store/internal/service"
)

// 订单确认通知进程：消费结算成功后发出的确认消息，
// 负责对外的通知动作（发邮件/短信等）。消费失败的消息重新入队，
// 格式损坏的消息直接丢弃。
func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	l := logger.Init(false)
	defer l.Sync()

	mqConn := mq.Init(&cfg.RabbitMQ)

	ch, err := mqConn.Channel()
	if err != nil {
		log.Fatalf("failed to open channel: %v", err)
	}
	defer ch.Close()

	if _, err = ch.QueueDeclare(mq.ConfirmationQueue, true, false, false, false, nil); err != nil {
		log.Fatalf("failed to declare queue: %v", err)
	}

	// 手动确认模式（auto-ack=false）
	msgs, err := ch.Consume(mq.ConfirmationQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("failed to consume: %v", err)
	}

	log.Println("notify worker started, waiting for messages...")

	for d := range msgs {
		var m service.ConfirmationMessage
		if err := json.Unmarshal(d.Body, &m); err != nil {
			log.Printf("invalid message: %v", err)
			// 消息格式错误，拒绝并丢弃
			_ = d.Nack(false, false)
			continue
		}
		handleMessage(&m, d)
	}
}

func handleMessage(m *service.ConfirmationMessage, d amqp.Delivery) {
	// 实际通知渠道（邮件/短信）在这里接入，目前只落日志
	log.Printf("order confirmed: order_id=%d number=%d user=%d total=%d",
		m.OrderID, m.Number, m.UserID, m.Total)

	if err := d.Ack(false); err != nil {
		log.Printf("failed to ack message: %v", err)
		service.GetMonitor().RecordMQError()
	}
}
