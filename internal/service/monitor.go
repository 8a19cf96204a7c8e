package service

import (
	"sync"
	"time"
)

// Monitor 监控服务，用于统计错误和关键流程指标
type Monitor struct {
	mu sync.RWMutex

	// 错误统计
	RedisErrors   int64
	MQErrors      int64
	DBErrors      int64
	GatewayErrors int64
	// InvariantViolations 转人工对账的交易数
	InvariantViolations int64

	// 流程统计
	CheckoutRequests  int64
	CheckoutSuccess   int64
	CheckoutErrors    int64
	CallbacksReceived int64
	CallbackReplays   int64
	CallbacksVerified int64
	CallbacksRejected int64
	OrdersExpired     int64

	// 时间统计
	LastRedisError   time.Time
	LastMQError      time.Time
	LastDBError      time.Time
	LastGatewayError time.Time
	LastCheckoutTime time.Time
	LastCallbackTime time.Time
	LastSweepTime    time.Time
}

var globalMonitor = &Monitor{}

// GetMonitor 获取全局监控实例
func GetMonitor() *Monitor {
	return globalMonitor
}

// RecordRedisError 记录 Redis 错误
func (m *Monitor) RecordRedisError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RedisErrors++
	m.LastRedisError = time.Now()
}

// RecordMQError 记录 MQ 错误
func (m *Monitor) RecordMQError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MQErrors++
	m.LastMQError = time.Now()
}

// RecordDBError 记录数据库错误
func (m *Monitor) RecordDBError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DBErrors++
	m.LastDBError = time.Now()
}

// RecordGatewayError 记录网关错误
func (m *Monitor) RecordGatewayError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GatewayErrors++
	m.LastGatewayError = time.Now()
}

// RecordInvariantViolation 记录转人工对账的交易
func (m *Monitor) RecordInvariantViolation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InvariantViolations++
}

// RecordCheckoutRequest 记录结算请求
func (m *Monitor) RecordCheckoutRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CheckoutRequests++
	m.LastCheckoutTime = time.Now()
}

// RecordCheckoutSuccess 记录结算成功
func (m *Monitor) RecordCheckoutSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CheckoutSuccess++
}

// RecordCheckoutError 记录结算失败
func (m *Monitor) RecordCheckoutError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CheckoutErrors++
}

// RecordCallback 记录收到网关回调
func (m *Monitor) RecordCallback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallbacksReceived++
	m.LastCallbackTime = time.Now()
}

// RecordCallbackReplay 记录回调重放（幂等命中）
func (m *Monitor) RecordCallbackReplay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallbackReplays++
}

// RecordCallbackVerified 记录回调校验通过
func (m *Monitor) RecordCallbackVerified() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallbacksVerified++
}

// RecordCallbackRejected 记录回调被拒绝
func (m *Monitor) RecordCallbackRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallbacksRejected++
}

// RecordOrderExpired 记录清理任务过期的订单数
func (m *Monitor) RecordOrderExpired(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OrdersExpired += n
	m.LastSweepTime = time.Now()
}

// GetStats 获取统计信息
func (m *Monitor) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checkoutRate := float64(0)
	if m.CheckoutRequests > 0 {
		checkoutRate = float64(m.CheckoutSuccess) / float64(m.CheckoutRequests) * 100
	}

	verifyRate := float64(0)
	resolved := m.CallbacksVerified + m.CallbacksRejected
	if resolved > 0 {
		verifyRate = float64(m.CallbacksVerified) / float64(resolved) * 100
	}

	return map[string]interface{}{
		"errors": map[string]interface{}{
			"redis":      m.RedisErrors,
			"mq":         m.MQErrors,
			"db":         m.DBErrors,
			"gateway":    m.GatewayErrors,
			"invariants": m.InvariantViolations,
		},
		"checkout": map[string]interface{}{
			"requests":     m.CheckoutRequests,
			"success":      m.CheckoutSuccess,
			"errors":       m.CheckoutErrors,
			"success_rate": checkoutRate,
		},
		"callbacks": map[string]interface{}{
			"received":    m.CallbacksReceived,
			"replays":     m.CallbackReplays,
			"verified":    m.CallbacksVerified,
			"rejected":    m.CallbacksRejected,
			"verify_rate": verifyRate,
		},
		"sweep": map[string]interface{}{
			"orders_expired": m.OrdersExpired,
		},
		"last_events": map[string]interface{}{
			"redis_error":   m.LastRedisError,
			"mq_error":      m.LastMQError,
			"db_error":      m.LastDBError,
			"gateway_error": m.LastGatewayError,
			"last_checkout": m.LastCheckoutTime,
			"last_callback": m.LastCallbackTime,
			"last_sweep":    m.LastSweepTime,
		},
	}
}

// Reset 重置统计（用于测试）
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RedisErrors = 0
	m.MQErrors = 0
	m.DBErrors = 0
	m.GatewayErrors = 0
	m.InvariantViolations = 0
	m.CheckoutRequests = 0
	m.CheckoutSuccess = 0
	m.CheckoutErrors = 0
	m.CallbacksReceived = 0
	m.CallbackReplays = 0
	m.CallbacksVerified = 0
	m.CallbacksRejected = 0
	m.OrdersExpired = 0
}
