package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/great-orion/store/internal/datamodels/order"
	"github.com/great-orion/store/internal/datamodels/payment"
	"github.com/great-orion/store/internal/gateway"
)

// 内存版支付会话仓储
type fakeSessionRepo struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*payment.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{nextID: 1, sessions: make(map[int64]*payment.Session)}
}

func (r *fakeSessionRepo) clone(s *payment.Session) *payment.Session {
	c := *s
	return &c
}

func (r *fakeSessionRepo) Create(ctx context.Context, s *payment.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if existing.OrderID == s.OrderID {
			return fmt.Errorf("duplicate order_id %d", s.OrderID)
		}
	}
	s.ID = r.nextID
	r.nextID++
	r.sessions[s.ID] = r.clone(s)
	return nil
}

func (r *fakeSessionRepo) GetByID(ctx context.Context, id int64) (*payment.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, payment.ErrUnknownTransaction
	}
	return r.clone(s), nil
}

func (r *fakeSessionRepo) GetByOrderID(ctx context.Context, orderID int64) (*payment.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.OrderID == orderID {
			return r.clone(s), nil
		}
	}
	return nil, payment.ErrUnknownTransaction
}

func (r *fakeSessionRepo) GetByReference(ctx context.Context, ref string) (*payment.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref == "" {
		return nil, payment.ErrUnknownTransaction
	}
	for _, s := range r.sessions {
		if s.GatewayRef == ref {
			return r.clone(s), nil
		}
	}
	return nil, payment.ErrUnknownTransaction
}

func (r *fakeSessionRepo) MarkInitiated(ctx context.Context, id int64, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return payment.ErrUnknownTransaction
	}
	if s.Status != payment.StatusCreated {
		return payment.ErrInvariantViolation
	}
	s.Status = payment.StatusAwaitingCallback
	s.GatewayRef = ref
	return nil
}

func (r *fakeSessionRepo) Flag(ctx context.Context, id int64, code, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return payment.ErrUnknownTransaction
	}
	s.Flagged = true
	s.ErrorCode = code
	s.ErrorMessage = msg
	return nil
}

func (r *fakeSessionRepo) ListRecent(ctx context.Context, limit int) ([]*payment.Session, error) {
	return nil, nil
}

func (r *fakeSessionRepo) ListFlagged(ctx context.Context) ([]*payment.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*payment.Session
	for _, s := range r.sessions {
		if s.Flagged {
			out = append(out, r.clone(s))
		}
	}
	return out, nil
}

// 内存版订单仓储（支付测试只用 GetByID）
type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[int64]*order.Order
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[int64]*order.Order)}
}

func (r *fakeOrderRepo) put(o *order.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o
}

func (r *fakeOrderRepo) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	c := *o
	return &c, nil
}

func (r *fakeOrderRepo) ListByUser(ctx context.Context, userID int64) ([]*order.Order, error) {
	return nil, nil
}

func (r *fakeOrderRepo) ListRecent(ctx context.Context, limit int) ([]*order.Order, error) {
	return nil, nil
}

// ListStalePending 按截止时间返回，不过滤状态，模拟清理任务
// 拿到的列表在 Expire 执行前就已过期的情况
func (r *fakeOrderRepo) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*order.Order
	for _, o := range r.orders {
		if !o.ExpiresAt.IsZero() && o.ExpiresAt.Before(before) {
			c := *o
			out = append(out, &c)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// 结算端口的假实现：记录调用次数，镜像真实仓储对会话与订单的状态迁移
type fakeSettler struct {
	mu          sync.Mutex
	sessions    *fakeSessionRepo
	orders      *fakeOrderRepo
	settleCalls int
	rejectCalls int
	settleErr   error
}

func (f *fakeSettler) Settle(ctx context.Context, sessionID int64, refID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		return f.settleErr
	}
	f.sessions.mu.Lock()
	defer f.sessions.mu.Unlock()
	s := f.sessions.sessions[sessionID]
	if s.Status == payment.StatusVerified {
		return nil
	}
	if s.Status != payment.StatusAwaitingCallback {
		return payment.ErrInvariantViolation
	}
	f.settleCalls++
	s.Status = payment.StatusVerified
	s.RefID = refID
	return nil
}

func (f *fakeSettler) Reject(ctx context.Context, sessionID int64, code, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectCalls++
	f.sessions.mu.Lock()
	defer f.sessions.mu.Unlock()
	s := f.sessions.sessions[sessionID]
	if s.Status.Terminal() {
		return nil
	}
	s.Status = payment.StatusRejected
	s.ErrorCode = code
	s.ErrorMessage = msg
	if f.orders != nil {
		f.orders.mu.Lock()
		if o, ok := f.orders.orders[s.OrderID]; ok && o.Status == order.StatusPendingPayment {
			o.Status = order.StatusFailed
			o.FailReason = msg
		}
		f.orders.mu.Unlock()
	}
	return nil
}

func (f *fakeSettler) RejectSession(ctx context.Context, sessionID int64, code, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions.mu.Lock()
	defer f.sessions.mu.Unlock()
	s := f.sessions.sessions[sessionID]
	if s.Status.Terminal() {
		return nil
	}
	s.Status = payment.StatusRejected
	s.ErrorCode = code
	s.ErrorMessage = msg
	s.Flagged = true
	return nil
}

// 网关假实现
type fakeGateway struct {
	mu            sync.Mutex
	initiateErr   error
	verifyErr     error
	verifyPaid    bool
	verifyCode    int
	verifyRefID   string
	verifyCalls   int
	initiateCalls int
}

func (g *fakeGateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiateCalls++
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	authority := fmt.Sprintf("A-%d", req.OrderID)
	return &gateway.InitiateResult{Authority: authority, RedirectURL: "https://pay.example/" + authority}, nil
}

func (g *fakeGateway) Verify(ctx context.Context, authority string, amount int64) (*gateway.VerifyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	return &gateway.VerifyResult{Paid: g.verifyPaid, Amount: amount, RefID: g.verifyRefID, Code: g.verifyCode}, nil
}

func (g *fakeGateway) RedirectURL(authority string) string {
	return "https://pay.example/" + authority
}

// 搭一套进入 awaiting_callback 状态的测试现场
func setupAwaiting(t *testing.T) (*PaymentManager, *fakeSessionRepo, *fakeSettler, *fakeGateway, *payment.Session) {
	t.Helper()
	GetMonitor().Reset()

	sessions := newFakeSessionRepo()
	orders := newFakeOrderRepo()
	settler := &fakeSettler{sessions: sessions, orders: orders}
	gw := &fakeGateway{verifyPaid: true, verifyCode: 100, verifyRefID: "REF-1"}
	mgr := NewPaymentManager(sessions, orders, settler, gw, nil)

	o := &order.Order{ID: 7, UserID: 1, Status: order.StatusPendingPayment, Total: 5000}
	orders.put(o)

	s, err := mgr.CreateSession(context.Background(), o, "10.0.0.1")
	require.NoError(t, err)
	_, err = mgr.Initiate(context.Background(), s, "order No. 7", "")
	require.NoError(t, err)
	return mgr, sessions, settler, gw, s
}

func TestCreateSessionIdempotent(t *testing.T) {
	GetMonitor().Reset()
	sessions := newFakeSessionRepo()
	orders := newFakeOrderRepo()
	settler := &fakeSettler{sessions: sessions, orders: orders}
	mgr := NewPaymentManager(sessions, orders, settler, &fakeGateway{}, nil)

	o := &order.Order{ID: 3, Total: 1200, Status: order.StatusPendingPayment}
	first, err := mgr.CreateSession(context.Background(), o, "1.2.3.4")
	require.NoError(t, err)
	second, err := mgr.CreateSession(context.Background(), o, "1.2.3.4")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	require.Equal(t, IdempotencyKey(3), first.IdempotencyKey)
}

func TestInitiateReusesExistingTransaction(t *testing.T) {
	mgr, sessions, _, gw, s := setupAwaiting(t)

	// 重试支付：会话已在 awaiting_callback，不能再到网关建新单
	reloaded, err := sessions.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	url, err := mgr.Initiate(context.Background(), reloaded, "order No. 7", "")
	require.NoError(t, err)
	require.Equal(t, "https://pay.example/"+reloaded.GatewayRef, url)
	require.Equal(t, 1, gw.initiateCalls)
}

func TestInitiateFailureRejectsSession(t *testing.T) {
	GetMonitor().Reset()
	sessions := newFakeSessionRepo()
	orders := newFakeOrderRepo()
	settler := &fakeSettler{sessions: sessions, orders: orders}
	gw := &fakeGateway{initiateErr: &gateway.Error{Code: -9, Message: "invalid merchant"}}
	mgr := NewPaymentManager(sessions, orders, settler, gw, nil)

	o := &order.Order{ID: 9, Total: 800, Status: order.StatusPendingPayment}
	orders.put(o)
	s, err := mgr.CreateSession(context.Background(), o, "")
	require.NoError(t, err)

	_, err = mgr.Initiate(context.Background(), s, "order No. 9", "")
	require.Error(t, err)
	require.Equal(t, 1, settler.rejectCalls)

	got, err := sessions.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, payment.StatusRejected, got.Status)
	require.Equal(t, "gateway_-9", got.ErrorCode)
}

func TestResolveCallbackSettlesOnce(t *testing.T) {
	mgr, sessions, settler, _, s := setupAwaiting(t)

	got, err := mgr.ResolveCallback(context.Background(), "A-7", "OK", 5000)
	require.NoError(t, err)
	require.Equal(t, payment.StatusVerified, got.Status)
	require.Equal(t, "REF-1", got.RefID)
	require.Equal(t, 1, settler.settleCalls)

	stored, err := sessions.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, payment.StatusVerified, stored.Status)
}

func TestResolveCallbackReplayIsNoop(t *testing.T) {
	mgr, _, settler, gw, _ := setupAwaiting(t)

	_, err := mgr.ResolveCallback(context.Background(), "A-7", "OK", 5000)
	require.NoError(t, err)

	// 重放同一个回调：返回存量结果，不再触碰网关和结算
	verifyBefore := gw.verifyCalls
	got, err := mgr.ResolveCallback(context.Background(), "A-7", "OK", 5000)
	require.NoError(t, err)
	require.Equal(t, payment.StatusVerified, got.Status)
	require.Equal(t, verifyBefore, gw.verifyCalls)
	require.Equal(t, 1, settler.settleCalls)
}

func TestResolveCallbackUnknownReference(t *testing.T) {
	mgr, _, _, _, _ := setupAwaiting(t)

	_, err := mgr.ResolveCallback(context.Background(), "A-unknown", "OK", 5000)
	require.ErrorIs(t, err, payment.ErrUnknownTransaction)
}

func TestResolveCallbackAmountMismatch(t *testing.T) {
	mgr, _, settler, gw, _ := setupAwaiting(t)

	got, err := mgr.ResolveCallback(context.Background(), "A-7", "OK", 4999)
	require.ErrorIs(t, err, payment.ErrAmountMismatch)
	require.Equal(t, payment.StatusRejected, got.Status)
	require.Equal(t, "amount_mismatch", got.ErrorCode)
	require.True(t, got.Flagged)
	require.Equal(t, 0, gw.verifyCalls)
	require.Equal(t, 0, settler.settleCalls)

	// 可疑回调只关会话：订单原样留在待支付，不会被一个伪造回调打失败
	require.Equal(t, 0, settler.rejectCalls)
	o, err := settler.orders.GetByID(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, order.StatusPendingPayment, o.Status)
}

func TestResolveCallbackCancelledAtGateway(t *testing.T) {
	mgr, _, settler, gw, _ := setupAwaiting(t)

	got, err := mgr.ResolveCallback(context.Background(), "A-7", "NOK", -1)
	require.NoError(t, err)
	require.Equal(t, payment.StatusRejected, got.Status)
	require.Equal(t, "cancelled", got.ErrorCode)
	require.Equal(t, 0, gw.verifyCalls)

	// 网关侧取消是明确终局，订单随之失败
	o, err := settler.orders.GetByID(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, order.StatusFailed, o.Status)
}

func TestResolveCallbackVerifyNotPaid(t *testing.T) {
	mgr, _, settler, gw, _ := setupAwaiting(t)
	gw.verifyPaid = false
	gw.verifyCode = -21

	got, err := mgr.ResolveCallback(context.Background(), "A-7", "OK", 5000)
	require.NoError(t, err)
	require.Equal(t, payment.StatusRejected, got.Status)
	require.Equal(t, "gateway_-21", got.ErrorCode)
	require.Equal(t, 0, settler.settleCalls)
}

func TestResolveCallbackVerifyUnavailableStaysAwaiting(t *testing.T) {
	mgr, sessions, settler, gw, s := setupAwaiting(t)
	gw.verifyErr = gateway.ErrUnavailable

	_, err := mgr.ResolveCallback(context.Background(), "A-7", "OK", 5000)
	require.ErrorIs(t, err, gateway.ErrUnavailable)

	// verify 拿不到结论时会话保持 awaiting，等网关重试回调
	got, err := sessions.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, payment.StatusAwaitingCallback, got.Status)
	require.Equal(t, 0, settler.settleCalls)

	// 网关恢复后重试成功
	gw.mu.Lock()
	gw.verifyErr = nil
	gw.mu.Unlock()
	got, err = mgr.ResolveCallback(context.Background(), "A-7", "OK", 5000)
	require.NoError(t, err)
	require.Equal(t, payment.StatusVerified, got.Status)
	require.Equal(t, 1, settler.settleCalls)
}

func TestResolveCallbackConcurrentDuplicates(t *testing.T) {
	mgr, _, settler, _, _ := setupAwaiting(t)

	// 并发重复回调只会有一次结算
	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = mgr.ResolveCallback(context.Background(), "A-7", "OK", 5000)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, settler.settleCalls)

	// 回调全部返回后 authority 锁表应清空
	mgr.mu.Lock()
	require.Empty(t, mgr.locks)
	mgr.mu.Unlock()
}

func TestLockRefEntriesReclaimed(t *testing.T) {
	mgr, _, _, _, _ := setupAwaiting(t)

	_, err := mgr.ResolveCallback(context.Background(), "A-7", "OK", 5000)
	require.NoError(t, err)
	_, err = mgr.ResolveCallback(context.Background(), "A-unknown", "OK", 5000)
	require.ErrorIs(t, err, payment.ErrUnknownTransaction)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	require.Empty(t, mgr.locks)
}

func TestSettleInvariantViolationFlagsSession(t *testing.T) {
	mgr, sessions, settler, _, s := setupAwaiting(t)
	settler.settleErr = payment.ErrInvariantViolation

	_, err := mgr.ResolveCallback(context.Background(), "A-7", "OK", 5000)
	require.ErrorIs(t, err, payment.ErrInvariantViolation)

	got, err := sessions.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.True(t, got.Flagged)

	flagged, err := sessions.ListFlagged(context.Background())
	require.NoError(t, err)
	require.Len(t, flagged, 1)
}

func TestReconcileResolvesStuckSession(t *testing.T) {
	mgr, sessions, settler, gw, s := setupAwaiting(t)
	gw.verifyErr = errors.New("timeout")

	_, err := mgr.ResolveCallback(context.Background(), "A-7", "OK", 5000)
	require.Error(t, err)

	gw.mu.Lock()
	gw.verifyErr = nil
	gw.mu.Unlock()

	got, err := mgr.Reconcile(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, payment.StatusVerified, got.Status)
	require.Equal(t, 1, settler.settleCalls)

	// 已终态的会话再次对账是 no-op
	again, err := mgr.Reconcile(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, payment.StatusVerified, again.Status)

	_, err = sessions.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
}
