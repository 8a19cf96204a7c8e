package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/great-orion/store/internal/datamodels/payment"
)

type paymentRepo struct {
	db *gorm.DB
}

// NewPaymentRepository 创建支付会话仓储
func NewPaymentRepository(db *gorm.DB) payment.Repository {
	return &paymentRepo{db: db}
}

func (r *paymentRepo) Create(ctx context.Context, s *payment.Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *paymentRepo) GetByID(ctx context.Context, id int64) (*payment.Session, error) {
	var s payment.Session
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *paymentRepo) GetByOrderID(ctx context.Context, orderID int64) (*payment.Session, error) {
	var s payment.Session
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *paymentRepo) GetByReference(ctx context.Context, ref string) (*payment.Session, error) {
	if ref == "" {
		return nil, payment.ErrUnknownTransaction
	}
	var s payment.Session
	if err := r.db.WithContext(ctx).
		Where("gateway_ref = ?", ref).
		First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payment.ErrUnknownTransaction
		}
		return nil, err
	}
	return &s, nil
}

func (r *paymentRepo) MarkInitiated(ctx context.Context, id int64, ref string) error {
	res := r.db.WithContext(ctx).
		Model(&payment.Session{}).
		Where("id = ? AND status = ?", id, payment.StatusCreated).
		Updates(map[string]interface{}{
			"status":      payment.StatusAwaitingCallback,
			"gateway_ref": ref,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %d not in created state: %w", id, payment.ErrInvariantViolation)
	}
	return nil
}

func (r *paymentRepo) Flag(ctx context.Context, id int64, code, msg string) error {
	return r.db.WithContext(ctx).
		Model(&payment.Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"flagged":       true,
			"error_code":    code,
			"error_message": msg,
		}).Error
}

func (r *paymentRepo) ListRecent(ctx context.Context, limit int) ([]*payment.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	var list []*payment.Session
	if err := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *paymentRepo) ListFlagged(ctx context.Context) ([]*payment.Session, error) {
	var list []*payment.Session
	if err := r.db.WithContext(ctx).
		Where("flagged = ?", true).
		Order("id ASC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}
