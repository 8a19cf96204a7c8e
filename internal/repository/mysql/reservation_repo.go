package mysql

import (
	"context"

	"gorm.io/gorm"

	"github.com/great-orion/store/internal/datamodels/reservation"
)

type reservationRepo struct {
	db *gorm.DB
}

// NewReservationRepository 创建预占记录仓储（只读，变更走库存台账）
func NewReservationRepository(db *gorm.DB) reservation.Repository {
	return &reservationRepo{db: db}
}

func (r *reservationRepo) ListByOrder(ctx context.Context, orderID int64) ([]*reservation.Reservation, error) {
	var list []*reservation.Reservation
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("product_id ASC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}
