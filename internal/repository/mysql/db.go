package mysql

import (
	"log"
	"sync"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/great-orion/store/internal/config"
	"github.com/great-orion/store/internal/datamodels/order"
	"github.com/great-orion/store/internal/datamodels/payment"
	"github.com/great-orion/store/internal/datamodels/product"
	"github.com/great-orion/store/internal/datamodels/reservation"
)

var (
	db   *gorm.DB
	once sync.Once
)

// Init 初始化全局 GORM 实例并自动迁移表结构
func Init(cfg *config.MySQLConfig) *gorm.DB {
	once.Do(func() {
		var err error
		db, err = gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
		if err != nil {
			log.Fatalf("failed to connect mysql: %v", err)
		}

		if err = Migrate(db); err != nil {
			log.Fatalf("auto migrate failed: %v", err)
		}
	})
	return db
}

// Migrate 迁移所有表结构并确保单号发号器就位
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&product.Product{},
		&order.Order{},
		&order.Item{},
		&reservation.Reservation{},
		&payment.Session{},
		&order.Counter{},
	); err != nil {
		return err
	}
	return seedCounter(db)
}

// seedCounter 发号器行缺失时用历史最大单号初始化，已存在则不动
func seedCounter(db *gorm.DB) error {
	var maxNumber int64
	if err := db.Model(&order.Order{}).
		Select("COALESCE(MAX(number), 0)").
		Scan(&maxNumber).Error; err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&order.Counter{ID: 1, Value: maxNumber}).Error
}

// DB 获取全局 DB
func DB() *gorm.DB {
	return db
}
