package main

import (
	"context"
	"log"

	"github.com/great-orion/store/internal/config"
	"github.com/great-orion/store/internal/datamodels/product"
	"github.com/great-orion/store/internal/repository/mysql"
)

// 初始化一批演示商品，方便本地快速跑通下单支付流程
func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db := mysql.Init(&cfg.MySQL)
	repo := mysql.NewProductRepository(db)

	products := []*product.Product{
		{Name: "مانتو کتان", Description: "مانتو کتان تابستانه", Price: 890000, Discount: 0, OnHand: 50, Enabled: true},
		{Name: "شلوار جین", Description: "شلوار جین راسته", Price: 650000, Discount: 10, OnHand: 80, Enabled: true},
		{Name: "پیراهن مردانه", Description: "پیراهن نخی آستین بلند", Price: 480000, Discount: 0, OnHand: 120, Enabled: true},
		{Name: "کفش اسپرت", Description: "کفش اسپرت سبک", Price: 1250000, Discount: 15, OnHand: 30, Enabled: true},
		{Name: "کیف دوشی", Description: "کیف دوشی چرم", Price: 980000, Discount: 5, OnHand: 40, Enabled: true},
		{Name: "ساعت مچی", Description: "ساعت مچی کلاسیک", Price: 2100000, Discount: 0, OnHand: 15, Enabled: true},
	}

	ctx := context.Background()
	for _, p := range products {
		if err := repo.Create(ctx, p); err != nil {
			log.Printf("create product %q failed: %v", p.Name, err)
			continue
		}
		log.Printf("created product id=%d name=%q price=%d stock=%d", p.ID, p.Name, p.Price, p.OnHand)
	}

	log.Println("seed done")
}
