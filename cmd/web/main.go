package main

import (
	"log"

	"github.com/kataras/iris/v12"

	"github.com/great-orion/store/internal/config"
	"github.com/great-orion/store/internal/logger"
	"github.com/great-orion/store/internal/server"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	l := logger.Init(false)
	defer l.Sync()

	app := iris.New()
	server.RegisterRoutes(app, cfg)

	addr := cfg.Server.Addr()
	log.Printf("web server listening on %s", addr)
	if err := app.Run(iris.Addr(addr)); err != nil {
		log.Fatalf("failed to run web server: %v", err)
	}
}
