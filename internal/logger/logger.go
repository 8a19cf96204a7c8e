package logger

import (
	"log"

	"go.uber.org/zap"
)

// Init 初始化全局 zap logger，业务代码统一通过 zap.L() 使用
func Init(debug bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	zap.ReplaceGlobals(l)
	return l
}
