package zlog

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// InitGlobal 创建 logger 并替换 zap 全局实例，返回的函数恢复原实例并停止信号监听
func InitGlobal(cfg Config) (func(), error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	restore := zap.ReplaceGlobals(l)
	stop := watchSignal()
	return func() {
		stop()
		_ = l.Sync()
		restore()
	}, nil
}

// watchSignal 收到 SIGHUP 时在 debug 与 info 之间切换
func watchSignal() func() {
	c := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(c, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-c:
				toggleLevel()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(c)
		close(done)
	}
}

func toggleLevel() {
	if GetLevel() == "debug" {
		SetLevel("info")
	} else {
		SetLevel("debug")
	}
	zap.L().Info("log level toggled", zap.String("now", GetLevel()))
}
