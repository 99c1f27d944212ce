package zlog

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var dynamicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
var levelName atomic.Value

func initLevel(lvl string) {
	levelName.Store(lvl)
	dynamicLevel.SetLevel(parseLevel(lvl))
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func validLevel(lvl string) bool {
	switch lvl {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// SetLevel 热更新日志级别，未知级别返回 false
func SetLevel(lvl string) bool {
	lvl = strings.ToLower(lvl)
	if !validLevel(lvl) {
		return false
	}
	dynamicLevel.SetLevel(parseLevel(lvl))
	levelName.Store(lvl)
	return true
}

func GetLevel() string {
	if v, ok := levelName.Load().(string); ok {
		return v
	}
	return "info"
}

// LevelHTTPHandler 挂在运维端口的 /log/level 上
// GET 返回当前级别，PUT ?v=debug 修改级别
func LevelHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = fmt.Fprintln(w, GetLevel())
		case http.MethodPut:
			lvl := r.URL.Query().Get("v")
			if lvl == "" {
				lvl = r.FormValue("v")
			}
			if !SetLevel(lvl) {
				http.Error(w, fmt.Sprintf("unknown level %q", lvl), http.StatusBadRequest)
				return
			}
			zap.L().Info("log level changed", zap.String("now", GetLevel()))
			_, _ = fmt.Fprintln(w, GetLevel())
		default:
			w.Header().Set("Allow", "GET, PUT")
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}
