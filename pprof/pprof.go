package pprof

import (
	"net/http"
	_ "net/http/pprof"

	"go.uber.org/zap"
)

// StartPP serves the profiling endpoints on addr in the background. An empty
// addr disables them.
func StartPP(addr string) {
	if addr == "" {
		return
	}
	go func() {
		zap.L().Info("Serving pprof", zap.String("addr", addr))
		err := http.ListenAndServe(addr, nil)
		if err != nil {
			zap.L().Error("pprof stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
}
