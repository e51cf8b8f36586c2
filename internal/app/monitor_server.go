package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gate-tester/internal/metrics"
	"gate-tester/internal/monitor"
)

const (
	defaultEventsLimit = 200
	maxEventsLimit     = 1000
)

// newMonitorMux 提供 /events（按 type 与 limit 查询流水）与 /metrics。
func newMonitorMux(svc *monitor.Service, reg *metrics.Metrics, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		eventType, limit := eventsQuery(r)
		events, err := svc.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(events); err != nil {
			logger.Warn("写入监控响应失败", zap.Error(err))
		}
	})
	return mux
}

func eventsQuery(r *http.Request) (monitor.EventType, int) {
	q := r.URL.Query()
	limit := defaultEventsLimit
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = min(v, maxEventsLimit)
	}
	return monitor.EventType(strings.ToLower(strings.TrimSpace(q.Get("type")))), limit
}

func startMonitorServer(ctx context.Context, svc *monitor.Service, reg *metrics.Metrics, port int, logger *zap.Logger) {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: newMonitorMux(svc, reg, logger), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
}
