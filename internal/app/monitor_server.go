package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"monad-trench-bot/internal/command"
	"monad-trench-bot/internal/monitor"
	"monad-trench-bot/internal/notify"
)

type commandRequest struct {
	Owner string `json:"owner"`
	Text  string `json:"text"`
}

type outboxStats struct {
	Owner   string `json:"owner"`
	Pending int    `json:"pending"`
	Dropped int    `json:"dropped"`
}

type commandResponse struct {
	Reply         string                `json:"reply"`
	Notifications []notify.Notification `json:"notifications,omitempty"`
}

func newMonitorHandler(rt *Runtime, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		eventType := monitor.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = monitor.EventType(strings.ToLower(typ))
		}

		events, err := rt.Monitor.ListEvents(r.Context(), monitor.Query{
			Type:  eventType,
			Owner: strings.TrimSpace(q.Get("owner")),
			Limit: limit,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, events, logger)
	})

	mux.HandleFunc("/triggers", func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.URL.Query().Get("owner"))
		if owner == "" {
			http.Error(w, "owner is required", http.StatusBadRequest)
			return
		}
		triggers, err := rt.Registry.ListByOwner(r.Context(), owner)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, triggers, logger)
	})

	// 本地调试用的命令入口，回复附带该用户待投递的通知
	mux.HandleFunc("/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body commandRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		owner := strings.TrimSpace(body.Owner)
		req, ok := command.Parse(owner, body.Text)
		if owner == "" || !ok {
			http.Error(w, "owner and a /command text are required", http.StatusBadRequest)
			return
		}

		resp := rt.Dispatcher.Dispatch(r.Context(), req)
		writeJSON(w, commandResponse{
			Reply:         resp.Text,
			Notifications: rt.Outbox.Drain(owner),
		}, logger)
	})

	mux.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.URL.Query().Get("owner"))
		if owner == "" {
			http.Error(w, "owner is required", http.StatusBadRequest)
			return
		}
		pending := rt.Outbox.Drain(owner)
		if pending == nil {
			pending = []notify.Notification{}
		}
		writeJSON(w, pending, logger)
	})

	// 只读查看积压情况，不会取走通知
	mux.HandleFunc("/outbox", func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.URL.Query().Get("owner"))
		if owner == "" {
			http.Error(w, "owner is required", http.StatusBadRequest)
			return
		}
		writeJSON(w, outboxStats{
			Owner:   owner,
			Pending: rt.Outbox.Pending(owner),
			Dropped: rt.Outbox.Dropped(),
		}, logger)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入监控响应失败", zap.Error(err))
	}
}

func startMonitorServer(ctx context.Context, rt *Runtime, port int, logger *zap.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听监控端口失败: %w", err)
	}
	srv := &http.Server{
		Handler:           newMonitorHandler(rt, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
	return nil
}
