package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"server/internal/infra"
	"server/internal/sqlinline"
)

// Hub pushes pipeline status snapshots to connected operator dashboards. It
// is a read model over the record store, never a mutation path.
type Hub struct {
	sql      infra.SQLExecutor
	logger   infra.Logger
	interval time.Duration

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool

	upgrader websocket.Upgrader
}

func NewHub(sql infra.SQLExecutor, logger infra.Logger, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Hub{
		sql:      sql,
		logger:   logger,
		interval: interval,
		clients:  make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and registers the client. The initial snapshot
// is sent immediately; subsequent ones arrive on the broadcast ticker.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws: upgrade failed")
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Info().Int("clients", total).Msg("ws: client connected")

	h.sendSnapshot(r.Context(), conn)

	go func() {
		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, conn)
			h.clientsMu.Unlock()
			conn.Close()
			h.logger.Info().Msg("ws: client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Run broadcasts snapshots on a ticker until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *Hub) broadcast(ctx context.Context) {
	h.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clientsMu.Unlock()

	if len(conns) == 0 {
		return
	}
	for _, conn := range conns {
		h.sendSnapshot(ctx, conn)
	}
}

func (h *Hub) sendSnapshot(ctx context.Context, conn *websocket.Conn) {
	snapshot, err := h.snapshot(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("ws: snapshot failed")
		return
	}
	if err := conn.WriteJSON(snapshot); err != nil {
		h.logger.Warn().Err(err).Msg("ws: write failed")
	}
}

func (h *Hub) snapshot(ctx context.Context) (map[string]any, error) {
	rows, err := h.sql.Query(ctx, sqlinline.QStatsJobsByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return map[string]any{
		"jobs_by_status": counts,
		"ts":             time.Now().UTC(),
	}, nil
}
