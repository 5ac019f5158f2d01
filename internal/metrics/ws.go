// =============================================================================
// 文件: internal/metrics/ws.go
// 描述: 实时统计 WebSocket 推送
// =============================================================================
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrcgq/gopgm/internal/logging"
)

// StatsFeed 周期性把源端统计推给已连接的监控客户端
type StatsFeed struct {
	provider SourceStats
	tsi      string
	interval time.Duration
	upgrader websocket.Upgrader
}

// NewStatsFeed 创建推送端点, interval 为推送周期
func NewStatsFeed(provider SourceStats, tsi string, interval time.Duration) *StatsFeed {
	if interval <= 0 {
		interval = time.Second
	}
	return &StatsFeed{
		provider: provider,
		tsi:      tsi,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 监控端点只在内网暴露
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type statsFrame struct {
	Timestamp time.Time   `json:"timestamp"`
	TSI       string      `json:"tsi"`
	Stats     interface{} `json:"stats"`
}

// ServeHTTP 升级连接并按周期推送统计快照
func (f *StatsFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnf("stats ws 升级失败: %v", err)
		return
	}
	defer conn.Close()

	// 丢弃入站消息, 只为感知对端关闭
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for range ticker.C {
		frame := statsFrame{
			Timestamp: time.Now(),
			TSI:       f.tsi,
			Stats:     f.provider.Stats(),
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}
