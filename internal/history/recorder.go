// Package history 實現賽後結果的 fire-and-forget 上報
//
// 系統設計問題：
//
//	如何在不影響比賽正確性的前提下，把終局結果交給外部歷史服務？
//
// 核心挑戰：
//  1. 解耦：歷史服務掛掉不能影響比賽收尾
//  2. 非阻塞：終局路徑上不能等待遠端確認
//
// 設計方案：
//
//	✅ Core NATS 發布：fire-and-forget 語義，微秒級延遲
//	✅ 失敗只記錄：結果遺失不屬於核心正確性
//	✅ 介面注入：測試與未配置 NATS 時換 Nop 實作
//
// 為何用 Core NATS 而非 JetStream？
//
//	JetStream 提供 At-least-once 與持久化，但上報結果
//	明確不是核心正確性的一部分；At-most-once 的
//	Core NATS 語義與需求完全一致，也省掉 ACK 等待。
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Transcendeu/transcendence-sub000/internal/game"
)

// Subject 結果發布主題
const Subject = "game.results"

// Result 一場比賽的最終結果
type Result struct {
	GameID   string      `json:"game_id"`
	Winner   game.Role   `json:"winner"`
	Scores   game.Scores `json:"scores"`
	Status   game.Status `json:"status"`
	Player1  string      `json:"player1"`
	Player2  string      `json:"player2"`
	EndedAt  time.Time   `json:"ended_at"`
}

// Recorder 結果上報介面
type Recorder interface {
	Record(ctx context.Context, r Result) error
	Close()
}

// NATSRecorder 透過 NATS 發布結果
type NATSRecorder struct {
	conn *nats.Conn
}

// NewNATSRecorder 連接 NATS Server
//
// 連接選項：
//   - MaxReconnects(-1)：無限重連
//   - ReconnectWait(1s)：重連間隔
//   - PingInterval(20s)：心跳檢測
func NewNATSRecorder(url string) (*NATSRecorder, error) {
	conn, err := nats.Connect(
		url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}
	return &NATSRecorder{conn: conn}, nil
}

// Record 發布結果（fire-and-forget，不等待任何確認）
func (r *NATSRecorder) Record(_ context.Context, result Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("序列化結果失敗: %w", err)
	}
	if err := r.conn.Publish(Subject, data); err != nil {
		return fmt.Errorf("發布結果失敗: %w", err)
	}
	return nil
}

// Close 關閉連接
func (r *NATSRecorder) Close() {
	if r.conn != nil {
		r.conn.Close()
	}
}

// NopRecorder 不做任何事的實作（未配置 NATS 或測試時使用）
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Result) error { return nil }
func (NopRecorder) Close()                               {}
