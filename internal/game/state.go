// Package game 實現球拍對戰的純物理與規則運算
//
// 系統設計問題：
//
//	如何讓權威模擬（authoritative simulation）可測試、可重現？
//
// 核心挑戰：
//  1. 狀態一致性：球與球拍座標必須始終落在場內（除得分那一幀）
//  2. 退化防護：近水平角度的對打會永遠結束不了
//  3. 輸入可靠性：斷線的客戶端不該讓球拍永遠移動
//  4. 勝負判定：雙重結束條件（達標 + 領先差距）必須彼此一致
//
// 設計方案：
//
//	✅ 純函數 Step：狀態進、狀態出，無 I/O、無 goroutine
//	✅ 正規化座標：[0,1] 場地，前端自行縮放
//	✅ Δt 積分：與刻率解耦，上限防追趕
//	✅ 角度下限：垂直反射後強制最小夾角
//
// 本套件不做任何並發控制：呼叫方（engine）負責以單一寫入者
// 紀律序列化對 State 的所有操作。
package game

import "time"

// Role 場上角色
type Role string

const (
	RolePlayer1   Role = "player1"
	RolePlayer2   Role = "player2"
	RoleSpectator Role = "spectator"
)

// Opponent 回傳對手角色（僅對玩家角色有意義）
func (r Role) Opponent() Role {
	if r == RolePlayer1 {
		return RolePlayer2
	}
	return RolePlayer1
}

// IsPlayer 是否為玩家角色
func (r Role) IsPlayer() bool {
	return r == RolePlayer1 || r == RolePlayer2
}

// Status 比賽狀態
//
// 有限狀態機設計：
//
//	queued → waiting → playing ⇄ paused
//	           ↑          ↓
//	           └──（得分）─┘
//	playing/paused → finished | forfeited（終止態）
//
// 狀態轉換規則：
//   - queued → waiting：relay 送出 ready（雙方玩家到齊）
//   - waiting → playing：任一玩家按下 space
//   - playing → waiting：任一方得分（等待下一次開球）
//   - playing ⇄ paused：pause / resume
//   - → finished：達到勝利條件
//   - → forfeited：玩家棄權
type Status string

const (
	StatusQueued    Status = "queued"    // 已建立，等待 relay 配對完成
	StatusWaiting   Status = "waiting"   // 等待開球（space）
	StatusPlaying   Status = "playing"   // 模擬進行中
	StatusPaused    Status = "paused"    // 暫停
	StatusFinished  Status = "finished"  // 正常結束
	StatusForfeited Status = "forfeited" // 棄權結束
)

// Terminal 是否為終止態
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusForfeited
}

// Ball 球的狀態
type Ball struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	VX     float64 `json:"vx"`
	VY     float64 `json:"vy"`
	Radius float64 `json:"radius"`

	// 本回合累積的擊拍次數，得分重置時換算為保留速度
	CollisionCount int `json:"-"`
}

// Speed 球速（純量）
func (b Ball) Speed() float64 {
	return hypot(b.VX, b.VY)
}

// Paddle 球拍，x 依角色固定，y 為頂端座標
type Paddle struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Paddles 兩支球拍
type Paddles struct {
	Player1 Paddle `json:"player1"`
	Player2 Paddle `json:"player2"`
}

// ByRole 依角色取得球拍（觀戰者回傳 nil）
func (p *Paddles) ByRole(r Role) *Paddle {
	switch r {
	case RolePlayer1:
		return &p.Player1
	case RolePlayer2:
		return &p.Player2
	}
	return nil
}

// Scores 雙方分數
type Scores struct {
	Player1 int `json:"player1"`
	Player2 int `json:"player2"`
}

// ByRole 依角色取得分數
func (s Scores) ByRole(r Role) int {
	if r == RolePlayer1 {
		return s.Player1
	}
	return s.Player2
}

// InputState 單一玩家的方向輸入
//
// 不維護事件佇列：latest-wins，配合 LastUpdate 的有效期檢查。
// 超過 InputFreshness 未更新的輸入視為全部放開，
// 防止未送 release 就斷線的客戶端讓球拍永遠移動。
type InputState struct {
	Up         bool
	Down       bool
	LastUpdate time.Time
}

// Direction 當下的移動方向：-1 向上、+1 向下、0 不動
//
// 兩鍵同按或輸入過期一律視為不動。
func (in InputState) Direction(now time.Time) float64 {
	if now.Sub(in.LastUpdate) > InputFreshness {
		return 0
	}
	if in.Up == in.Down {
		return 0
	}
	if in.Up {
		return -1
	}
	return 1
}

// State 一場比賽的完整可變狀態
//
// 不變式：
//   - 球與球拍座標始終落在 [0,1] 減去自身尺寸的範圍內，
//     唯一例外是出界觸發得分到重置之間的單幀過渡
//   - MaxScore 恆為奇數（偶數輸入建構時被調整為下一個奇數）
//   - Winner 只在終止態有值
type State struct {
	Ball     Ball    `json:"ball"`
	Paddles  Paddles `json:"paddles"`
	Scores   Scores  `json:"scores"`
	Status   Status  `json:"gameStatus"`
	MaxScore int     `json:"maxScore"`
	Winner   Role    `json:"winner,omitempty"`
}

// NewState 建立初始比賽狀態
//
// maxScore 為偶數時調整為下一個奇數：奇數目標保證不存在
// 「雙方同時達標」的平手邊界，領先差距規則也因此封閉。
func NewState(maxScore int) *State {
	if maxScore <= 0 {
		maxScore = DefaultMaxScore
	}
	if maxScore%2 == 0 {
		maxScore++
	}

	centerY := (1 - PaddleHeight) / 2
	s := &State{
		Paddles: Paddles{
			Player1: Paddle{X: PaddleMarginX, Y: centerY, Width: PaddleWidth, Height: PaddleHeight},
			Player2: Paddle{X: 1 - PaddleMarginX - PaddleWidth, Y: centerY, Width: PaddleWidth, Height: PaddleHeight},
		},
		Status:   StatusQueued,
		MaxScore: maxScore,
	}
	resetBall(s, RolePlayer2)
	return s
}

// Ready 配對完成，進入等待開球
func (s *State) Ready() {
	if s.Status.Terminal() {
		return
	}
	s.Status = StatusWaiting
}

// Serve 開球（space），僅在等待態有效
func (s *State) Serve() bool {
	if s.Status != StatusWaiting {
		return false
	}
	s.Status = StatusPlaying
	return true
}

// Pause 暫停。冪等：已暫停時不改變狀態
func (s *State) Pause() {
	if s.Status.Terminal() {
		return
	}
	s.Status = StatusPaused
}

// Resume 恢復，僅在暫停態有效
func (s *State) Resume() bool {
	if s.Status != StatusPaused {
		return false
	}
	s.Status = StatusPlaying
	return true
}

// Forfeit 棄權：終止比賽，對手獲勝
func (s *State) Forfeit(loser Role) {
	if s.Status.Terminal() || !loser.IsPlayer() {
		return
	}
	s.Status = StatusForfeited
	s.Winner = loser.Opponent()
}
