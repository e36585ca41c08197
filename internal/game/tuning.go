package game

import "time"

// 物理參數調校
//
// 所有座標與尺寸皆為正規化場地座標（[0,1]），
// 速度單位為「場地寬度 / 秒」，與刻率（tick rate）解耦：
// 模擬以 Δt 積分，改變刻率不改變遊戲手感。
const (
	// 球拍
	PaddleWidth   = 0.015 // 寬度（場地比例）
	PaddleHeight  = 0.2   // 高度（場地比例）
	PaddleMarginX = 0.02  // 距離左右邊界的固定 x 偏移
	PaddleSpeed   = 0.9   // 每秒移動距離

	// 球
	BallRadius       = 0.015
	InitialBallSpeed = 0.55 // 開球速度
	MaxBallSpeed     = 1.6  // 速度上限（擊拍加速不得超過）
	SpeedBoost       = 1.06 // 每次擊拍的加速倍率
	ReboundStrength  = 0.8  // 擊拍位置對垂直速度的影響係數

	// 反彈角度下限（弧度，約 15°）
	// 任何垂直反射後，與水平線的夾角不得低於此值，
	// 否則球會進入永遠結束不了的近水平對打
	MinBounceAngle = 0.26

	// 得分後重置：部分保留上一回合累積的速度
	SpeedPreserveRatio = 0.015 // 每次碰撞保留的比例
	ResetSpeedCap      = 1.0   // 重置後速度上限

	// 預設勝利分數（必須為奇數，偶數輸入會被調整）
	DefaultMaxScore = 11
)

// 輸入有效期（dead-man's switch）
//
// 客戶端若斷線時未送出 release，按鍵旗標會永遠停留在按下狀態。
// 超過此時間未更新的輸入一律視為放開。
const InputFreshness = time.Second

// 模擬時序
const (
	TickRate = 60 // 每秒模擬次數

	// 單次 Δt 上限：程序停頓（GC、排程延遲）後恢復時，
	// 不做病態的追趕積分，物件一格最多前進 50ms
	MaxTickDelta = 50 * time.Millisecond
)
