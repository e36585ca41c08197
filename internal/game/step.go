package game

import (
	"math"
	"time"
)

func hypot(x, y float64) float64 { return math.Hypot(x, y) }

// PointEvent 一次得分的結果
type PointEvent struct {
	Scorer   Role
	GameOver bool
}

// StepPaddles 依輸入推進兩支球拍
//
// dt 為本次刻的時間（秒）。輸入的有效期與互斥檢查
// 封裝在 InputState.Direction，這裡只做積分與夾取。
func StepPaddles(s *State, in1, in2 InputState, now time.Time, dt float64) {
	movePaddle(&s.Paddles.Player1, in1.Direction(now), dt)
	movePaddle(&s.Paddles.Player2, in2.Direction(now), dt)
}

func movePaddle(p *Paddle, dir, dt float64) {
	p.Y += dir * PaddleSpeed * dt

	// 不變式：y ∈ [0, 1-height]，每次更新都夾取
	if p.Y < 0 {
		p.Y = 0
	}
	if max := 1 - p.Height; p.Y > max {
		p.Y = max
	}
}

// StepBall 推進球一個刻：積分、牆面反射、擊拍、得分
//
// 回傳值非 nil 表示本刻發生得分；GameOver 為真時
// 狀態已轉為 finished 並設定 Winner。
func StepBall(s *State, dt float64) *PointEvent {
	b := &s.Ball
	b.X += b.VX * dt
	b.Y += b.VY * dt

	// 上下牆反射
	if b.Y-b.Radius <= 0 && b.VY < 0 {
		b.Y = b.Radius
		b.VY = -b.VY
		b.VX, b.VY = clampBounceAngle(b.VX, b.VY)
	}
	if b.Y+b.Radius >= 1 && b.VY > 0 {
		b.Y = 1 - b.Radius
		b.VY = -b.VY
		b.VX, b.VY = clampBounceAngle(b.VX, b.VY)
	}

	// 擊拍
	if b.VX < 0 {
		collidePaddle(b, &s.Paddles.Player1, 1)
	} else if b.VX > 0 {
		collidePaddle(b, &s.Paddles.Player2, -1)
	}

	// 得分：球心越過左右邊界
	switch {
	case b.X < 0:
		return scorePoint(s, RolePlayer2)
	case b.X > 1:
		return scorePoint(s, RolePlayer1)
	}
	return nil
}

// collidePaddle 球拍碰撞解析
//
// outDir 為反彈後的水平方向（+1 往右、-1 往左）。
// 擊中位置正規化到 [-0.5, 0.5]，轉換成垂直反彈分量：
// 打在拍緣的球走更斜的路線，給玩家控球手段。
// 反彈後球速乘上 SpeedBoost，封頂 MaxBallSpeed。
func collidePaddle(b *Ball, p *Paddle, outDir float64) {
	if b.X+b.Radius < p.X || b.X-b.Radius > p.X+p.Width {
		return
	}
	if b.Y+b.Radius < p.Y || b.Y-b.Radius > p.Y+p.Height {
		return
	}

	hit := (b.Y - (p.Y + p.Height/2)) / p.Height
	if hit < -0.5 {
		hit = -0.5
	}
	if hit > 0.5 {
		hit = 0.5
	}

	speed := b.Speed()
	b.VX = outDir * math.Abs(b.VX)
	b.VY += hit * ReboundStrength

	// 保持方向、重設速度為加速後的值（封頂）
	newSpeed := speed * SpeedBoost
	if newSpeed > MaxBallSpeed {
		newSpeed = MaxBallSpeed
	}
	if cur := b.Speed(); cur > 0 {
		scale := newSpeed / cur
		b.VX *= scale
		b.VY *= scale
	}

	// 推出球拍，避免下一刻重複碰撞
	if outDir > 0 {
		b.X = p.X + p.Width + b.Radius
	} else {
		b.X = p.X - b.Radius
	}

	b.CollisionCount++
}

// clampBounceAngle 角度下限修正
//
// 垂直反射後，若與水平線的夾角低於 MinBounceAngle
//（或在 180° 的同一閾值內），將速度旋轉到恰好最小夾角，
// 保持速率與水平方向不變。防止永遠結束不了的近水平對打。
func clampBounceAngle(vx, vy float64) (float64, float64) {
	speed := hypot(vx, vy)
	if speed == 0 {
		return vx, vy
	}

	fromHorizontal := math.Abs(math.Atan2(vy, vx))
	if fromHorizontal > math.Pi/2 {
		fromHorizontal = math.Pi - fromHorizontal
	}
	if fromHorizontal >= MinBounceAngle {
		return vx, vy
	}

	signX, signY := 1.0, 1.0
	if vx < 0 {
		signX = -1
	}
	if vy < 0 {
		signY = -1
	}
	return signX * speed * math.Cos(MinBounceAngle),
		signY * speed * math.Sin(MinBounceAngle)
}

// scorePoint 記分、判定勝負、重置球
//
// 勝利條件是雙重的：
//  1. 得分者達到 MaxScore
//  2. 領先差距超過對手剩餘可得分數（lead > MaxScore - scorerScore）
//
// 兩個條件在 MaxScore 為奇數的前提下彼此一致：
// 11-10 同時滿足兩者。條件 2 讓數學上已定勝負的比賽提早結束。
func scorePoint(s *State, scorer Role) *PointEvent {
	if scorer == RolePlayer1 {
		s.Scores.Player1++
	} else {
		s.Scores.Player2++
	}

	sc := s.Scores.ByRole(scorer)
	opp := s.Scores.ByRole(scorer.Opponent())

	won := sc >= s.MaxScore || sc-opp > s.MaxScore-sc
	if won {
		s.Status = StatusFinished
		s.Winner = scorer
		return &PointEvent{Scorer: scorer, GameOver: true}
	}

	// 發球朝向剛失分的一方，回到等待開球
	resetBall(s, scorer.Opponent())
	s.Status = StatusWaiting
	return &PointEvent{Scorer: scorer}
}

// resetBall 重置球到場中央
//
// 上一回合的累積擊拍數部分保留為開球速度加成
//（封頂 ResetSpeedCap），長回合之後的開球更快。
// 垂直方向依總分奇偶交替，發球角度取最小反彈角。
func resetBall(s *State, towards Role) {
	boost := 1 + float64(s.Ball.CollisionCount)*SpeedPreserveRatio
	speed := InitialBallSpeed * boost
	if speed > ResetSpeedCap {
		speed = ResetSpeedCap
	}

	dir := 1.0
	if towards == RolePlayer1 {
		dir = -1
	}
	vySign := 1.0
	if (s.Scores.Player1+s.Scores.Player2)%2 == 1 {
		vySign = -1
	}

	s.Ball = Ball{
		X:      0.5,
		Y:      0.5,
		VX:     dir * speed * math.Cos(MinBounceAngle),
		VY:     vySign * speed * math.Sin(MinBounceAngle),
		Radius: BallRadius,
	}
}
