package game_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Transcendeu/transcendence-sub000/internal/game"
)

// TestNewState 測試初始狀態
func TestNewState(t *testing.T) {
	tests := []struct {
		name     string
		maxScore int
		expected int
	}{
		{"odd max score kept", 11, 11},
		{"even max score bumped to next odd", 10, 11},
		{"even max score 4 bumped to 5", 4, 5},
		{"zero falls back to default", 0, game.DefaultMaxScore},
		{"negative falls back to default", -3, game.DefaultMaxScore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := game.NewState(tt.maxScore)
			require.NotNil(t, s)
			assert.Equal(t, tt.expected, s.MaxScore)
			assert.Equal(t, 1, s.MaxScore%2, "勝利分數必須是奇數")
			assert.Equal(t, game.StatusQueued, s.Status)

			// 球拍置中、尺寸正確
			centerY := (1 - game.PaddleHeight) / 2
			assert.InDelta(t, centerY, s.Paddles.Player1.Y, 1e-9)
			assert.InDelta(t, centerY, s.Paddles.Player2.Y, 1e-9)
			assert.Less(t, s.Paddles.Player1.X, s.Paddles.Player2.X)

			// 球在場中央，速度非零
			assert.InDelta(t, 0.5, s.Ball.X, 1e-9)
			assert.InDelta(t, 0.5, s.Ball.Y, 1e-9)
			assert.Greater(t, s.Ball.Speed(), 0.0)
		})
	}
}

// TestStepPaddles_Clamp 測試球拍夾取不變式：
// 無論輸入持續多久，y 始終落在 [0, 1-height]
func TestStepPaddles_Clamp(t *testing.T) {
	now := time.Now()

	t.Run("hold up forever stays at top", func(t *testing.T) {
		s := game.NewState(11)
		in := game.InputState{Up: true, LastUpdate: now}

		for i := 0; i < 600; i++ {
			game.StepPaddles(s, in, game.InputState{}, now, 1.0/game.TickRate)
			assert.GreaterOrEqual(t, s.Paddles.Player1.Y, 0.0)
			assert.LessOrEqual(t, s.Paddles.Player1.Y, 1-game.PaddleHeight)
		}
		assert.Equal(t, 0.0, s.Paddles.Player1.Y)
	})

	t.Run("hold down forever stays at bottom", func(t *testing.T) {
		s := game.NewState(11)
		in := game.InputState{Down: true, LastUpdate: now}

		for i := 0; i < 600; i++ {
			game.StepPaddles(s, game.InputState{}, in, now, 1.0/game.TickRate)
		}
		assert.InDelta(t, 1-game.PaddleHeight, s.Paddles.Player2.Y, 1e-9)
	})

	t.Run("huge dt still clamped", func(t *testing.T) {
		s := game.NewState(11)
		in := game.InputState{Down: true, LastUpdate: now}
		game.StepPaddles(s, in, game.InputState{}, now, 100)
		assert.InDelta(t, 1-game.PaddleHeight, s.Paddles.Player1.Y, 1e-9)
	})
}

// TestInputState_Direction 測試輸入方向與有效期
func TestInputState_Direction(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		in       game.InputState
		expected float64
	}{
		{"up held", game.InputState{Up: true, LastUpdate: now}, -1},
		{"down held", game.InputState{Down: true, LastUpdate: now}, 1},
		{"both held cancels out", game.InputState{Up: true, Down: true, LastUpdate: now}, 0},
		{"nothing held", game.InputState{LastUpdate: now}, 0},
		{
			// dead-man's switch：未送 release 就斷線的客戶端，
			// 旗標過期後視為放開
			"stale input treated as released",
			game.InputState{Up: true, LastUpdate: now.Add(-game.InputFreshness - time.Millisecond)},
			0,
		},
		{
			"input just inside freshness window still counts",
			game.InputState{Up: true, LastUpdate: now.Add(-game.InputFreshness / 2)},
			-1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.in.Direction(now))
		})
	}
}

// TestStepBall_WallBounce 測試牆面反射與角度下限
func TestStepBall_WallBounce(t *testing.T) {
	t.Run("top wall reflects vertical velocity", func(t *testing.T) {
		s := game.NewState(11)
		s.Status = game.StatusPlaying
		s.Ball = game.Ball{X: 0.5, Y: game.BallRadius + 0.001, VX: 0.3, VY: -0.4, Radius: game.BallRadius}

		game.StepBall(s, 1.0/game.TickRate)
		assert.Greater(t, s.Ball.VY, 0.0, "向上撞牆後垂直速度應向下")
	})

	t.Run("reflection never flatter than MinBounceAngle", func(t *testing.T) {
		s := game.NewState(11)
		s.Status = game.StatusPlaying
		// 近水平角度往上撞牆：反射後必須被抬到最小夾角
		s.Ball = game.Ball{X: 0.5, Y: game.BallRadius + 0.0001, VX: 0.5, VY: -0.01, Radius: game.BallRadius}
		before := s.Ball.Speed()

		game.StepBall(s, 1.0/game.TickRate)

		angle := math.Abs(math.Atan2(s.Ball.VY, s.Ball.VX))
		if angle > math.Pi/2 {
			angle = math.Pi - angle
		}
		assert.GreaterOrEqual(t, angle+1e-9, game.MinBounceAngle)
		assert.LessOrEqual(t, angle, math.Pi-game.MinBounceAngle)
		assert.InDelta(t, before, s.Ball.Speed(), 1e-9, "角度修正必須保持速率")
		assert.Greater(t, s.Ball.VX, 0.0, "角度修正必須保持水平方向")
	})
}

// TestStepBall_PaddleCollision 測試擊拍：速度單調不減且封頂
func TestStepBall_PaddleCollision(t *testing.T) {
	t.Run("speed non-decreasing and capped", func(t *testing.T) {
		s := game.NewState(11)
		s.Status = game.StatusPlaying

		prev := 0.0
		// 重複把球放回拍面上，模擬一長串擊拍
		for i := 0; i < 200; i++ {
			p := s.Paddles.Player1
			s.Ball.X = p.X + p.Width + s.Ball.Radius/2
			s.Ball.Y = p.Y + p.Height/2
			if s.Ball.VX > 0 {
				s.Ball.VX = -s.Ball.VX
			}
			before := s.Ball.Speed()
			game.StepBall(s, 1e-6)

			after := s.Ball.Speed()
			assert.GreaterOrEqual(t, after+1e-9, before, "擊拍後速度不得變慢")
			assert.LessOrEqual(t, after, game.MaxBallSpeed+1e-9, "速度不得超過上限")
			assert.GreaterOrEqual(t, after+1e-9, prev)
			prev = after
		}
		assert.InDelta(t, game.MaxBallSpeed, prev, 1e-6, "長回合最終應到達速度上限")
	})

	t.Run("collision count increments", func(t *testing.T) {
		s := game.NewState(11)
		s.Status = game.StatusPlaying
		p := s.Paddles.Player1
		s.Ball.X = p.X + p.Width + s.Ball.Radius/2
		s.Ball.Y = p.Y + p.Height/2
		s.Ball.VX = -0.5

		game.StepBall(s, 1e-6)
		assert.Equal(t, 1, s.Ball.CollisionCount)
		assert.Greater(t, s.Ball.VX, 0.0, "左拍反彈後球向右")
	})

	t.Run("edge hit adds vertical rebound", func(t *testing.T) {
		s := game.NewState(11)
		s.Status = game.StatusPlaying
		p := s.Paddles.Player1
		s.Ball.X = p.X + p.Width + s.Ball.Radius/2
		s.Ball.Y = p.Y + p.Height*0.95 // 打在拍緣下側
		s.Ball.VX = -0.5
		s.Ball.VY = 0

		game.StepBall(s, 1e-6)
		assert.Greater(t, s.Ball.VY, 0.0, "下緣擊中應往下反彈")
	})
}

// TestStepBall_Scoring 測試得分與重置
func TestStepBall_Scoring(t *testing.T) {
	t.Run("ball out left scores for player2", func(t *testing.T) {
		s := game.NewState(11)
		s.Status = game.StatusPlaying
		s.Ball = game.Ball{X: 0.001, Y: 0.5, VX: -0.9, VY: 0, Radius: game.BallRadius}

		ev := game.StepBall(s, 1.0/game.TickRate)
		require.NotNil(t, ev)
		assert.Equal(t, game.RolePlayer2, ev.Scorer)
		assert.False(t, ev.GameOver)
		assert.Equal(t, 1, s.Scores.Player2)
		assert.Equal(t, game.StatusWaiting, s.Status)

		// 球重置到場中央，發球朝向剛失分的 player1
		assert.InDelta(t, 0.5, s.Ball.X, 1e-9)
		assert.Less(t, s.Ball.VX, 0.0)
		assert.Equal(t, 0, s.Ball.CollisionCount)
	})

	t.Run("ball out right scores for player1", func(t *testing.T) {
		s := game.NewState(11)
		s.Status = game.StatusPlaying
		s.Ball = game.Ball{X: 0.999, Y: 0.5, VX: 0.9, VY: 0, Radius: game.BallRadius}

		ev := game.StepBall(s, 1.0/game.TickRate)
		require.NotNil(t, ev)
		assert.Equal(t, game.RolePlayer1, ev.Scorer)
		assert.Greater(t, s.Ball.VX, 0.0, "發球朝向失分的 player2")
	})

	t.Run("long rally partially preserves serve speed", func(t *testing.T) {
		s := game.NewState(11)
		s.Status = game.StatusPlaying
		s.Ball = game.Ball{X: 0.001, Y: 0.5, VX: -0.9, VY: 0, Radius: game.BallRadius, CollisionCount: 20}

		game.StepBall(s, 1.0/game.TickRate)
		boosted := s.Ball.Speed()

		s2 := game.NewState(11)
		assert.Greater(t, boosted, s2.Ball.Speed(), "長回合之後的開球更快")
		assert.LessOrEqual(t, boosted, game.ResetSpeedCap+1e-9)
	})
}

// TestWinCondition 測試雙重勝利條件
//
// 條件 1：得分者達到 MaxScore
// 條件 2：領先差距超過對手剩餘可得分數（提早結束）
func TestWinCondition(t *testing.T) {
	// 直接構造分數狀態再打進一球
	scoreFor := func(s *game.State, scorer game.Role) *game.PointEvent {
		s.Status = game.StatusPlaying
		if scorer == game.RolePlayer1 {
			s.Ball = game.Ball{X: 0.999, Y: 0.5, VX: 0.9, Radius: game.BallRadius}
		} else {
			s.Ball = game.Ball{X: 0.001, Y: 0.5, VX: -0.9, Radius: game.BallRadius}
		}
		return game.StepBall(s, 1.0/game.TickRate)
	}

	t.Run("trailing player point does not end 10-0", func(t *testing.T) {
		s := game.NewState(11)
		s.Scores = game.Scores{Player1: 10, Player2: 0}

		ev := scoreFor(s, game.RolePlayer2)
		require.NotNil(t, ev)
		assert.False(t, ev.GameOver)
		assert.Equal(t, game.StatusWaiting, s.Status)
		assert.Empty(t, s.Winner)
	})

	t.Run("11-10 ends by both exits", func(t *testing.T) {
		s := game.NewState(11)
		s.Scores = game.Scores{Player1: 10, Player2: 10}

		ev := scoreFor(s, game.RolePlayer1)
		require.NotNil(t, ev)
		assert.True(t, ev.GameOver)
		assert.Equal(t, game.StatusFinished, s.Status)
		assert.Equal(t, game.RolePlayer1, s.Winner)
		assert.Equal(t, 11, s.Scores.Player1)

		// 兩個出口必須一致：達標與領先差距同時滿足
		assert.GreaterOrEqual(t, s.Scores.Player1, s.MaxScore)
		assert.Greater(t, s.Scores.Player1-s.Scores.Player2, s.MaxScore-s.Scores.Player1)
	})

	t.Run("margin rule ends mathematically decided match early", func(t *testing.T) {
		s := game.NewState(11)
		s.Scores = game.Scores{Player1: 5, Player2: 0}

		// 6-0：領先 6 > 剩餘 11-6=5，提早結束
		ev := scoreFor(s, game.RolePlayer1)
		require.NotNil(t, ev)
		assert.True(t, ev.GameOver)
		assert.Equal(t, game.RolePlayer1, s.Winner)
	})

	t.Run("5-0 not yet decided", func(t *testing.T) {
		s := game.NewState(11)
		s.Scores = game.Scores{Player1: 4, Player2: 0}

		// 5-0：領先 5 = 剩餘 11-5=6 之內，比賽繼續
		ev := scoreFor(s, game.RolePlayer1)
		require.NotNil(t, ev)
		assert.False(t, ev.GameOver)
	})
}

// TestStatusMachine 測試狀態機轉換
func TestStatusMachine(t *testing.T) {
	t.Run("serve only from waiting", func(t *testing.T) {
		s := game.NewState(11)
		assert.False(t, s.Serve(), "queued 不能開球")

		s.Ready()
		assert.Equal(t, game.StatusWaiting, s.Status)
		assert.True(t, s.Serve())
		assert.Equal(t, game.StatusPlaying, s.Status)
		assert.False(t, s.Serve(), "playing 中重複開球無效")
	})

	t.Run("pause idempotent", func(t *testing.T) {
		s := game.NewState(11)
		s.Ready()
		s.Serve()

		s.Pause()
		assert.Equal(t, game.StatusPaused, s.Status)
		s.Pause()
		assert.Equal(t, game.StatusPaused, s.Status, "重複暫停不改變狀態")
	})

	t.Run("resume only from paused", func(t *testing.T) {
		s := game.NewState(11)
		s.Ready()
		assert.False(t, s.Resume(), "未暫停不能恢復")

		s.Serve()
		s.Pause()
		assert.True(t, s.Resume())
		assert.Equal(t, game.StatusPlaying, s.Status)
	})

	t.Run("forfeit awards opponent", func(t *testing.T) {
		s := game.NewState(11)
		s.Ready()
		s.Serve()

		s.Forfeit(game.RolePlayer1)
		assert.Equal(t, game.StatusForfeited, s.Status)
		assert.Equal(t, game.RolePlayer2, s.Winner)

		// 終止態不可再轉換
		s.Ready()
		assert.Equal(t, game.StatusForfeited, s.Status)
		s.Pause()
		assert.Equal(t, game.StatusForfeited, s.Status)
	})

	t.Run("spectator cannot forfeit", func(t *testing.T) {
		s := game.NewState(11)
		s.Ready()
		s.Forfeit(game.RoleSpectator)
		assert.Equal(t, game.StatusWaiting, s.Status)
	})
}

// TestRole 測試角色輔助方法
func TestRole(t *testing.T) {
	assert.Equal(t, game.RolePlayer2, game.RolePlayer1.Opponent())
	assert.Equal(t, game.RolePlayer1, game.RolePlayer2.Opponent())
	assert.True(t, game.RolePlayer1.IsPlayer())
	assert.False(t, game.RoleSpectator.IsPlayer())
}
