// Package engine 實現權威比賽模擬的執行階段
//
// 系統設計問題：
//
//	如何讓單一進程同時推進多場比賽，而任何一個慢客戶端都拖不慢模擬？
//
// 核心挑戰：
//  1. 排程：每場比賽一個獨立的 60Hz 定時器，比賽之間零共享
//  2. 廣播：刻與刻之間的快照順序必須嚴格遞增，發送又不能阻塞
//  3. 生命週期：比賽由 relay 的連線簿記決定生死，engine 不自行逾時
//  4. 協議韌性：任何一行畸形輸入都不能讓比賽崩潰
//
// 設計方案：
//
//	✅ 每場比賽一個 goroutine + ticker，銷毀時確定性取消
//	✅ 連線帶緩衝送出通道：滿了就丟，模擬永不等待 I/O
//	✅ Mutex 序列化單場比賽的狀態存取（跨比賽無鎖）
//	✅ 逐行解析失敗只記錄丟棄
package engine

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Transcendeu/transcendence-sub000/internal/game"
	"github.com/Transcendeu/transcendence-sub000/internal/protocol"
)

// Match 一場由 engine 持有的比賽
//
// 擁有：權威狀態、雙方輸入、附掛的串流連線集合、刻定時器。
// 生命週期：第一條帶新比賽 id 的入站串流建立時誕生，
// 串流集合清空時銷毀（由 relay 關閉連線觸發）。
type Match struct {
	id     string
	logger *slog.Logger

	mu     sync.Mutex
	state  *game.State
	inputs map[game.Role]*game.InputState
	conns  map[*streamConn]struct{}
	ended  bool // game_end 已廣播

	quit     chan struct{}
	stopOnce sync.Once

	// 串流集合清空時回呼（server 從註冊表移除）
	onEmpty func(id string)
}

func newMatch(id string, maxScore int, logger *slog.Logger, onEmpty func(string)) *Match {
	m := &Match{
		id:     id,
		logger: logger.With("match_id", id),
		state:  game.NewState(maxScore),
		inputs: map[game.Role]*game.InputState{
			game.RolePlayer1: {},
			game.RolePlayer2: {},
		},
		conns:   make(map[*streamConn]struct{}),
		quit:    make(chan struct{}),
		onEmpty: onEmpty,
	}
	go m.run()
	return m
}

// run 比賽主迴圈：固定 60Hz 推進模擬並廣播快照
func (m *Match) run() {
	ticker := time.NewTicker(time.Second / game.TickRate)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-m.quit:
			return
		case now := <-ticker.C:
			// Δt 取實際牆鐘差，封頂避免停頓後的病態追趕
			dt := now.Sub(last)
			last = now
			if dt > game.MaxTickDelta {
				dt = game.MaxTickDelta
			}
			if done := m.tick(now, dt.Seconds()); done {
				return
			}
		}
	}
}

// tick 推進一刻。回傳 true 表示比賽已終止、迴圈應停止。
//
// 終止態只廣播一次 game_end 就停掉定時器；
// 連線的收尾留給 relay，engine 不主動關 socket。
func (m *Match) tick(now time.Time, dt float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status.Terminal() {
		m.broadcastGameEnd()
		return true
	}

	if m.state.Status == game.StatusPlaying {
		game.StepPaddles(m.state, *m.inputs[game.RolePlayer1], *m.inputs[game.RolePlayer2], now, dt)
		if ev := game.StepBall(m.state, dt); ev != nil && ev.GameOver {
			m.logger.Info("比賽結束",
				"winner", m.state.Winner,
				"score_p1", m.state.Scores.Player1,
				"score_p2", m.state.Scores.Player2)
		}
	}

	m.broadcast(protocol.NewStateMessage(m.state))
	return false
}

// Handle 套用一則協議訊息（由連線讀取 goroutine 呼叫）
func (m *Match) Handle(msg protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch v := msg.(type) {
	case protocol.Input:
		m.handleInput(v)
	case protocol.Ready:
		m.state.Ready()
	case protocol.Pause:
		m.state.Pause()
		m.clearInputs()
	case protocol.Resume:
		if m.state.Resume() {
			m.clearInputs()
		}
	case protocol.Forfeit:
		m.state.Forfeit(v.Role)
	default:
		// join 等瀏覽器專屬訊息不會出現在行協議上
		m.logger.Warn("忽略不適用的訊息")
	}
}

// handleInput 更新輸入旗標
//
// 方向輸入只在 playing 狀態生效；space 是例外：
// 在等待態按下視為開球信號，讓狀態進入 playing。
func (m *Match) handleInput(in protocol.Input) {
	if in.Input == protocol.KeySpace {
		if in.State == protocol.StatePress && m.state.Serve() {
			m.clearInputs()
		}
		return
	}

	if m.state.Status != game.StatusPlaying {
		return
	}
	st, ok := m.inputs[in.Role]
	if !ok {
		m.logger.Warn("無效的輸入角色", "role", in.Role)
		return
	}

	pressed := in.State == protocol.StatePress
	switch in.Input {
	case protocol.KeyUp:
		st.Up = pressed
	case protocol.KeyDown:
		st.Down = pressed
	default:
		m.logger.Warn("無效的輸入方向", "input", in.Input)
		return
	}
	st.LastUpdate = time.Now()
}

func (m *Match) clearInputs() {
	*m.inputs[game.RolePlayer1] = game.InputState{}
	*m.inputs[game.RolePlayer2] = game.InputState{}
}

// Attach 附掛一條串流連線
func (m *Match) Attach(conn net.Conn) *streamConn {
	sc := newStreamConn(conn)
	m.mu.Lock()
	m.conns[sc] = struct{}{}
	m.mu.Unlock()
	return sc
}

// Detach 移除串流連線；集合清空時銷毀比賽
func (m *Match) Detach(sc *streamConn) {
	m.mu.Lock()
	delete(m.conns, sc)
	empty := len(m.conns) == 0
	m.mu.Unlock()

	sc.close()

	if empty {
		m.Stop()
		if m.onEmpty != nil {
			m.onEmpty(m.id)
		}
	}
}

// Stop 確定性停止比賽迴圈（冪等）
func (m *Match) Stop() {
	m.stopOnce.Do(func() {
		close(m.quit)
	})
}

// closeStreams 關閉所有附掛的串流 socket
//
// 伺服器關閉路徑專用：讀取 goroutine 阻塞在 Scan 上，
// 只有關掉底層連線才能讓它們收尾。
func (m *Match) closeStreams() {
	m.mu.Lock()
	conns := make([]*streamConn, 0, len(m.conns))
	for sc := range m.conns {
		conns = append(conns, sc)
	}
	m.mu.Unlock()

	for _, sc := range conns {
		sc.close()
	}
}

// broadcast 向所有附掛的串流送出訊息（需持有鎖）
//
// 每連線走帶緩衝通道：滿了就丟掉這一幀，
// 慢或死掉的接收端不能讓模擬停頓。
func (m *Match) broadcast(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		m.logger.Error("序列化廣播失敗", "error", err)
		return
	}
	for sc := range m.conns {
		if !sc.send(data) {
			m.logger.Warn("串流送出緩衝已滿，丟棄快照")
		}
	}
}

func (m *Match) broadcastGameEnd() {
	if m.ended {
		return
	}
	m.ended = true
	m.broadcast(protocol.NewGameEndMessage(m.state))
	m.logger.Info("已廣播終局", "status", m.state.Status, "winner", m.state.Winner)
}

// Snapshot 回傳目前狀態的複本（測試與除錯用）
func (m *Match) Snapshot() game.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.state
}

// streamConn 串流連線的送出端包裝
//
// 寫入走獨立 goroutine 排空緩衝通道，
// 廣播端的 send 永不阻塞（非阻塞投遞，滿了回 false）。
type streamConn struct {
	conn      net.Conn
	sendCh    chan []byte
	closeOnce sync.Once
}

func newStreamConn(conn net.Conn) *streamConn {
	sc := &streamConn{
		conn:   conn,
		sendCh: make(chan []byte, 64),
	}
	go sc.writeLoop()
	return sc
}

func (sc *streamConn) writeLoop() {
	for data := range sc.sendCh {
		if _, err := sc.conn.Write(append(data, '\n')); err != nil {
			return
		}
	}
}

func (sc *streamConn) send(data []byte) bool {
	// 複製一份：廣播資料在鎖外寫出，不能與下一刻共享底層陣列
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case sc.sendCh <- buf:
		return true
	default:
		return false
	}
}

func (sc *streamConn) close() {
	sc.closeOnce.Do(func() {
		close(sc.sendCh)
		sc.conn.Close()
	})
}
