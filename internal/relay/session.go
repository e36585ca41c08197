// Package relay 實現瀏覽器與比賽引擎之間的中繼
//
// 系統設計問題：
//
//	如何把 N 個 WebSocket 客戶端多工到每場比賽一條的引擎串流上？
//
// 核心挑戰：
//  1. 角色指派：同名去重、佔位檢查、觀戰降級，必須對並發加入原子
//  2. 身份簿記：名稱→比賽索引屬於 relay，engine 只認角色不認名稱
//  3. 清理策略：全員斷線走 30 秒寬限；本地模式玩家離線立即拆除
//  4. 協議翻譯：原始鍵名正規化、角色重新標記、快照補名稱
//
// 設計方案：
//
//	✅ 每場比賽一個 Session，單一互斥鎖序列化成員簿記
//	✅ 逐出後插入在鎖內完成，同名加入不會交錯出不一致
//	✅ 可取消的寬限定時器由 Session 持有，拆除時確定性取消
//	✅ 引擎串流 EOF 與漏接 game_end 一律視為強制拆除
package relay

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Transcendeu/transcendence-sub000/internal/game"
	"github.com/Transcendeu/transcendence-sub000/internal/history"
	"github.com/Transcendeu/transcendence-sub000/internal/protocol"
)

// 本地雙打模式的固定顯示名稱
const (
	localPlayer1Label = "Player 1"
	localPlayer2Label = "Player 2"
)

// Session relay 側的一場比賽
//
// 擁有：成員集合、一條通往 engine 的持久串流、
// 行重組緩衝（bufio.Scanner）、本地模式旗標、
// 雙方的顯示名稱。比賽的壽命由這裡的成員簿記決定，
// engine 只是被動跟隨串流的開關。
type Session struct {
	ID      string
	manager *Manager
	logger  *slog.Logger

	// 建立當下的本地旗標。不可變：CreateSession 的同名冪等
	// 判定在 Manager 鎖內讀它，不能碰 Session 鎖
	createdLocal bool

	// 建立者名稱（不可變）。建立時就進了名稱索引，
	// 拆除清索引時必須一併涵蓋，即使建立者從未連入
	creatorName string

	mu          sync.Mutex
	clients     map[*Client]struct{}
	localGame   bool
	player1Name string
	player2Name string
	readySent   bool
	graceTimer  *time.Timer
	closed      bool

	engine  net.Conn
	writeMu sync.Mutex // 序列化對引擎串流的行寫出
}

func newSession(m *Manager, id string, engineConn net.Conn, local bool, creator string) *Session {
	s := &Session{
		ID:           id,
		manager:      m,
		logger:       m.logger.With("game_id", id),
		createdLocal: local,
		creatorName:  creator,
		clients:      make(map[*Client]struct{}),
		engine:       engineConn,
	}
	s.mu.Lock()
	if local {
		s.enableLocalLocked()
	}
	// 建立當下沒有任何 socket：寬限計時立刻起跑，第一條連線
	// 進來時取消。從未被加入的比賽不能永遠佔著註冊表
	s.armGraceLocked()
	s.mu.Unlock()
	go s.streamLoop()
	return s
}

// enableLocalLocked 啟用本地雙打模式（需持有鎖）
//
// 合成一個沒有 socket 的 player2、立刻填滿兩個名額並送出
// ready：單一瀏覽器用本機按鍵區分操控兩支球拍，
// 不需要等第二條連線。
func (s *Session) enableLocalLocked() {
	if s.localGame {
		return
	}
	s.localGame = true
	s.player1Name = localPlayer1Label
	s.player2Name = localPlayer2Label

	ghost := newClient(s, nil)
	ghost.name = localPlayer2Label
	ghost.role = game.RolePlayer2
	ghost.ready = true
	s.clients[ghost] = struct{}{}

	s.sendReadyLocked()
}

// SetLocalMode 切換本地模式
func (s *Session) SetLocalMode(local bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if local {
		s.enableLocalLocked()
	} else {
		s.disableLocalLocked()
	}
}

// disableLocalLocked 還原本地雙打的合成狀態（需持有鎖）
//
// 移除無 socket 的合成 player2、清掉合成名稱，名額重新
// 開放給一般雙人流程。已送出的 ready 不回收：engine 端的
// waiting 狀態對之後加入的玩家同樣正確。
func (s *Session) disableLocalLocked() {
	if !s.localGame {
		return
	}
	s.localGame = false

	for c := range s.clients {
		if c.conn == nil && c.name == localPlayer2Label {
			delete(s.clients, c)
		}
	}
	if s.player1Name == localPlayer1Label {
		s.player1Name = ""
	}
	if s.player2Name == localPlayer2Label {
		s.player2Name = ""
	}
}

// addClient 新連線註冊（角色在 join 訊息到達後才指派）
func (s *Session) addClient(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	s.cancelGraceLocked()
	return true
}

// join 處理 join 訊息：同名逐出 → 角色指派 → ready 觸發
//
// 整段在鎖內完成：逐出與插入對其他同名加入是原子的。
//
// 指派規則：
//  1. 其他同名且在線的客戶端先被逐出（4000 重複連線）
//  2. 要求觀戰一律給觀戰
//  3. 要求玩家名額：名額空著或已登記同名才給，否則降級觀戰
//  4. 本地模式信任客戶端宣告的角色（一條 socket 代表兩支球拍）
//
// 兩個玩家名額都填滿的那一刻，恰好送出一次 ready。
func (s *Session) join(c *Client, name string, requested game.Role) game.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return game.RoleSpectator
	}

	// 同名去重：一個名稱在一場比賽裡最多一條活連線
	for other := range s.clients {
		if other == c || other.name != name {
			continue
		}
		if other.conn != nil {
			other.closeWith(CloseDuplicateConnection, "duplicate connection")
			s.logger.Info("逐出重複連線", "name", name)
		}
		delete(s.clients, other)
	}

	assigned := game.RoleSpectator
	switch {
	case s.localGame && requested.IsPlayer():
		assigned = requested
	case requested == game.RolePlayer1 || requested == game.RolePlayer2:
		slot := s.nameForRoleLocked(requested)
		if slot == "" || slot == name {
			assigned = requested
			s.setNameForRoleLocked(requested, name)
		}
	}

	c.name = name
	c.role = assigned
	c.ready = true
	s.manager.indexName(name, s.ID)

	if s.player1Name != "" && s.player2Name != "" {
		s.sendReadyLocked()
	}

	s.logger.Info("客戶端加入",
		"name", name,
		"requested", requested,
		"assigned", assigned)
	return assigned
}

func (s *Session) nameForRoleLocked(r game.Role) string {
	if r == game.RolePlayer1 {
		return s.player1Name
	}
	return s.player2Name
}

func (s *Session) setNameForRoleLocked(r game.Role, name string) {
	if r == game.RolePlayer1 {
		s.player1Name = name
	} else {
		s.player2Name = name
	}
}

// sendReadyLocked 向 engine 送出 ready（恰好一次）
func (s *Session) sendReadyLocked() {
	if s.readySent {
		return
	}
	s.readySent = true
	s.writeLine(protocol.Ready{})
}

// handleClientMessage 處理一則瀏覽器訊息
//
// 畸形或未知訊息記錄後丟棄，連線照常存活。
func (s *Session) handleClientMessage(c *Client, raw []byte) {
	msg, err := protocol.DecodeCommand(raw, true)
	if err != nil {
		s.logger.Warn("丟棄無法解析的客戶端訊息", "error", err)
		return
	}

	switch v := msg.(type) {
	case protocol.Join:
		s.join(c, v.Name, v.Role)
	case protocol.Input:
		s.forwardInput(c, v)
	case protocol.Ready:
		if s.isPlayer(c) {
			s.writeLine(protocol.Ready{})
		}
	case protocol.Pause:
		if s.isPlayer(c) {
			s.writeLine(protocol.Pause{})
		}
	case protocol.Resume:
		if s.isPlayer(c) {
			s.writeLine(protocol.Resume{})
		}
	case protocol.Forfeit:
		s.forwardForfeit(c, v)
	}
}

func (s *Session) isPlayer(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.role.IsPlayer() || s.localGame
}

// forwardInput 正規化並轉發方向輸入
//
// 角色重新標記：一般模式以 session 指派的角色為準，
// 觀戰者的輸入直接丟棄；本地模式一條 socket 代表兩支球拍，
// 信任客戶端宣告的角色。
func (s *Session) forwardInput(c *Client, in protocol.Input) {
	key, ok := protocol.NormalizeKey(string(in.Input))
	if !ok {
		s.logger.Warn("丟棄無法識別的按鍵", "input", in.Input)
		return
	}

	s.mu.Lock()
	role := c.role
	if s.localGame && in.Role.IsPlayer() {
		role = in.Role
	}
	s.mu.Unlock()

	if !role.IsPlayer() {
		return
	}
	s.writeLine(protocol.Input{Role: role, Input: key, State: in.State})
}

func (s *Session) forwardForfeit(c *Client, f protocol.Forfeit) {
	s.mu.Lock()
	role := c.role
	if s.localGame && f.Role.IsPlayer() {
		role = f.Role
	}
	s.mu.Unlock()

	if !role.IsPlayer() {
		return
	}
	s.writeLine(protocol.Forfeit{Role: role})
}

// writeLine 向引擎串流寫出一行 JSON
func (s *Session) writeLine(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("序列化引擎訊息失敗", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.engine.Write(append(data, '\n')); err != nil {
		s.logger.Warn("寫入引擎串流失敗", "error", err)
	}
}

// handleDisconnect 客戶端 socket 關閉後的簿記
//
// 清理策略：
//   - 玩家離線且缺任一玩家 → 對 engine 送 pause（engine 端冪等）
//   - 玩家全部離線 → 關閉觀戰者
//   - 所有 socket 都離線 → 上 30 秒寬限定時器，逾時拆除
//   - 本地模式的玩家離線 → 立即拆除（不存在有意義的重連競賽）
func (s *Session) handleDisconnect(c *Client) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}

	c.conn = nil
	c.closeSend()

	teardown := false
	if c.role.IsPlayer() {
		if s.localGame {
			teardown = true
		} else {
			if s.connectedPlayersLocked() < 2 {
				s.writeLine(protocol.Pause{})
			}
			if s.connectedPlayersLocked() == 0 {
				s.closeSpectatorsLocked()
			}
		}
	}
	if !teardown && s.connectedCountLocked() == 0 {
		s.armGraceLocked()
	}
	s.mu.Unlock()

	s.logger.Info("客戶端離線", "name", c.name, "role", c.role)

	if teardown {
		s.manager.removeSession(s.ID, "本地模式玩家離線")
	}
}

func (s *Session) connectedPlayersLocked() int {
	n := 0
	for c := range s.clients {
		if c.role.IsPlayer() && c.conn != nil {
			n++
		}
	}
	return n
}

func (s *Session) connectedCountLocked() int {
	n := 0
	for c := range s.clients {
		if c.conn != nil {
			n++
		}
	}
	return n
}

func (s *Session) closeSpectatorsLocked() {
	for c := range s.clients {
		if c.role == game.RoleSpectator && c.conn != nil {
			c.closeSend()
		}
	}
}

// armGraceLocked 上寬限定時器（已上則不重複）
//
// 定時器由 Session 持有，拆除時確定性取消，
// 不會留下引用已銷毀比賽的回呼。
func (s *Session) armGraceLocked() {
	if s.graceTimer != nil {
		return
	}
	grace := s.manager.gracePeriod()
	s.graceTimer = time.AfterFunc(grace, func() {
		s.manager.expireIfEmpty(s.ID)
	})
	s.logger.Info("比賽無人連線，啟動寬限計時", "grace", grace)
}

func (s *Session) cancelGraceLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// isEmpty 是否已無任何連線
func (s *Session) isEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.connectedCountLocked() == 0
}

// streamLoop 讀取引擎串流並轉發給瀏覽器
//
// 行重組：串流按 \n 切分（Scanner 內建緩衝處理半行）。
// state 快照補上顯示名稱後轉發給所有在線 socket；
// game_end 轉發後優雅關閉全部客戶端並拆除比賽。
// 串流 EOF（例如 engine 在寫出中途關閉）等同強制拆除——
// relay 漏接 game_end 時沒有任何和解機制，只能收尾。
func (s *Session) streamLoop() {
	scanner := bufio.NewScanner(s.engine)
	scanner.Buffer(make([]byte, 4096), 64*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.DecodeEngineEvent(line)
		if err != nil {
			s.logger.Warn("丟棄無法解析的引擎事件", "error", err)
			continue
		}

		switch v := msg.(type) {
		case *protocol.StateMessage:
			v.PlayerNames = s.resolvedNames()
			data, err := protocol.Encode(v)
			if err != nil {
				s.logger.Error("序列化快照失敗", "error", err)
				continue
			}
			s.broadcast(data)

		case *protocol.GameEndMessage:
			data, err := protocol.Encode(v)
			if err == nil {
				s.broadcast(data)
			}
			s.recordResult(v)
			s.manager.removeSession(s.ID, "比賽結束")
			return
		}
	}

	s.manager.removeSession(s.ID, "引擎串流中斷")
}

func (s *Session) resolvedNames() *protocol.PlayerNames {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localGame {
		return &protocol.PlayerNames{Player1: localPlayer1Label, Player2: localPlayer2Label}
	}
	return &protocol.PlayerNames{Player1: s.player1Name, Player2: s.player2Name}
}

// broadcast 向所有在線 socket 投遞（非阻塞）
func (s *Session) broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.conn == nil {
			continue
		}
		if !c.enqueue(data) {
			s.logger.Warn("客戶端緩衝已滿，丟棄訊息", "name", c.name)
		}
	}
}

// recordResult 賽後結果上報（fire-and-forget）
func (s *Session) recordResult(end *protocol.GameEndMessage) {
	s.mu.Lock()
	result := history.Result{
		GameID:  s.ID,
		Winner:  end.Winner,
		Scores:  end.Scores,
		Status:  end.GameStatus,
		Player1: s.player1Name,
		Player2: s.player2Name,
		EndedAt: time.Now(),
	}
	s.mu.Unlock()

	if err := s.manager.recorder.Record(context.Background(), result); err != nil {
		// 上報失敗不影響比賽正確性
		s.logger.Warn("賽後結果上報失敗", "error", err)
	}
}

// teardown 拆除比賽（經由 manager.removeSession，或由
// CreateSession 的同名競賽輸家直接丟棄未登記的比賽）
func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancelGraceLocked()
	for c := range s.clients {
		c.closeSend()
	}
	s.mu.Unlock()

	s.engine.Close()
}

// memberNames 目前所有成員名稱（索引清理用）
func (s *Session) memberNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for c := range s.clients {
		if c.name != "" {
			names = append(names, c.name)
		}
	}
	if s.player1Name != "" {
		names = append(names, s.player1Name)
	}
	if s.player2Name != "" {
		names = append(names, s.player2Name)
	}
	if s.creatorName != "" {
		names = append(names, s.creatorName)
	}
	return names
}

// Members 成員視圖（HTTP 查詢用）
type Members struct {
	Player1    string   `json:"player1,omitempty"`
	Player2    string   `json:"player2,omitempty"`
	Spectators []string `json:"spectators"`
}

// MembersView 回傳目前成員
func (s *Session) MembersView() Members {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Members{
		Player1:    s.player1Name,
		Player2:    s.player2Name,
		Spectators: []string{},
	}
	for c := range s.clients {
		if c.role == game.RoleSpectator && c.name != "" {
			m.Spectators = append(m.Spectators, c.name)
		}
	}
	return m
}

// IsLocal 是否為本地雙打模式
func (s *Session) IsLocal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localGame
}

// IsSpectator 指定名稱是否以觀戰者身份在場
func (s *Session) IsSpectator(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.name == name {
			return c.role == game.RoleSpectator
		}
	}
	return false
}

// ConnectedCount 在線 socket 數（統計用）
func (s *Session) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedCountLocked()
}
