package engine

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/Transcendeu/transcendence-sub000/internal/protocol"
)

// Server 比賽串流伺服器
//
// 接受 relay 的持久 TCP 連線：第一行是裸比賽 id（路由用），
// 之後每行一個 JSON 指令。
//
// 系統設計考量：
//
//  1. 永不拒絕連線：未知 id 代表新比賽，直接建立；
//     engine 沒有「不存在的比賽」這種路由錯誤
//  2. 比賽註冊表只在連線建立/斷開時寫入，RWMutex 保護；
//     比賽內部狀態各自有鎖，跨比賽零爭用
//  3. 逐行解析失敗記錄後丟棄，行協議錯誤對進程永不致命
type Server struct {
	cfg    *Config
	logger *slog.Logger

	mu      sync.RWMutex
	matches map[string]*Match

	listener net.Listener
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer 建立串流伺服器
func NewServer(cfg *Config, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		matches: make(map[string]*Match),
		quit:    make(chan struct{}),
	}
}

// Start 開始監聽並接受連線
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("比賽引擎開始監聽", "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr 實際監聽位址（測試用 :0 時取得埠號）
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("接受連線失敗", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn 處理一條 relay 串流
//
// 路由約定：第一行是裸比賽 id。該 id 的比賽不存在時建立之
//（engine 首次看到新 id 就是比賽的誕生時刻）。
func (s *Server) handleConn(conn net.Conn) {
	reader := bufio.NewScanner(conn)
	reader.Buffer(make([]byte, 4096), 64*1024)

	if !reader.Scan() {
		conn.Close()
		return
	}
	matchID := strings.TrimSpace(reader.Text())
	if matchID == "" {
		s.logger.Warn("串流未提供比賽 id，關閉連線")
		conn.Close()
		return
	}

	m := s.matchFor(matchID)
	sc := m.Attach(conn)
	defer m.Detach(sc)

	s.logger.Info("串流已附掛", "match_id", matchID)

	for reader.Scan() {
		line := reader.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.DecodeCommand(line, false)
		if err != nil {
			// 協議錯誤：記錄並丟棄，比賽照常進行
			s.logger.Warn("丟棄無法解析的行", "match_id", matchID, "error", err)
			continue
		}
		m.Handle(msg)
	}

	s.logger.Info("串流已斷開", "match_id", matchID)
}

// matchFor 取得或建立比賽
func (s *Server) matchFor(id string) *Match {
	s.mu.RLock()
	m, ok := s.matches[id]
	s.mu.RUnlock()
	if ok {
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok = s.matches[id]; ok {
		return m
	}
	m = newMatch(id, s.cfg.MaxScore, s.logger, s.removeMatch)
	s.matches[id] = m
	s.logger.Info("比賽已建立", "match_id", id)
	return m
}

// removeMatch 串流集合清空時由比賽回呼
func (s *Server) removeMatch(id string) {
	s.mu.Lock()
	delete(s.matches, id)
	s.mu.Unlock()
	s.logger.Info("比賽已銷毀", "match_id", id)
}

// MatchCount 目前比賽數（統計用）
func (s *Server) MatchCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matches)
}

// Stop 停止伺服器（冪等）：關閉監聽、停掉比賽迴圈、
// 關閉所有在線串流
//
// 串流必須在 wg.Wait 之前關閉：handleConn 阻塞在 Scan 上，
// 不關底層連線優雅關閉就永遠等不完。
func (s *Server) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Server) stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	matches := make([]*Match, 0, len(s.matches))
	for _, m := range s.matches {
		matches = append(matches, m)
	}
	s.mu.Unlock()

	for _, m := range matches {
		m.Stop()
		m.closeStreams()
	}

	s.wg.Wait()
	s.logger.Info("比賽引擎已停止")
}
