package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Transcendeu/transcendence-sub000/internal/game"
)

// 重複連線的關閉碼（同名身份在他處重新連入）
const CloseDuplicateConnection = 4000

// 心跳時序：54 秒 Ping、60 秒讀取超時
//
// 54 秒刻意避開常見代理的 60 秒閒置閾值，留 6 秒餘量
// 給網路傳輸與處理時間。
const (
	pingInterval  = 54 * time.Second
	readTimeout   = 60 * time.Second
	writeTimeout  = 10 * time.Second
	sendBufferLen = 64
)

// Client 一個連入 relay 的瀏覽器身份
//
// conn 為 nil 表示目前斷線，但身份仍被追蹤：
// 同名重連可在寬限期內取回原本的角色。
// 本地雙打模式會合成一個永遠沒有 socket 的 player2。
type Client struct {
	session *Session

	// 以下欄位由 session 鎖保護
	name  string
	role  game.Role
	ready bool
	conn  *websocket.Conn

	send      chan []byte
	closeOnce sync.Once

	// 關閉幀的代碼與原因：在 closeSend 之前設定，
	// writePump 經由通道關閉的 happens-before 讀取
	closeCode   int
	closeReason string
}

func newClient(s *Session, conn *websocket.Conn) *Client {
	return &Client{
		session: s,
		conn:    conn,
		send:    make(chan []byte, sendBufferLen),
	}
}

// enqueue 非阻塞投遞：緩衝滿了就丟，慢客戶端不拖累整場比賽
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend 關閉送出通道（冪等），writePump 會送出關閉幀後收尾
func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// closeWith 以指定代碼關閉（如重複連線的 4000）
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.send)
	})
}

// readPump 讀取瀏覽器訊息
//
// 心跳機制（讀取端）：60 秒內沒有任何訊息（包括 Pong）
// 就視為死連接關閉。收到 Pong 重置超時。
func (c *Client) readPump() {
	conn := c.conn
	defer func() {
		c.session.handleDisconnect(c)
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType == websocket.TextMessage {
			c.session.handleClientMessage(c, message)
		}
	}
}

// writePump 寫出訊息與定期 Ping
//
// 批量排空佇列中的訊息，減少系統呼叫次數。
func (c *Client) writePump() {
	conn := c.conn
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// 通道已關閉：優雅送出關閉幀
				code := c.closeCode
				if code == 0 {
					code = websocket.CloseNormalClosure
				}
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, c.closeReason))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
