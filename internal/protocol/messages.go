// Package protocol 定義 relay 與 engine、瀏覽器與 relay 之間的訊息格式
//
// 系統設計問題：
//
//	如何讓兩條線路（WebSocket JSON、TCP 行分隔 JSON）共用一套封閉的訊息型別？
//
// 核心挑戰：
//  1. 型別安全：動態 any 物件讓 role/input 欄位失去編譯期檢查
//  2. 邊界防護：畸形訊息必須被丟棄，不能讓比賽崩潰
//  3. 按鍵正規化：瀏覽器送原始鍵名（w / ArrowUp），engine 只認語義方向
//
// 設計方案：
//
//	✅ 封閉變體集合（sealed interface）：每個 type 對應一個具名結構
//	✅ 兩段式解碼：先讀 type 標籤，再解對應結構，未知標籤回錯誤
//	✅ 正規化函數：鍵名 → up/down/space，在 relay 邊界完成
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Transcendeu/transcendence-sub000/internal/game"
)

// Type 訊息標籤
type Type string

const (
	TypeJoin    Type = "join"
	TypeInput   Type = "input"
	TypeReady   Type = "ready"
	TypePause   Type = "pause"
	TypeResume  Type = "resume"
	TypeForfeit Type = "forfeit"
	TypeState   Type = "state"
	TypeGameEnd Type = "game_end"
)

// Key 語義化的輸入方向
type Key string

const (
	KeyUp    Key = "up"
	KeyDown  Key = "down"
	KeySpace Key = "space"
)

// PressState 按鍵動作
type PressState string

const (
	StatePress   PressState = "press"
	StateRelease PressState = "release"
)

// Message 封閉的訊息變體集合
//
// 只有本套件內的型別能實作，邊界的 switch 因此是窮舉的。
type Message interface {
	messageType() Type
}

// Join 瀏覽器請求加入比賽（僅瀏覽器 → relay）
type Join struct {
	Name string    `json:"name"`
	Role game.Role `json:"role"`
}

// Input 方向輸入
type Input struct {
	Role  game.Role  `json:"role"`
	Input Key        `json:"input"`
	State PressState `json:"state"`
}

// Ready 配對完成（relay → engine）
type Ready struct{}

// Pause 暫停比賽
type Pause struct{}

// Resume 恢復比賽
type Resume struct{}

// Forfeit 棄權
type Forfeit struct {
	Role game.Role `json:"role"`
}

func (Join) messageType() Type    { return TypeJoin }
func (Input) messageType() Type   { return TypeInput }
func (Ready) messageType() Type   { return TypeReady }
func (Pause) messageType() Type   { return TypePause }
func (Resume) messageType() Type  { return TypeResume }
func (Forfeit) messageType() Type { return TypeForfeit }

// PlayerNames 快照附帶的顯示名稱（relay 填入，engine 不認識名稱）
type PlayerNames struct {
	Player1 string `json:"player1"`
	Player2 string `json:"player2"`
}

// StateMessage 每刻廣播的完整狀態快照
//
// engine 送出時 PlayerNames 為空；relay 轉發給瀏覽器前補上。
type StateMessage struct {
	Type        Type         `json:"type"`
	Paddles     game.Paddles `json:"paddles"`
	Ball        game.Ball    `json:"ball"`
	Scores      game.Scores  `json:"scores"`
	GameStatus  game.Status  `json:"gameStatus"`
	PlayerNames *PlayerNames `json:"playerNames,omitempty"`
}

// GameEndMessage 終局廣播
type GameEndMessage struct {
	Type       Type        `json:"type"`
	Winner     game.Role   `json:"winner"`
	Scores     game.Scores `json:"scores"`
	GameStatus game.Status `json:"gameStatus"`
}

func (StateMessage) messageType() Type   { return TypeState }
func (GameEndMessage) messageType() Type { return TypeGameEnd }

// NewStateMessage 由比賽狀態建立快照訊息
func NewStateMessage(s *game.State) *StateMessage {
	return &StateMessage{
		Type:       TypeState,
		Paddles:    s.Paddles,
		Ball:       s.Ball,
		Scores:     s.Scores,
		GameStatus: s.Status,
	}
}

// NewGameEndMessage 由終局狀態建立訊息
func NewGameEndMessage(s *game.State) *GameEndMessage {
	return &GameEndMessage{
		Type:       TypeGameEnd,
		Winner:     s.Winner,
		Scores:     s.Scores,
		GameStatus: s.Status,
	}
}

// envelope 兩段式解碼的第一段：只取 type 標籤
type envelope struct {
	Type Type `json:"type"`
}

// DecodeCommand 解碼指令訊息（engine 入站 / 瀏覽器入站共用）
//
// allowJoin 控制是否接受 join：join 只存在於瀏覽器線路，
// engine 的行協議收到 join 視為未知標籤。
// 未知或畸形訊息回傳錯誤，呼叫方記錄後丟棄，絕不致命。
func DecodeCommand(data []byte, allowJoin bool) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("解析訊息失敗: %w", err)
	}

	switch env.Type {
	case TypeJoin:
		if !allowJoin {
			return nil, fmt.Errorf("此線路不接受訊息類型: %s", env.Type)
		}
		var m Join
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("解析 join 失敗: %w", err)
		}
		return m, nil
	case TypeInput:
		var m Input
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("解析 input 失敗: %w", err)
		}
		if m.State != StatePress && m.State != StateRelease {
			return nil, fmt.Errorf("無效的按鍵動作: %q", m.State)
		}
		return m, nil
	case TypeReady:
		return Ready{}, nil
	case TypePause:
		return Pause{}, nil
	case TypeResume:
		return Resume{}, nil
	case TypeForfeit:
		var m Forfeit
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("解析 forfeit 失敗: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("未知的訊息類型: %q", env.Type)
	}
}

// DecodeEngineEvent 解碼 engine 送往 relay 的事件（state / game_end）
func DecodeEngineEvent(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("解析訊息失敗: %w", err)
	}

	switch env.Type {
	case TypeState:
		var m StateMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("解析 state 失敗: %w", err)
		}
		return &m, nil
	case TypeGameEnd:
		var m GameEndMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("解析 game_end 失敗: %w", err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("未知的事件類型: %q", env.Type)
	}
}

// Encode 序列化訊息為一行 JSON（不含換行）
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Join:
		return marshalTagged(TypeJoin, v)
	case Input:
		return marshalTagged(TypeInput, v)
	case Ready:
		return marshalTagged(TypeReady, v)
	case Pause:
		return marshalTagged(TypePause, v)
	case Resume:
		return marshalTagged(TypeResume, v)
	case Forfeit:
		return marshalTagged(TypeForfeit, v)
	case *StateMessage:
		v.Type = TypeState
		return json.Marshal(v)
	case *GameEndMessage:
		v.Type = TypeGameEnd
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("無法序列化的訊息類型: %T", m)
	}
}

// marshalTagged 替無標籤欄位的指令補上 type 標籤
func marshalTagged(t Type, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["type"] = t
	return json.Marshal(fields)
}

// NormalizeKey 原始鍵名正規化為語義方向
//
// 瀏覽器送的是實體鍵名（本地雙打模式一個鍵盤操控兩支球拍，
// w/s 與方向鍵必須在 relay 邊界收斂成 up/down）。
func NormalizeKey(raw string) (Key, bool) {
	switch raw {
	case "up", "w", "W", "ArrowUp":
		return KeyUp, true
	case "down", "s", "S", "ArrowDown":
		return KeyDown, true
	case "space", " ", "Space":
		return KeySpace, true
	}
	return "", false
}
