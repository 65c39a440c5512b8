// internal/models/message.go
package models

import "time"

// NarratorID 是旁白消息使用的哨兵角色ID
const NarratorID = "narrator"

// MessageType 表示一条故事消息的类型
type MessageType string

const (
	MessageDialogue  MessageType = "dialogue"
	MessageAction    MessageType = "action"
	MessageNarration MessageType = "narration"
)

// Message 表示剧本历史中的一个故事节拍
// 追加进历史后不再被核心修改或删除
type Message struct {
	ID          string      `json:"id"`
	CharacterID string      `json:"character_id"` // 角色ID或 NarratorID
	Content     string      `json:"content"`
	Type        MessageType `json:"type"`
	Timestamp   time.Time   `json:"timestamp"`
}

// ValidMessageType 检查消息类型是否合法，非法类型回退为旁白
func ValidMessageType(t string) MessageType {
	switch MessageType(t) {
	case MessageDialogue, MessageAction, MessageNarration:
		return MessageType(t)
	}
	return MessageNarration
}
