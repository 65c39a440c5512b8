// internal/models/chat.go
package models

import "time"

// ChatRole 自由聊天中的消息角色
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleCharacter ChatRole = "character"
)

// ChatMessage 自由聊天中的一条消息
// MediaURL 在模型触发图像/视频生成工具成功后填充
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	MediaURL  string    `json:"media_url,omitempty"`
	MediaType string    `json:"media_type,omitempty"` // image / video
	Timestamp time.Time `json:"timestamp"`
}

// ChatSession 用户与某个角色的自由聊天会话
type ChatSession struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id"`
	Character   Character     `json:"character"` // 会话开始时的角色快照
	Messages    []ChatMessage `json:"messages"`
	CreatedAt   time.Time     `json:"created_at"`
	LastUpdated time.Time     `json:"last_updated"`
}
