// internal/models/user.go
package models

import "time"

// User 表示本地用户（单写者会话的拥有者）
type User struct {
	ID          string          `json:"id"`
	Username    string          `json:"username"`
	CreatedAt   time.Time       `json:"created_at"`
	LastUpdated time.Time       `json:"last_updated"`
	Preferences UserPreferences `json:"preferences"`
}

// UserPreferences 用户偏好设置
type UserPreferences struct {
	// ActiveProvider 覆盖全局的生成提供商选择（"gemini" / "openai"）
	ActiveProvider string `json:"active_provider,omitempty"`
	// PacingIntervalMs 演出节拍间隔，0 表示使用默认值
	PacingIntervalMs int `json:"pacing_interval_ms,omitempty"`
	// ResponseLength 生成文本长度偏好：short / medium / long
	ResponseLength string `json:"response_length,omitempty"`
}
