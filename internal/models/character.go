// internal/models/character.go
package models

import "time"

// Character 表示剧本中的一个角色快照
// 嵌入 Script 时始终是值拷贝：之后修改全局角色不会改写已有剧本
type Character struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Role              string `json:"role"`
	Personality       string `json:"personality"`
	SpeakingStyle     string `json:"speaking_style,omitempty"`
	VisualDescription string `json:"visual_description,omitempty"`
	AvatarURL         string `json:"avatar_url,omitempty"`
	IsUserControlled  bool   `json:"is_user_controlled"`
}

// GlobalCharacter 表示用户角色库中的可复用角色
// 与剧本内嵌角色的区别：归属某个用户，可跨剧本使用，并携带长期记忆
type GlobalCharacter struct {
	Character

	OwnerID     string    `json:"owner_id"`
	Gender      string    `json:"gender,omitempty"`
	Age         string    `json:"age,omitempty"`
	Memories    []string  `json:"memories"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// Snapshot 返回可嵌入剧本的角色值拷贝
func (c *GlobalCharacter) Snapshot() Character {
	return c.Character
}
