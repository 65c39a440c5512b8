// internal/services/chat_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
	"github.com/Corphon/StoryDirectorMCP/internal/llm"
	"github.com/Corphon/StoryDirectorMCP/internal/models"
	"github.com/Corphon/StoryDirectorMCP/internal/storage"
	"github.com/Corphon/StoryDirectorMCP/internal/utils"
	"github.com/google/uuid"
)

// 工具名称
const (
	toolGenerateImage = "generate_image"
	toolGenerateVideo = "generate_video"
)

// 工具副作用失败时角色的致歉台词
const toolApology = "I'm sorry, I tried to show you something, but it seems I couldn't conjure it up just now."

// ChatService 管理用户与角色的自由聊天会话
// 所有会话常驻内存，每次变更后按用户整体收敛到存储
type ChatService struct {
	mu       sync.RWMutex
	sessions map[string]*models.ChatSession // sessionID -> session

	generation *GenerationService
	media      *MediaService
	store      *storage.Store
}

// NewChatService 创建聊天服务并从存储加载既有会话
func NewChatService(ctx context.Context, generation *GenerationService, media *MediaService, store *storage.Store) (*ChatService, error) {
	s := &ChatService{
		sessions:   make(map[string]*models.ChatSession),
		generation: generation,
		media:      media,
		store:      store,
	}

	records, err := store.GetAll(ctx, storage.PartitionChats)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		var session models.ChatSession
		if err := rec.Decode(&session); err != nil {
			utils.GetLogger().Warn("跳过无法解码的聊天会话", map[string]interface{}{
				"id": rec.ID, "err": err.Error(),
			})
			continue
		}
		s.sessions[session.ID] = &session
	}
	return s, nil
}

// CreateSession 以角色快照开启一个新会话
func (s *ChatService) CreateSession(ctx context.Context, ownerID string, character models.Character) (*models.ChatSession, error) {
	if character.Name == "" {
		return nil, apperrors.NewValidationError("聊天角色缺少名称", nil)
	}

	now := time.Now()
	session := &models.ChatSession{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Character:   character,
		Messages:    []models.ChatMessage{},
		CreatedAt:   now,
		LastUpdated: now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	if err := s.persistOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession 按ID读取会话
func (s *ChatService) GetSession(sessionID string) (*models.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("聊天会话不存在: %s", sessionID), nil)
	}
	return session, nil
}

// ListSessions 返回某个用户的全部会话
func (s *ChatService) ListSessions(ownerID string) []*models.ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ChatSession
	for _, session := range s.sessions {
		if session.OwnerID == ownerID {
			out = append(out, session)
		}
	}
	return out
}

// DeleteSession 删除会话并收敛存储
func (s *ChatService) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewNotFoundError(fmt.Sprintf("聊天会话不存在: %s", sessionID), nil)
	}
	ownerID := session.OwnerID
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	return s.persistOwner(ctx, ownerID)
}

// SendMessage 发送用户消息并生成角色回复
//
// 模型可通过工具调用触发图像/视频生成；工具副作用失败不失败整轮，
// 回复降级为角色口吻的致歉，调用依然成功返回。
func (s *ChatService) SendMessage(ctx context.Context, sessionID, content string) (*models.ChatMessage, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	userMsg := models.ChatMessage{
		ID:        uuid.New().String(),
		Role:      models.ChatRoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	session.Messages = append(session.Messages, userMsg)
	session.LastUpdated = time.Now()
	s.mu.Unlock()

	resp, err := s.generation.CreateChatCompletion(ctx,
		s.buildPersonaPrompt(session), s.buildHistory(session), chatTools())
	if err != nil {
		return nil, err
	}

	reply := models.ChatMessage{
		ID:        uuid.New().String(),
		Role:      models.ChatRoleCharacter,
		Content:   strings.TrimSpace(resp.Text),
		Timestamp: time.Now(),
	}

	if len(resp.ToolCalls) > 0 {
		s.applyToolCall(ctx, session, resp.ToolCalls[0], &reply)
	}
	if reply.Content == "" {
		reply.Content = "..."
	}

	s.mu.Lock()
	session.Messages = append(session.Messages, reply)
	session.LastUpdated = time.Now()
	s.mu.Unlock()

	if err := s.persistOwner(ctx, session.OwnerID); err != nil {
		// 内存状态仍然权威，下一次保存会重新收敛
		utils.GetLogger().Error("保存聊天会话失败", map[string]interface{}{
			"session": session.ID, "err": err.Error(),
		})
	}
	return &reply, nil
}

// applyToolCall 执行模型发起的媒体工具调用并把结果写入回复
func (s *ChatService) applyToolCall(ctx context.Context, session *models.ChatSession, call llm.ToolCall, reply *models.ChatMessage) {
	var args struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || args.Prompt == "" {
		utils.GetLogger().Warn("工具调用参数无法解析", map[string]interface{}{
			"tool": call.Name, "err": fmt.Sprintf("%v", err),
		})
		s.degradeToApology(reply)
		return
	}

	var url, mediaType string
	var err error
	switch call.Name {
	case toolGenerateImage:
		mediaType = "image"
		url, err = s.media.GenerateImage(ctx, args.Prompt)
	case toolGenerateVideo:
		mediaType = "video"
		url, err = s.media.GenerateVideo(ctx, args.Prompt)
	default:
		err = apperrors.NewToolSideEffectError(fmt.Sprintf("未知工具: %s", call.Name), nil)
	}

	if err != nil {
		utils.GetLogger().Warn("媒体工具调用失败，降级为致歉", map[string]interface{}{
			"session": session.ID, "tool": call.Name, "err": err.Error(),
		})
		s.degradeToApology(reply)
		return
	}

	reply.MediaURL = url
	reply.MediaType = mediaType
	if reply.Content == "" {
		reply.Content = "Here, take a look."
	}
}

func (s *ChatService) degradeToApology(reply *models.ChatMessage) {
	if reply.Content != "" {
		reply.Content += "\n\n" + toolApology
	} else {
		reply.Content = toolApology
	}
	reply.MediaURL = ""
	reply.MediaType = ""
}

// buildPersonaPrompt 由角色快照构造系统提示词
func (s *ChatService) buildPersonaPrompt(session *models.ChatSession) string {
	c := session.Character
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. Stay fully in character.\n", c.Name)
	if c.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", c.Role)
	}
	if c.Personality != "" {
		fmt.Fprintf(&b, "Personality: %s\n", c.Personality)
	}
	if c.SpeakingStyle != "" {
		fmt.Fprintf(&b, "Speaking style: %s\n", c.SpeakingStyle)
	}
	b.WriteString("When the user asks to see something visual, call the generate_image or generate_video tool.")
	return b.String()
}

// buildHistory 把会话历史映射为提供商消息，只取近段
func (s *ChatService) buildHistory(session *models.ChatSession) []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := session.Messages
	const maxHistory = 30
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}

	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		role := llm.RoleUser
		if msg.Role == models.ChatRoleCharacter {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: msg.Content})
	}
	return out
}

func chatTools() []llm.ToolDefinition {
	promptParams := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Detailed visual description of what to generate",
			},
		},
		"required": []string{"prompt"},
	}
	return []llm.ToolDefinition{
		{
			Name:        toolGenerateImage,
			Description: "Generate an image to show the user something from the conversation",
			Parameters:  promptParams,
		},
		{
			Name:        toolGenerateVideo,
			Description: "Generate a short video clip to show the user something from the conversation",
			Parameters:  promptParams,
		},
	}
}

// persistOwner 把某个用户的全部会话收敛到chats分区
func (s *ChatService) persistOwner(ctx context.Context, ownerID string) error {
	s.mu.RLock()
	var desired []storage.Record
	for _, session := range s.sessions {
		if session.OwnerID != ownerID {
			continue
		}
		rec, err := storage.NewRecord(session.ID, ownerID, session)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		desired = append(desired, rec)
	}
	s.mu.RUnlock()

	return s.store.Reconcile(ctx, storage.PartitionChats, ownerID, desired)
}
