// internal/services/character_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
	"github.com/Corphon/StoryDirectorMCP/internal/models"
	"github.com/Corphon/StoryDirectorMCP/internal/storage"
	"github.com/Corphon/StoryDirectorMCP/internal/utils"
	"github.com/google/uuid"
)

// CharacterService 管理用户的可复用角色库
// 内存集合是权威状态，每次变更后按用户收敛到characters分区
type CharacterService struct {
	mu         sync.RWMutex
	characters map[string]*models.GlobalCharacter // characterID -> character

	generation *GenerationService
	store      *storage.Store
}

// NewCharacterService 创建角色服务并从存储加载既有角色
func NewCharacterService(ctx context.Context, generation *GenerationService, store *storage.Store) (*CharacterService, error) {
	s := &CharacterService{
		characters: make(map[string]*models.GlobalCharacter),
		generation: generation,
		store:      store,
	}

	records, err := store.GetAll(ctx, storage.PartitionCharacters)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		var ch models.GlobalCharacter
		if err := rec.Decode(&ch); err != nil {
			utils.GetLogger().Warn("跳过无法解码的角色", map[string]interface{}{
				"id": rec.ID, "err": err.Error(),
			})
			continue
		}
		s.characters[ch.ID] = &ch
	}
	return s, nil
}

// Create 新建一个全局角色
func (s *CharacterService) Create(ctx context.Context, ownerID string, ch models.GlobalCharacter) (*models.GlobalCharacter, error) {
	if strings.TrimSpace(ch.Name) == "" {
		return nil, apperrors.NewValidationError("角色名称不能为空", nil)
	}

	now := time.Now()
	ch.ID = uuid.New().String()
	ch.OwnerID = ownerID
	ch.CreatedAt = now
	ch.LastUpdated = now
	if ch.Memories == nil {
		ch.Memories = []string{}
	}

	s.mu.Lock()
	s.characters[ch.ID] = &ch
	s.mu.Unlock()

	if err := s.persistOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Get 按ID读取角色
func (s *CharacterService) Get(characterID string) (*models.GlobalCharacter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.characters[characterID]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("角色不存在: %s", characterID), nil)
	}
	return ch, nil
}

// List 返回某个用户的全部角色
func (s *CharacterService) List(ownerID string) []*models.GlobalCharacter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.GlobalCharacter
	for _, ch := range s.characters {
		if ch.OwnerID == ownerID {
			out = append(out, ch)
		}
	}
	return out
}

// Update 覆盖角色的可编辑字段
func (s *CharacterService) Update(ctx context.Context, characterID string, updated models.GlobalCharacter) (*models.GlobalCharacter, error) {
	s.mu.Lock()
	ch, ok := s.characters[characterID]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("角色不存在: %s", characterID), nil)
	}
	if updated.Name != "" {
		ch.Name = updated.Name
	}
	ch.Role = updated.Role
	ch.Personality = updated.Personality
	ch.SpeakingStyle = updated.SpeakingStyle
	ch.VisualDescription = updated.VisualDescription
	ch.AvatarURL = updated.AvatarURL
	ch.Gender = updated.Gender
	ch.Age = updated.Age
	ch.LastUpdated = time.Now()
	ownerID := ch.OwnerID
	s.mu.Unlock()

	if err := s.persistOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	return ch, nil
}

// Delete 删除角色并收敛存储
func (s *CharacterService) Delete(ctx context.Context, characterID string) error {
	s.mu.Lock()
	ch, ok := s.characters[characterID]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewNotFoundError(fmt.Sprintf("角色不存在: %s", characterID), nil)
	}
	ownerID := ch.OwnerID
	delete(s.characters, characterID)
	s.mu.Unlock()

	return s.persistOwner(ctx, ownerID)
}

// CompleteProfile 用AI补全角色档案的缺失字段
func (s *CharacterService) CompleteProfile(ctx context.Context, characterID string) (*models.GlobalCharacter, error) {
	ch, err := s.Get(characterID)
	if err != nil {
		return nil, err
	}

	profile, err := s.generation.CompleteCharacterProfile(ctx, ch)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if profile.Name != "" {
		ch.Name = profile.Name
	}
	ch.Role = firstNonEmpty(profile.Role, ch.Role)
	ch.Personality = firstNonEmpty(profile.Personality, ch.Personality)
	ch.SpeakingStyle = firstNonEmpty(profile.SpeakingStyle, ch.SpeakingStyle)
	ch.VisualDescription = firstNonEmpty(profile.VisualDescription, ch.VisualDescription)
	ch.Gender = firstNonEmpty(profile.Gender, ch.Gender)
	ch.Age = firstNonEmpty(profile.Age, ch.Age)
	ch.LastUpdated = time.Now()
	ownerID := ch.OwnerID
	s.mu.Unlock()

	if err := s.persistOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	return ch, nil
}

// EvolveFromScript 从一次演出中提炼角色成长，追加为长期记忆
func (s *CharacterService) EvolveFromScript(ctx context.Context, characterID string, script *models.Script) (*models.GlobalCharacter, error) {
	ch, err := s.Get(characterID)
	if err != nil {
		return nil, err
	}

	summary, err := s.generation.SummarizeEvolution(ctx, ch, script)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if summary.Summary != "" {
		ch.Memories = append(ch.Memories, summary.Summary)
	}
	ch.Memories = append(ch.Memories, summary.NewMemories...)
	ch.LastUpdated = time.Now()
	ownerID := ch.OwnerID
	s.mu.Unlock()

	if err := s.persistOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	return ch, nil
}

// MatchByName 在用户角色库中按名称模糊匹配
//
// 大小写不敏感的双向子串匹配（蓝图里的"Old Marcus"应命中库里的"Marcus"），
// 过短的名字不参与匹配以免误命中。
func (s *CharacterService) MatchByName(ownerID, name string) *models.GlobalCharacter {
	needle := strings.ToLower(strings.TrimSpace(name))
	if len(needle) < 2 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.characters {
		if ch.OwnerID != ownerID {
			continue
		}
		candidate := strings.ToLower(ch.Name)
		if len(candidate) < 2 {
			continue
		}
		if strings.Contains(candidate, needle) || strings.Contains(needle, candidate) {
			return ch
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// persistOwner 把某个用户的全部角色收敛到characters分区
func (s *CharacterService) persistOwner(ctx context.Context, ownerID string) error {
	s.mu.RLock()
	var desired []storage.Record
	for _, ch := range s.characters {
		if ch.OwnerID != ownerID {
			continue
		}
		rec, err := storage.NewRecord(ch.ID, ownerID, ch)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		desired = append(desired, rec)
	}
	s.mu.RUnlock()

	return s.store.Reconcile(ctx, storage.PartitionCharacters, ownerID, desired)
}
