// internal/services/script_service.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
	"github.com/Corphon/StoryDirectorMCP/internal/models"
	"github.com/Corphon/StoryDirectorMCP/internal/storage"
	"github.com/Corphon/StoryDirectorMCP/internal/utils"
	"github.com/google/uuid"
)

// ScriptService 管理剧本的生命周期状态机
//
// 蓝图阶段的剧本只存在于drafts，尚未登记到用户集合也不落盘；
// StartPerformance 时登记并开始持久化。内存集合是权威状态。
type ScriptService struct {
	mu      sync.RWMutex
	drafts  map[string]*models.Script // 蓝图阶段
	scripts map[string]*models.Script // 已登记（performing/paused/complete）

	generation *GenerationService
	characters *CharacterService
	store      *storage.Store
}

// NewScriptService 创建剧本服务并从存储加载已登记剧本
func NewScriptService(ctx context.Context, generation *GenerationService, characters *CharacterService, store *storage.Store) (*ScriptService, error) {
	s := &ScriptService{
		drafts:     make(map[string]*models.Script),
		scripts:    make(map[string]*models.Script),
		generation: generation,
		characters: characters,
		store:      store,
	}

	records, err := store.GetAll(ctx, storage.PartitionScripts)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		var script models.Script
		if err := rec.Decode(&script); err != nil {
			utils.GetLogger().Warn("跳过无法解码的剧本", map[string]interface{}{
				"id": rec.ID, "err": err.Error(),
			})
			continue
		}
		// 进程重启后不自动续演
		if script.Status == models.ScriptPerforming {
			script.Status = models.ScriptPaused
		}
		s.scripts[script.ID] = &script
	}
	return s, nil
}

// CreateBlueprint 根据前提生成剧本蓝图
//
// 生成的角色会与用户角色库做模糊名称匹配，命中时复用库中快照
// （保留头像与既有设定），未命中则作为剧本内嵌新角色。
func (s *ScriptService) CreateBlueprint(ctx context.Context, ownerID, premise string, castIDs []string) (*models.Script, error) {
	var cast []models.Character
	for _, id := range castIDs {
		ch, err := s.characters.Get(id)
		if err != nil {
			return nil, err
		}
		cast = append(cast, ch.Snapshot())
	}

	blueprint, err := s.generation.GenerateBlueprint(ctx, premise, cast)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	script := &models.Script{
		ID:              uuid.New().String(),
		OwnerID:         ownerID,
		Title:           blueprint.Title,
		Premise:         premise,
		Setting:         blueprint.Setting,
		PlotPoints:      blueprint.PlotPoints,
		PossibleEndings: blueprint.PossibleEndings,
		History:         []models.Message{},
		Status:          models.ScriptBlueprinted,
		CreatedAt:       now,
		LastUpdated:     now,
	}

	for _, bc := range blueprint.Characters {
		if existing := s.characters.MatchByName(ownerID, bc.Name); existing != nil {
			script.Characters = append(script.Characters, existing.Snapshot())
			continue
		}
		script.Characters = append(script.Characters, models.Character{
			ID:                uuid.New().String(),
			Name:              bc.Name,
			Role:              bc.Role,
			Personality:       bc.Personality,
			SpeakingStyle:     bc.SpeakingStyle,
			VisualDescription: bc.VisualDescription,
		})
	}

	// 开场旁白：场景与前提拼成第一条历史
	script.History = append(script.History, models.Message{
		ID:          uuid.New().String(),
		CharacterID: models.NarratorID,
		Content:     fmt.Sprintf("%s %s", script.Setting, script.Premise),
		Type:        models.MessageNarration,
		Timestamp:   now,
	})

	s.mu.Lock()
	s.drafts[script.ID] = script
	snapshot := script.Clone()
	s.mu.Unlock()

	return snapshot, nil
}

// Get 按ID读取剧本（草稿或已登记）
//
// 返回的是深拷贝快照：调度器和API在锁外读取它，期间AppendBeat等
// 写操作照常在锁内改动内存中的权威对象，互不干扰。
func (s *ScriptService) Get(scriptID string) (*models.Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	script, err := s.locked(scriptID)
	if err != nil {
		return nil, err
	}
	return script.Clone(), nil
}

func (s *ScriptService) locked(scriptID string) (*models.Script, error) {
	if script, ok := s.scripts[scriptID]; ok {
		return script, nil
	}
	if script, ok := s.drafts[scriptID]; ok {
		return script, nil
	}
	return nil, apperrors.NewNotFoundError(fmt.Sprintf("剧本不存在: %s", scriptID), nil)
}

// List 返回某个用户的已登记剧本快照（不含草稿）
func (s *ScriptService) List(ownerID string) []*models.Script {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Script
	for _, script := range s.scripts {
		if script.OwnerID == ownerID {
			out = append(out, script.Clone())
		}
	}
	return out
}

// ----------------------------------------------------------------------
// 蓝图阶段的大纲编辑

// AddPlotPoint 在蓝图的大纲末尾追加一个情节点
func (s *ScriptService) AddPlotPoint(scriptID, text string) (*models.Script, error) {
	return s.editBlueprint(scriptID, func(script *models.Script) error {
		script.PlotPoints = append(script.PlotPoints, text)
		return nil
	})
}

// UpdatePlotPoint 改写蓝图大纲中的一个情节点
func (s *ScriptService) UpdatePlotPoint(scriptID string, index int, text string) (*models.Script, error) {
	return s.editBlueprint(scriptID, func(script *models.Script) error {
		if index < 0 || index >= len(script.PlotPoints) {
			return apperrors.NewValidationError(fmt.Sprintf("情节点索引越界: %d", index), nil)
		}
		script.PlotPoints[index] = text
		return nil
	})
}

// RemovePlotPoint 删除蓝图大纲中的一个情节点
func (s *ScriptService) RemovePlotPoint(scriptID string, index int) (*models.Script, error) {
	return s.editBlueprint(scriptID, func(script *models.Script) error {
		if index < 0 || index >= len(script.PlotPoints) {
			return apperrors.NewValidationError(fmt.Sprintf("情节点索引越界: %d", index), nil)
		}
		script.PlotPoints = append(script.PlotPoints[:index], script.PlotPoints[index+1:]...)
		return nil
	})
}

// GenerateNextPlotPoint 用AI为蓝图大纲追加一个情节点
func (s *ScriptService) GenerateNextPlotPoint(ctx context.Context, scriptID string) (*models.Script, error) {
	script, err := s.Get(scriptID)
	if err != nil {
		return nil, err
	}
	if script.Status != models.ScriptBlueprinted {
		return nil, apperrors.NewValidationError("大纲只能在蓝图阶段编辑", nil)
	}

	point, err := s.generation.GenerateNextPlotPoint(ctx, script)
	if err != nil {
		return nil, err
	}
	return s.AddPlotPoint(scriptID, point)
}

func (s *ScriptService) editBlueprint(scriptID string, edit func(*models.Script) error) (*models.Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	script, err := s.locked(scriptID)
	if err != nil {
		return nil, err
	}
	if script.Status != models.ScriptBlueprinted {
		return nil, apperrors.NewValidationError("大纲只能在蓝图阶段编辑", nil)
	}
	if err := edit(script); err != nil {
		return nil, err
	}
	script.LastUpdated = time.Now()
	return script.Clone(), nil
}

// ----------------------------------------------------------------------
// 状态转换

// StartPerformance 把蓝图登记为正在演出的剧本并开始持久化
func (s *ScriptService) StartPerformance(ctx context.Context, scriptID string) (*models.Script, error) {
	s.mu.Lock()
	script, ok := s.drafts[scriptID]
	if !ok {
		// 已登记剧本重复开始按非法转换处理
		s.mu.Unlock()
		if _, exists := s.scripts[scriptID]; exists {
			return nil, apperrors.NewValidationError("剧本已开始演出", nil)
		}
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("剧本不存在: %s", scriptID), nil)
	}
	if len(script.PlotPoints) == 0 {
		s.mu.Unlock()
		return nil, apperrors.NewValidationError("至少需要一个情节点才能开始演出", nil)
	}

	delete(s.drafts, scriptID)
	script.Status = models.ScriptPerforming
	script.CurrentPlotIndex = 0
	script.LastUpdated = time.Now()
	s.scripts[scriptID] = script
	ownerID := script.OwnerID
	snapshot := script.Clone()
	s.mu.Unlock()

	if err := s.persistOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Pause 暂停演出
func (s *ScriptService) Pause(ctx context.Context, scriptID string) (*models.Script, error) {
	return s.transition(ctx, scriptID, models.ScriptPerforming, models.ScriptPaused)
}

// Resume 恢复演出
func (s *ScriptService) Resume(ctx context.Context, scriptID string) (*models.Script, error) {
	return s.transition(ctx, scriptID, models.ScriptPaused, models.ScriptPerforming)
}

func (s *ScriptService) transition(ctx context.Context, scriptID string, from, to models.ScriptStatus) (*models.Script, error) {
	s.mu.Lock()
	script, err := s.locked(scriptID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if script.Status != from {
		s.mu.Unlock()
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("非法状态转换: %s -> %s", script.Status, to), nil)
	}
	script.Status = to
	script.LastUpdated = time.Now()
	ownerID := script.OwnerID
	snapshot := script.Clone()
	s.mu.Unlock()

	if err := s.persistOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// AdvancePlotIndex 手动推进情节索引
// 越过最后一个情节点时剧本进入complete，调度器随后停止演出
func (s *ScriptService) AdvancePlotIndex(ctx context.Context, scriptID string) (*models.Script, error) {
	s.mu.Lock()
	script, err := s.locked(scriptID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	switch script.Status {
	case models.ScriptPerforming, models.ScriptPaused:
	default:
		s.mu.Unlock()
		return nil, apperrors.NewValidationError("只有演出中或暂停的剧本可以推进情节", nil)
	}

	script.CurrentPlotIndex++
	if script.IsComplete() {
		script.Status = models.ScriptComplete
	}
	script.LastUpdated = time.Now()
	ownerID := script.OwnerID
	snapshot := script.Clone()
	s.mu.Unlock()

	if err := s.persistOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// RewriteFuturePlot 按导演指令重写未演出的情节点
// 已演出的历史与已越过的情节点保持不变
func (s *ScriptService) RewriteFuturePlot(ctx context.Context, scriptID, directive string) (*models.Script, error) {
	script, err := s.Get(scriptID)
	if err != nil {
		return nil, err
	}

	future, err := s.generation.RegenerateFuturePlot(ctx, script, directive)
	if err != nil {
		return nil, err
	}
	if len(future) == 0 {
		// 回退为空时保持大纲不变
		return script, nil
	}

	// 生成期间剧本可能已被推进，重新取权威对象再改写
	s.mu.Lock()
	live, err := s.locked(scriptID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	idx := live.CurrentPlotIndex
	if idx < 0 {
		idx = 0
	}
	if idx > len(live.PlotPoints) {
		idx = len(live.PlotPoints)
	}
	live.PlotPoints = append(live.PlotPoints[:idx:idx], future...)
	live.LastUpdated = time.Now()
	ownerID := live.OwnerID
	snapshot := live.Clone()
	s.mu.Unlock()

	if err := s.persistOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// AppendBeat 把一个生成的节拍追加到剧本历史
func (s *ScriptService) AppendBeat(ctx context.Context, scriptID string, beat *BeatDraft) (*models.Message, error) {
	s.mu.Lock()
	script, err := s.locked(scriptID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	characterID := models.NarratorID
	if beat.CharacterName != "" && beat.CharacterName != models.NarratorID {
		for i := range script.Characters {
			if script.Characters[i].Name == beat.CharacterName {
				characterID = script.Characters[i].ID
				break
			}
		}
	}

	msg := models.Message{
		ID:          uuid.New().String(),
		CharacterID: characterID,
		Content:     beat.Content,
		Type:        models.ValidMessageType(beat.Type),
		Timestamp:   time.Now(),
	}
	script.History = append(script.History, msg)
	script.LastUpdated = msg.Timestamp
	ownerID := script.OwnerID
	s.mu.Unlock()

	if err := s.persistOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Delete 删除剧本（草稿或已登记）并收敛存储
func (s *ScriptService) Delete(ctx context.Context, scriptID string) error {
	s.mu.Lock()
	if _, ok := s.drafts[scriptID]; ok {
		delete(s.drafts, scriptID)
		s.mu.Unlock()
		return nil
	}
	script, ok := s.scripts[scriptID]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewNotFoundError(fmt.Sprintf("剧本不存在: %s", scriptID), nil)
	}
	ownerID := script.OwnerID
	delete(s.scripts, scriptID)
	s.mu.Unlock()

	return s.persistOwner(ctx, ownerID)
}

// Novelize 把剧本历史小说化
func (s *ScriptService) Novelize(ctx context.Context, scriptID string) (*Novelization, error) {
	script, err := s.Get(scriptID)
	if err != nil {
		return nil, err
	}
	return s.generation.NovelizeScript(ctx, script)
}

// persistOwner 把某个用户的已登记剧本收敛到scripts分区（草稿不落盘）
func (s *ScriptService) persistOwner(ctx context.Context, ownerID string) error {
	s.mu.RLock()
	var desired []storage.Record
	for _, script := range s.scripts {
		if script.OwnerID != ownerID {
			continue
		}
		rec, err := storage.NewRecord(script.ID, ownerID, script)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		desired = append(desired, rec)
	}
	s.mu.RUnlock()

	return s.store.Reconcile(ctx, storage.PartitionScripts, ownerID, desired)
}
