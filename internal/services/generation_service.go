// internal/services/generation_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/StoryDirectorMCP/internal/config"
	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
	"github.com/Corphon/StoryDirectorMCP/internal/llm"
	"github.com/Corphon/StoryDirectorMCP/internal/models"
	"github.com/Corphon/StoryDirectorMCP/internal/utils"

	_ "github.com/Corphon/StoryDirectorMCP/internal/llm/providers/gemini"
	_ "github.com/Corphon/StoryDirectorMCP/internal/llm/providers/openai"
)

// 每类调用的固定超时
const (
	structuredTimeout = 30 * time.Second
	chatTimeout       = 60 * time.Second
)

// 生成意图，用于指标与日志
const (
	intentBlueprint     = "blueprint"
	intentNextPlotPoint = "next_plot_point"
	intentNextBeat      = "next_beat"
	intentProfile       = "character_profile"
	intentEvolution     = "character_evolution"
	intentRefinement    = "refinement"
	intentNovelization  = "novelization"
	intentFuturePlot    = "regenerate_future_plot"
	intentFreeChat      = "free_chat"
)

// GenerationService 提供统一的故事生成调用接口
// 隐藏提供商差异：结构化schema提供商与纯聊天提供商都经过同一个规范化层
type GenerationService struct {
	providerMutex sync.RWMutex
	provider      llm.Provider
	providerName  string
	isReady       bool
	readyState    string

	retryBudget    int
	retryBaseDelay time.Duration
	metrics        *utils.EngineMetrics
}

// NewGenerationService 根据配置创建生成服务
// 缺少API密钥不阻止构造，调用时返回 missing_credential
func NewGenerationService(cfg *config.Config) *GenerationService {
	s := &GenerationService{
		retryBudget:    cfg.RetryBudget,
		retryBaseDelay: cfg.RetryBaseDelay,
		metrics:        utils.NewEngineMetrics(),
	}
	if err := s.UpdateProvider(cfg.ActiveProvider, cfg.ProviderConfig[cfg.ActiveProvider]); err != nil {
		utils.GetLogger().Warn("生成提供商未就绪", map[string]interface{}{
			"provider": cfg.ActiveProvider,
			"err":      err.Error(),
		})
	}
	return s
}

// UpdateProvider 切换或重新初始化提供商
func (s *GenerationService) UpdateProvider(name string, providerConfig map[string]string) error {
	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	provider, err := llm.GetProvider(name, providerConfig)
	if err != nil {
		s.isReady = false
		s.readyState = err.Error()
		return err
	}

	s.provider = provider
	s.providerName = name
	s.isReady = true
	s.readyState = "ready"
	return nil
}

// IsReady 返回提供商是否可用
func (s *GenerationService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.isReady
}

// ProviderName 返回当前提供商名称
func (s *GenerationService) ProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// Provider 返回当前提供商实例（媒体服务用来探测可选能力）
func (s *GenerationService) Provider() llm.Provider {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider
}

func (s *GenerationService) currentProvider() (llm.Provider, error) {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	if !s.isReady || s.provider == nil {
		return nil, apperrors.NewMissingCredentialError(
			fmt.Sprintf("生成服务未就绪: %s", s.readyState))
	}
	return s.provider, nil
}

// completeWithRetry 带超时竞速与有界重试的底层调用
//
// 每次尝试都在固定超时内竞速完成；仅限流与超时参与重试，
// 退避从 retryBaseDelay 开始逐次翻倍，其余错误立即向上传播。
func (s *GenerationService) completeWithRetry(ctx context.Context, intent string, req llm.CompletionRequest, timeout time.Duration) (*llm.CompletionResponse, error) {
	provider, err := s.currentProvider()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	var lastErr error
	delay := s.retryBaseDelay

	for attempt := 0; attempt <= s.retryBudget; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, apperrors.NewTimeoutError("等待重试时上下文取消", ctx.Err())
			}
			delay *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, callErr := provider.CompleteText(callCtx, req)
		cancel()

		if callErr == nil {
			s.metrics.RecordGeneration(s.ProviderName(), intent, time.Since(started), nil)
			return resp, nil
		}

		// 提供商未分类的截止超时也归入可重试的超时类
		if errors.Is(callErr, context.DeadlineExceeded) {
			callErr = apperrors.NewTimeoutError("生成调用超时", callErr)
		}

		if !apperrors.IsRetryable(callErr) {
			s.metrics.RecordGeneration(s.ProviderName(), intent, time.Since(started), callErr)
			return nil, callErr
		}
		lastErr = callErr
		utils.GetLogger().Warn("生成调用失败，准备重试", map[string]interface{}{
			"intent":  intent,
			"attempt": attempt + 1,
			"err":     callErr.Error(),
		})
	}

	s.metrics.RecordGeneration(s.ProviderName(), intent, time.Since(started), lastErr)
	return nil, lastErr
}

// generateStructured 发起结构化生成并把结果宽松解码到out
// out应预先填好回退值：响应畸形时out保持回退值，调用依然成功
func (s *GenerationService) generateStructured(ctx context.Context, intent, systemPrompt, prompt string, schema map[string]interface{}, out interface{}) error {
	structuredSystemPrompt := systemPrompt
	if structuredSystemPrompt != "" {
		structuredSystemPrompt += "\n\n"
	}
	structuredSystemPrompt += "Return your response in valid JSON format, following the provided output schema, without adding explanations or preambles."
	if schemaJSON, err := json.Marshal(schema); err == nil {
		structuredSystemPrompt += "\nOutput schema: " + string(schemaJSON)
	}

	req := llm.CompletionRequest{
		Prompt:         prompt,
		SystemPrompt:   structuredSystemPrompt,
		Temperature:    0.7,
		ResponseSchema: schema,
	}

	resp, err := s.completeWithRetry(ctx, intent, req, structuredTimeout)
	if err != nil {
		return err
	}

	decodeLenient(resp.Text, out)
	return nil
}

// CreateChatCompletion 自由聊天补全（带工具声明），供聊天服务使用
func (s *GenerationService) CreateChatCompletion(ctx context.Context, systemPrompt string, messages []llm.Message, tools []llm.ToolDefinition) (*llm.CompletionResponse, error) {
	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Temperature:  0.9,
		Tools:        tools,
	}
	return s.completeWithRetry(ctx, intentFreeChat, req, chatTimeout)
}

// ----------------------------------------------------------------------
// 结构化输出类型

// ScriptBlueprint 剧本蓝图
type ScriptBlueprint struct {
	Title           string               `json:"title"`
	Setting         string               `json:"setting"`
	PlotPoints      []string             `json:"plot_points"`
	PossibleEndings []string             `json:"possible_endings"`
	Characters      []BlueprintCharacter `json:"characters"`
}

// BlueprintCharacter 蓝图中的角色描述
type BlueprintCharacter struct {
	Name              string `json:"name"`
	Role              string `json:"role"`
	Personality       string `json:"personality"`
	SpeakingStyle     string `json:"speaking_style"`
	VisualDescription string `json:"visual_description"`
}

// BeatDraft 一个待追加的故事节拍
type BeatDraft struct {
	CharacterName string `json:"character_name"` // 空或 "narrator" 表示旁白
	Type          string `json:"type"`           // dialogue / action / narration
	Content       string `json:"content"`
}

// CharacterProfile 角色档案补全结果
type CharacterProfile struct {
	Name              string `json:"name"`
	Role              string `json:"role"`
	Personality       string `json:"personality"`
	SpeakingStyle     string `json:"speaking_style"`
	VisualDescription string `json:"visual_description"`
	Gender            string `json:"gender"`
	Age               string `json:"age"`
}

// EvolutionSummary 一次演出后的角色成长总结
type EvolutionSummary struct {
	Summary     string   `json:"summary"`
	NewMemories []string `json:"new_memories"`
}

// NovelChapter 小说化输出的一章
type NovelChapter struct {
	Title string `json:"title"`
	Prose string `json:"prose"`
}

// Novelization 整部剧本的小说化结果
type Novelization struct {
	Chapters []NovelChapter `json:"chapters"`
}

// ----------------------------------------------------------------------
// schema 构建辅助：对象图仅含字符串/字符串数组字段

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func stringArrayProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"description": description,
	}
}

func objectSchema(properties map[string]interface{}, required []string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func objectArrayProp(item map[string]interface{}, description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       item,
		"description": description,
	}
}

// ----------------------------------------------------------------------
// 生成意图

// GenerateBlueprint 根据前提与已选角色生成剧本蓝图
func (s *GenerationService) GenerateBlueprint(ctx context.Context, premise string, cast []models.Character) (*ScriptBlueprint, error) {
	schema := objectSchema(map[string]interface{}{
		"title":            stringProp("An evocative title for the story"),
		"setting":          stringProp("Where and when the story takes place"),
		"plot_points":      stringArrayProp("5 to 8 plot points forming the outline"),
		"possible_endings": stringArrayProp("2 or 3 possible endings"),
		"characters": objectArrayProp(objectSchema(map[string]interface{}{
			"name":               stringProp("Character name"),
			"role":               stringProp("Narrative role, e.g. protagonist"),
			"personality":        stringProp("Core personality traits"),
			"speaking_style":     stringProp("How the character talks"),
			"visual_description": stringProp("Physical appearance"),
		}, []string{"name", "role", "personality"}), "The full cast"),
	}, []string{"title", "setting", "plot_points", "characters"})

	var castNames []string
	for _, c := range cast {
		castNames = append(castNames, fmt.Sprintf("%s (%s): %s", c.Name, c.Role, c.Personality))
	}

	prompt := fmt.Sprintf(
		"Create a story blueprint.\nPremise: %s\nExisting cast to include:\n%s",
		premise, strings.Join(castNames, "\n"))

	// 回退值：蓝图缺字段时仍能开场
	out := &ScriptBlueprint{
		Title:      "Untitled Story",
		Setting:    premise,
		PlotPoints: []string{"The story begins."},
	}
	if err := s.generateStructured(ctx, intentBlueprint,
		"You are a story architect designing an interactive drama.",
		prompt, schema, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateNextPlotPoint 为大纲追加一个AI建议的情节点
func (s *GenerationService) GenerateNextPlotPoint(ctx context.Context, script *models.Script) (string, error) {
	schema := objectSchema(map[string]interface{}{
		"plot_point": stringProp("The next plot point, one or two sentences"),
	}, []string{"plot_point"})

	prompt := fmt.Sprintf(
		"Story premise: %s\nSetting: %s\nOutline so far:\n%s\nPropose the next plot point.",
		script.Premise, script.Setting, strings.Join(script.PlotPoints, "\n"))

	out := &struct {
		PlotPoint string `json:"plot_point"`
	}{PlotPoint: "The stakes rise unexpectedly."}
	if err := s.generateStructured(ctx, intentNextPlotPoint,
		"You are a story architect extending an outline.", prompt, schema, out); err != nil {
		return "", err
	}
	return out.PlotPoint, nil
}

// GenerateNextBeat 生成朝向当前目标的下一个故事节拍
func (s *GenerationService) GenerateNextBeat(ctx context.Context, script *models.Script, goal string) (*BeatDraft, error) {
	schema := objectSchema(map[string]interface{}{
		"character_name": stringProp("Name of the speaking/acting character, or \"narrator\""),
		"type":           stringProp("One of: dialogue, action, narration"),
		"content":        stringProp("The beat text"),
	}, []string{"character_name", "type", "content"})

	prompt := fmt.Sprintf(
		"%s\n\nCurrent story goal: %s\nProduce exactly one next beat that moves the story toward the goal.",
		buildScriptContext(script), goal)

	out := &BeatDraft{
		CharacterName: models.NarratorID,
		Type:          string(models.MessageNarration),
		Content:       "The story presses on.",
	}
	if err := s.generateStructured(ctx, intentNextBeat,
		"You are the director of an unfolding turn-based drama. One beat at a time.",
		prompt, schema, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteCharacterProfile 补全角色档案的缺失字段
func (s *GenerationService) CompleteCharacterProfile(ctx context.Context, partial *models.GlobalCharacter) (*CharacterProfile, error) {
	schema := objectSchema(map[string]interface{}{
		"name":               stringProp("Character name"),
		"role":               stringProp("Narrative role"),
		"personality":        stringProp("Core personality traits"),
		"speaking_style":     stringProp("How the character talks"),
		"visual_description": stringProp("Physical appearance"),
		"gender":             stringProp("Gender, free text"),
		"age":                stringProp("Apparent age, free text"),
	}, []string{"name", "personality"})

	partialJSON, _ := json.Marshal(partial)
	prompt := fmt.Sprintf(
		"Complete the missing fields of this character profile, keeping existing values:\n%s",
		string(partialJSON))

	// 回退：保留已有字段
	out := &CharacterProfile{
		Name:              partial.Name,
		Role:              partial.Role,
		Personality:       partial.Personality,
		SpeakingStyle:     partial.SpeakingStyle,
		VisualDescription: partial.VisualDescription,
		Gender:            partial.Gender,
		Age:               partial.Age,
	}
	if err := s.generateStructured(ctx, intentProfile,
		"You are a character designer for interactive fiction.", prompt, schema, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SummarizeEvolution 总结角色在一次演出中的成长，产出新增记忆
func (s *GenerationService) SummarizeEvolution(ctx context.Context, ch *models.GlobalCharacter, script *models.Script) (*EvolutionSummary, error) {
	schema := objectSchema(map[string]interface{}{
		"summary":      stringProp("One paragraph on how the character changed"),
		"new_memories": stringArrayProp("2 to 5 first-person memory entries"),
	}, []string{"summary", "new_memories"})

	prompt := fmt.Sprintf(
		"Character: %s\nPersonality: %s\n\n%s\n\nSummarize what %s experienced and learned in this story.",
		ch.Name, ch.Personality, buildScriptContext(script), ch.Name)

	out := &EvolutionSummary{}
	if err := s.generateStructured(ctx, intentEvolution,
		"You maintain long-term memories for recurring story characters.",
		prompt, schema, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RefineText 按指令改写一段自由文本
func (s *GenerationService) RefineText(ctx context.Context, instruction, text string) (string, error) {
	schema := objectSchema(map[string]interface{}{
		"text": stringProp("The rewritten text"),
	}, []string{"text"})

	prompt := fmt.Sprintf("Instruction: %s\n\nText to rewrite:\n%s", instruction, text)

	out := &struct {
		Text string `json:"text"`
	}{Text: text} // 回退：保持原文
	if err := s.generateStructured(ctx, intentRefinement,
		"You are an editor refining story prose.", prompt, schema, out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// NovelizeScript 把剧本历史改写为小说章节
func (s *GenerationService) NovelizeScript(ctx context.Context, script *models.Script) (*Novelization, error) {
	schema := objectSchema(map[string]interface{}{
		"chapters": objectArrayProp(objectSchema(map[string]interface{}{
			"title": stringProp("Chapter title"),
			"prose": stringProp("Chapter prose"),
		}, []string{"title", "prose"}), "The novelized chapters"),
	}, []string{"chapters"})

	prompt := fmt.Sprintf(
		"%s\n\nRewrite this story as flowing novel prose, one chapter per plot point.",
		buildScriptContext(script))

	out := &Novelization{}
	if err := s.generateStructured(ctx, intentNovelization,
		"You are a novelist adapting a performed drama.", prompt, schema, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegenerateFuturePlot 按导演指令重写从当前情节点起的大纲
func (s *GenerationService) RegenerateFuturePlot(ctx context.Context, script *models.Script, directive string) ([]string, error) {
	schema := objectSchema(map[string]interface{}{
		"plot_points": stringArrayProp("Replacement plot points from the current point onward"),
	}, []string{"plot_points"})

	var past []string
	if script.CurrentPlotIndex > 0 && script.CurrentPlotIndex <= len(script.PlotPoints) {
		past = script.PlotPoints[:script.CurrentPlotIndex]
	}

	prompt := fmt.Sprintf(
		"%s\n\nPlot points already performed (keep them fixed):\n%s\n\nDirector's new direction: %s\nRewrite the remaining outline accordingly.",
		buildScriptContext(script), strings.Join(past, "\n"), directive)

	out := &struct {
		PlotPoints []string `json:"plot_points"`
	}{}
	if err := s.generateStructured(ctx, intentFuturePlot,
		"You are a story architect revising an outline mid-performance.",
		prompt, schema, out); err != nil {
		return nil, err
	}
	return out.PlotPoints, nil
}

// buildScriptContext 汇总剧本上下文供提示词使用，历史只取近段
func buildScriptContext(script *models.Script) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nPremise: %s\nSetting: %s\n", script.Title, script.Premise, script.Setting)

	if len(script.Characters) > 0 {
		b.WriteString("Cast:\n")
		for _, c := range script.Characters {
			fmt.Fprintf(&b, "- %s (%s): %s; speaks %s\n", c.Name, c.Role, c.Personality, c.SpeakingStyle)
		}
	}

	history := script.History
	const maxHistory = 20
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	if len(history) > 0 {
		b.WriteString("Recent story:\n")
		for _, msg := range history {
			name := msg.CharacterID
			if ch := script.CharacterByID(msg.CharacterID); ch != nil {
				name = ch.Name
			}
			fmt.Fprintf(&b, "[%s/%s] %s\n", name, msg.Type, msg.Content)
		}
	}
	return b.String()
}
