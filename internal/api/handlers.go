// internal/api/handlers.go
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Corphon/StoryDirectorMCP/internal/config"
	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
	"github.com/Corphon/StoryDirectorMCP/internal/models"
	"github.com/Corphon/StoryDirectorMCP/internal/services"
	"github.com/gin-gonic/gin"
)

// Handler API处理器
type Handler struct {
	Users      *services.UserService
	Characters *services.CharacterService
	Scripts    *services.ScriptService
	Chats      *services.ChatService
	Director   *services.DirectorService
	Generation *services.GenerationService
	Config     *config.Config
	Hub        *Hub
}

// NewHandler 创建API处理器
func NewHandler(users *services.UserService, characters *services.CharacterService,
	scripts *services.ScriptService, chats *services.ChatService,
	director *services.DirectorService, generation *services.GenerationService,
	cfg *config.Config, hub *Hub) *Handler {
	return &Handler{
		Users:      users,
		Characters: characters,
		Scripts:    scripts,
		Chats:      chats,
		Director:   director,
		Generation: generation,
		Config:     cfg,
		Hub:        hub,
	}
}

// statusForError 把错误分类映射为HTTP状态码
func statusForError(err error) int {
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrorTypeMissingCredential:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{
		"success": false,
		"error":   err.Error(),
		"type":    string(apperrors.TypeOf(err)),
	})
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// ===============================
// 用户
// ===============================

func (h *Handler) EnsureUser(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("请求格式错误", err))
		return
	}
	user, err := h.Users.EnsureUser(c.Request.Context(), req.Username)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, user)
}

func (h *Handler) GetUser(c *gin.Context) {
	user, err := h.Users.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, user)
}

func (h *Handler) UpdatePreferences(c *gin.Context) {
	var prefs models.UserPreferences
	if err := c.ShouldBindJSON(&prefs); err != nil {
		respondError(c, apperrors.NewValidationError("请求格式错误", err))
		return
	}
	user, err := h.Users.UpdatePreferences(c.Request.Context(), c.Param("id"), prefs)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, user)
}

// ===============================
// 角色库
// ===============================

func (h *Handler) CreateCharacter(c *gin.Context) {
	var req struct {
		OwnerID   string                 `json:"owner_id" binding:"required"`
		Character models.GlobalCharacter `json:"character"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("请求格式错误", err))
		return
	}
	ch, err := h.Characters.Create(c.Request.Context(), req.OwnerID, req.Character)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, ch)
}

func (h *Handler) ListCharacters(c *gin.Context) {
	respondOK(c, h.Characters.List(c.Query("owner_id")))
}

func (h *Handler) GetCharacter(c *gin.Context) {
	ch, err := h.Characters.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, ch)
}

func (h *Handler) UpdateCharacter(c *gin.Context) {
	var updated models.GlobalCharacter
	if err := c.ShouldBindJSON(&updated); err != nil {
		respondError(c, apperrors.NewValidationError("请求格式错误", err))
		return
	}
	ch, err := h.Characters.Update(c.Request.Context(), c.Param("id"), updated)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, ch)
}

func (h *Handler) DeleteCharacter(c *gin.Context) {
	if err := h.Characters.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

func (h *Handler) CompleteCharacterProfile(c *gin.Context) {
	ch, err := h.Characters.CompleteProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, ch)
}

func (h *Handler) EvolveCharacter(c *gin.Context) {
	var req struct {
		ScriptID string `json:"script_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("请求格式错误", err))
		return
	}
	script, err := h.Scripts.Get(req.ScriptID)
	if err != nil {
		respondError(c, err)
		return
	}
	ch, err := h.Characters.EvolveFromScript(c.Request.Context(), c.Param("id"), script)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, ch)
}

// ===============================
// 剧本
// ===============================

func (h *Handler) CreateBlueprint(c *gin.Context) {
	var req struct {
		OwnerID string   `json:"owner_id" binding:"required"`
		Premise string   `json:"premise" binding:"required"`
		CastIDs []string `json:"cast_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("请求格式错误", err))
		return
	}
	script, err := h.Scripts.CreateBlueprint(c.Request.Context(), req.OwnerID, req.Premise, req.CastIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, script)
}

func (h *Handler) ListScripts(c *gin.Context) {
	respondOK(c, h.Scripts.List(c.Query("owner_id")))
}

func (h *Handler) GetScript(c *gin.Context) {
	script, err := h.Scripts.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, script)
}

func (h *Handler) DeleteScript(c *gin.Context) {
	scriptID := c.Param("id")
	if err := h.Scripts.Delete(c.Request.Context(), scriptID); err != nil {
		respondError(c, err)
		return
	}
	h.Director.Remove(scriptID)
	respondOK(c, nil)
}

func (h *Handler) AddPlotPoint(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("请求格式错误", err))
		return
	}
	script, err := h.Scripts.AddPlotPoint(c.Param("id"), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, script)
}

func (h *Handler) UpdatePlotPoint(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, apperrors.NewValidationError("情节点索引格式错误", err))
		return
	}
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("请求格式错误", err))
		return
	}
	script, err := h.Scripts.UpdatePlotPoint(c.Param("id"), index, req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, script)
}

func (h *Handler) RemovePlotPoint(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, apperrors.NewValidationError("情节点索引格式错误", err))
		return
	}
	script, err := h.Scripts.RemovePlotPoint(c.Param("id"), index)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, script)
}

func (h *Handler) GeneratePlotPoint(c *gin.Context) {
	script, err := h.Scripts.GenerateNextPlotPoint(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, script)
}

// pacingFor 解析演出节拍间隔：用户偏好优先，0回落到全局默认
func (h *Handler) pacingFor(script *models.Script) time.Duration {
	if user, err := h.Users.Get(script.OwnerID); err == nil && user.Preferences.PacingIntervalMs > 0 {
		return time.Duration(user.Preferences.PacingIntervalMs) * time.Millisecond
	}
	return 0
}

func (h *Handler) StartPerformance(c *gin.Context) {
	script, err := h.Scripts.StartPerformance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	h.Director.PlayWithPacing(script.ID, h.pacingFor(script))
	respondOK(c, script)
}

func (h *Handler) PausePerformance(c *gin.Context) {
	scriptID := c.Param("id")
	h.Director.Stop(scriptID)
	script, err := h.Scripts.Pause(c.Request.Context(), scriptID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, script)
}

func (h *Handler) ResumePerformance(c *gin.Context) {
	script, err := h.Scripts.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	h.Director.PlayWithPacing(script.ID, h.pacingFor(script))
	respondOK(c, script)
}

func (h *Handler) AdvancePlot(c *gin.Context) {
	script, err := h.Scripts.AdvancePlotIndex(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if script.Status == models.ScriptComplete {
		h.Director.Stop(script.ID)
	}
	respondOK(c, script)
}

// DirectorCommand 投递导演指令
// 指令驱动下一个节拍；rewrite_plot为真时还会重写未演出的大纲
func (h *Handler) DirectorCommand(c *gin.Context) {
	var req struct {
		Directive   string `json:"directive" binding:"required"`
		RewritePlot bool   `json:"rewrite_plot"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("请求格式错误", err))
		return
	}

	scriptID := c.Param("id")
	script, err := h.Scripts.Get(scriptID)
	if err != nil {
		respondError(c, err)
		return
	}

	if req.RewritePlot {
		script, err = h.Scripts.RewriteFuturePlot(c.Request.Context(), scriptID, req.Directive)
		if err != nil {
			respondError(c, err)
			return
		}
	}

	h.Director.PostCommand(scriptID, req.Directive)
	respondOK(c, script)
}

// RefineText 按指令改写一段自由文本（情节点、设定、台词皆可）
func (h *Handler) RefineText(c *gin.Context) {
	var req struct {
		Instruction string `json:"instruction" binding:"required"`
		Text        string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("请求格式错误", err))
		return
	}
	refined, err := h.Generation.RefineText(c.Request.Context(), req.Instruction, req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"text": refined})
}

func (h *Handler) NovelizeScript(c *gin.Context) {
	novel, err := h.Scripts.Novelize(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, novel)
}

// ===============================
// 自由聊天
// ===============================

func (h *Handler) CreateChat(c *gin.Context) {
	var req struct {
		OwnerID     string `json:"owner_id" binding:"required"`
		CharacterID string `json:"character_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("请求格式错误", err))
		return
	}
	ch, err := h.Characters.Get(req.CharacterID)
	if err != nil {
		respondError(c, err)
		return
	}
	session, err := h.Chats.CreateSession(c.Request.Context(), req.OwnerID, ch.Snapshot())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, session)
}

func (h *Handler) ListChats(c *gin.Context) {
	respondOK(c, h.Chats.ListSessions(c.Query("owner_id")))
}

func (h *Handler) GetChat(c *gin.Context) {
	session, err := h.Chats.GetSession(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, session)
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("请求格式错误", err))
		return
	}
	reply, err := h.Chats.SendMessage(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, reply)
}

func (h *Handler) DeleteChat(c *gin.Context) {
	if err := h.Chats.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

// ===============================
// 设置
// ===============================

func (h *Handler) GetSettings(c *gin.Context) {
	respondOK(c, gin.H{
		"active_provider": h.Generation.ProviderName(),
		"ready":           h.Generation.IsReady(),
	})
}

// UpdateSettings 切换提供商或更新凭据
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req struct {
		ActiveProvider string `json:"active_provider" binding:"required"`
		APIKey         string `json:"api_key"`
		BaseURL        string `json:"base_url"`
		DefaultModel   string `json:"default_model"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("请求格式错误", err))
		return
	}
	if req.ActiveProvider != config.ProviderGemini && req.ActiveProvider != config.ProviderOpenAI {
		respondError(c, apperrors.NewValidationError("不支持的提供商: "+req.ActiveProvider, nil))
		return
	}

	pc := h.Config.ProviderConfig[req.ActiveProvider]
	if pc == nil {
		pc = make(map[string]string)
		h.Config.ProviderConfig[req.ActiveProvider] = pc
	}
	if req.APIKey != "" {
		pc["api_key"] = req.APIKey
	}
	if req.BaseURL != "" {
		pc["base_url"] = req.BaseURL
	}
	if req.DefaultModel != "" {
		pc["default_model"] = req.DefaultModel
	}
	h.Config.ActiveProvider = req.ActiveProvider

	if err := h.Generation.UpdateProvider(req.ActiveProvider, pc); err != nil {
		respondError(c, apperrors.NewMissingCredentialError(err.Error()))
		return
	}
	if err := config.SaveSettings(h.Config); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"active_provider": req.ActiveProvider, "ready": true})
}
