// internal/api/router.go
package api

import (
	"fmt"
	"net/http"

	"github.com/Corphon/StoryDirectorMCP/internal/config"
	"github.com/Corphon/StoryDirectorMCP/internal/di"
	"github.com/Corphon/StoryDirectorMCP/internal/services"
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置HTTP路由
// 只从容器获取服务，不创建新实例
func SetupRouter(cfg *config.Config) (*gin.Engine, error) {
	container := di.GetContainer()

	userService, ok := container.Get("user").(*services.UserService)
	if !ok {
		return nil, fmt.Errorf("用户服务未正确初始化")
	}
	characterService, ok := container.Get("character").(*services.CharacterService)
	if !ok {
		return nil, fmt.Errorf("角色服务未正确初始化")
	}
	scriptService, ok := container.Get("script").(*services.ScriptService)
	if !ok {
		return nil, fmt.Errorf("剧本服务未正确初始化")
	}
	chatService, ok := container.Get("chat").(*services.ChatService)
	if !ok {
		return nil, fmt.Errorf("聊天服务未正确初始化")
	}
	directorService, ok := container.Get("director").(*services.DirectorService)
	if !ok {
		return nil, fmt.Errorf("调度服务未正确初始化")
	}
	generationService, ok := container.Get("generation").(*services.GenerationService)
	if !ok {
		return nil, fmt.Errorf("生成服务未正确初始化")
	}

	hub := NewHub()
	go hub.Run(directorService.Events())

	handler := NewHandler(userService, characterService, scriptService,
		chatService, directorService, generationService, cfg, hub)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// WebSocket 事件流
	r.GET("/ws", handler.EventsWebSocket)

	apiGroup := r.Group("/api")
	{
		// 用户
		apiGroup.POST("/users", handler.EnsureUser)
		apiGroup.GET("/users/:id", handler.GetUser)
		apiGroup.PUT("/users/:id/preferences", handler.UpdatePreferences)

		// 角色库
		apiGroup.POST("/characters", handler.CreateCharacter)
		apiGroup.GET("/characters", handler.ListCharacters)
		apiGroup.GET("/characters/:id", handler.GetCharacter)
		apiGroup.PUT("/characters/:id", handler.UpdateCharacter)
		apiGroup.DELETE("/characters/:id", handler.DeleteCharacter)
		apiGroup.POST("/characters/:id/complete-profile", handler.CompleteCharacterProfile)
		apiGroup.POST("/characters/:id/evolve", handler.EvolveCharacter)

		// 剧本
		apiGroup.POST("/scripts", handler.CreateBlueprint)
		apiGroup.GET("/scripts", handler.ListScripts)
		apiGroup.GET("/scripts/:id", handler.GetScript)
		apiGroup.DELETE("/scripts/:id", handler.DeleteScript)
		apiGroup.POST("/scripts/:id/plot-points", handler.AddPlotPoint)
		apiGroup.PUT("/scripts/:id/plot-points/:index", handler.UpdatePlotPoint)
		apiGroup.DELETE("/scripts/:id/plot-points/:index", handler.RemovePlotPoint)
		apiGroup.POST("/scripts/:id/plot-points/generate", handler.GeneratePlotPoint)
		apiGroup.POST("/scripts/:id/start", handler.StartPerformance)
		apiGroup.POST("/scripts/:id/pause", handler.PausePerformance)
		apiGroup.POST("/scripts/:id/resume", handler.ResumePerformance)
		apiGroup.POST("/scripts/:id/advance", handler.AdvancePlot)
		apiGroup.POST("/scripts/:id/director-command", handler.DirectorCommand)
		apiGroup.GET("/scripts/:id/novelize", handler.NovelizeScript)
		apiGroup.POST("/refine", handler.RefineText)

		// 自由聊天
		apiGroup.POST("/chats", handler.CreateChat)
		apiGroup.GET("/chats", handler.ListChats)
		apiGroup.GET("/chats/:id", handler.GetChat)
		apiGroup.POST("/chats/:id/messages", handler.SendChatMessage)
		apiGroup.DELETE("/chats/:id", handler.DeleteChat)

		// 设置
		apiGroup.GET("/settings", handler.GetSettings)
		apiGroup.PUT("/settings", handler.UpdateSettings)
	}

	return r, nil
}
