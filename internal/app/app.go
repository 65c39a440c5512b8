// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Corphon/StoryDirectorMCP/internal/config"
	"github.com/Corphon/StoryDirectorMCP/internal/di"
	"github.com/Corphon/StoryDirectorMCP/internal/services"
	"github.com/Corphon/StoryDirectorMCP/internal/storage"
	"github.com/Corphon/StoryDirectorMCP/internal/utils"
)

// InitServices 按依赖顺序初始化所有服务并注册到容器
//
// 顺序：存储（含旧存储迁移）-> 生成 -> 媒体 -> 角色 -> 剧本 -> 聊天 -> 调度
func InitServices(ctx context.Context, cfg *config.Config) error {
	container := di.GetContainer()
	logger := utils.GetLogger()

	// 1. 存储
	store, err := storage.Open(filepath.Join(cfg.DataDir, "storydirector.db"))
	if err != nil {
		return fmt.Errorf("初始化存储失败: %w", err)
	}
	container.Register("store", store)

	// 旧版扁平存储一次性迁移
	if err := storage.MigrateLegacy(ctx, store, cfg.DataDir); err != nil {
		return fmt.Errorf("旧存储迁移失败: %w", err)
	}

	// 2. 生成与媒体
	generationService := services.NewGenerationService(cfg)
	container.Register("generation", generationService)

	mediaService := services.NewMediaService(generationService)
	container.Register("media", mediaService)

	// 3. 领域服务
	userService, err := services.NewUserService(ctx, store)
	if err != nil {
		return fmt.Errorf("初始化用户服务失败: %w", err)
	}
	container.Register("user", userService)

	characterService, err := services.NewCharacterService(ctx, generationService, store)
	if err != nil {
		return fmt.Errorf("初始化角色服务失败: %w", err)
	}
	container.Register("character", characterService)

	scriptService, err := services.NewScriptService(ctx, generationService, characterService, store)
	if err != nil {
		return fmt.Errorf("初始化剧本服务失败: %w", err)
	}
	container.Register("script", scriptService)

	chatService, err := services.NewChatService(ctx, generationService, mediaService, store)
	if err != nil {
		return fmt.Errorf("初始化聊天服务失败: %w", err)
	}
	container.Register("chat", chatService)

	// 4. 演出调度
	directorService := services.NewDirectorService(generationService, scriptService, cfg.PacingInterval)
	container.Register("director", directorService)

	logger.Info("服务初始化完成", map[string]interface{}{
		"services": container.GetNames(),
		"provider": generationService.ProviderName(),
		"ready":    generationService.IsReady(),
	})
	return nil
}

// Shutdown 停止调度并关闭存储
func Shutdown() {
	container := di.GetContainer()
	logger := utils.GetLogger()

	if director, ok := container.Get("director").(*services.DirectorService); ok && director != nil {
		director.Shutdown()
	}
	if store, ok := container.Get("store").(*storage.Store); ok && store != nil {
		if err := store.Close(); err != nil {
			logger.Error("关闭存储失败", map[string]interface{}{"err": err.Error()})
		}
	}
	logger.Info("服务已关闭", nil)
}
