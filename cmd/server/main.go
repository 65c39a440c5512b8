// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Corphon/StoryDirectorMCP/internal/api"
	"github.com/Corphon/StoryDirectorMCP/internal/app"
	"github.com/Corphon/StoryDirectorMCP/internal/config"
	"github.com/Corphon/StoryDirectorMCP/internal/utils"
	"github.com/gin-gonic/gin"
)

func main() {
	log.Println("🚀 启动 StoryDirectorMCP 服务器...")

	// 1. 加载配置（环境变量 + 持久化设置）
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := config.LoadSettings(cfg); err != nil {
		log.Printf("⚠️ 读取持久化设置失败: %v", err)
	}
	log.Printf("✅ 配置加载完成，端口: %s，提供商: %s", cfg.Port, cfg.ActiveProvider)

	// 2. 初始化日志
	if err := utils.InitLogger(filepath.Join(cfg.LogDir, "storydirector.log")); err != nil {
		log.Printf("⚠️ 初始化日志文件失败: %v", err)
	}
	if cfg.DebugMode {
		utils.GetLogger().SetLogLevel(utils.DEBUG)
	}

	// 3. 初始化所有服务（按依赖顺序）
	if err := app.InitServices(context.Background(), cfg); err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	log.Println("✅ 所有服务初始化完成")

	// 4. 设置路由
	router, err := api.SetupRouter(cfg)
	if err != nil {
		log.Fatalf("❌ 设置路由失败: %v", err)
	}
	log.Println("✅ 路由设置完成")

	// 5. 启动服务器
	log.Printf("🌐 服务器启动在端口 %s", cfg.Port)
	log.Printf("🔗 访问地址: http://localhost:%s", cfg.Port)

	setupGracefulShutdown(router, cfg.Port)
}

// 优雅关闭：先停HTTP，再停调度与存储
func setupGracefulShutdown(router *gin.Engine, port string) {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ 启动服务器失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("❌ 服务器强制关闭: %v", err)
	}

	app.Shutdown()
	log.Println("✅ 服务器优雅关闭完成")
}
