// cmd/server/main.go
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Draftsmith/ScriptForge/internal/app"
	"github.com/Draftsmith/ScriptForge/internal/config"
	"github.com/Draftsmith/ScriptForge/internal/services"
)

func main() {
	fmt.Println("🚀 正在启动 ScriptForge...")

	// 1. 加载环境配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}

	// 2. 创建必要目录
	if err := createDirectories(cfg); err != nil {
		log.Fatalf("❌ 创建数据目录失败: %v", err)
	}

	// 3. 初始化配置管理器
	if err := config.InitConfig(cfg.DataDir); err != nil {
		log.Fatalf("❌ 初始化配置管理器失败: %v", err)
	}

	// 4. 装配日志、服务与路由
	application := app.GetApp()
	if err := application.Initialize(); err != nil {
		log.Fatalf("❌ 初始化应用失败: %v", err)
	}

	// 5. 启动前健康检查
	performHealthCheck()

	fmt.Printf("🌐 HTTP服务监听端口: %s\n", cfg.Port)
	fmt.Printf("🔗 WebSocket地址: ws://localhost:%s/ws/conversation/{id}\n", cfg.Port)
	fmt.Println("✅ ScriptForge 已就绪，按 Ctrl+C 退出")

	if err := application.Run(); err != nil {
		log.Fatalf("❌ 服务器运行失败: %v", err)
	}

	fmt.Println("🛑 ScriptForge 已关闭")
}

// createDirectories 确保数据、日志与导出目录存在
func createDirectories(cfg *config.Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.LogDir,
		filepath.Join(cfg.DataDir, "exports"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录%s失败: %w", dir, err)
		}
	}
	return nil
}

// performHealthCheck 校验关键服务，LLM未就绪只提示不阻塞启动
func performHealthCheck() {
	container := app.GetDIContainer()

	critical := []string{"store", "conversation", "engine", "export"}
	for _, name := range critical {
		if !container.Has(name) {
			log.Fatalf("❌ 关键服务 %s 未初始化", name)
		}
	}

	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		log.Fatalf("❌ LLM服务未初始化")
	}

	if ready, state := llmService.GetProviderStatus(); !ready {
		fmt.Printf("⚠️  LLM服务未就绪: %s\n", state)
		fmt.Println("   可通过 POST /api/settings 配置API密钥，或设置环境变量后重启")
	} else {
		fmt.Printf("✅ LLM提供商就绪: %s\n", llmService.GetProviderName())
	}
}
