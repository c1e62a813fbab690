// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Draftsmith/ScriptForge/internal/api"
	"github.com/Draftsmith/ScriptForge/internal/config"
	"github.com/Draftsmith/ScriptForge/internal/di"
	"github.com/Draftsmith/ScriptForge/internal/services"
	"github.com/Draftsmith/ScriptForge/internal/storage"
	"github.com/Draftsmith/ScriptForge/internal/utils"
)

// HTTPServer 抽象HTTP服务器，测试时可替换为模拟实现
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 管理应用生命周期：配置加载、服务装配与HTTP服务
type App struct {
	config   *config.AppConfig
	router   http.Handler
	server   HTTPServer
	stopChan chan os.Signal
}

// 全局应用实例
var instance *App

// GetApp 获取应用单例
func GetApp() *App {
	if instance == nil {
		instance = &App{
			stopChan: make(chan os.Signal, 1),
		}
	}
	return instance
}

// Initialize 完成启动前的全部准备：日志、服务、路由
func (a *App) Initialize() error {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return fmt.Errorf("配置尚未加载")
	}
	a.config = cfg

	if err := initLogger(cfg.LogDir); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}

	if err := InitServices(); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	router, err := api.SetupRouter()
	if err != nil {
		return fmt.Errorf("装配路由失败: %w", err)
	}
	a.router = router

	return nil
}

// initLogger 按日期拆分日志文件
func initLogger(logDir string) error {
	if logDir == "" {
		logDir = "logs"
	}
	logFile := filepath.Join(logDir,
		fmt.Sprintf("scriptforge_%s.log", time.Now().Format("2006-01-02")))
	return utils.InitLogger(logFile)
}

// InitServices 装配全部服务并注册到DI容器。
// 注册顺序遵循依赖方向：存储、LLM、引擎、会话编排
func InitServices() error {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return fmt.Errorf("配置尚未加载")
	}

	container := di.GetContainer()
	logger := utils.GetLogger()

	// 存储层
	fileStorage, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化文件存储失败: %w", err)
	}
	container.Register("storage", fileStorage)

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("初始化会话数据库失败: %w", err)
	}
	container.Register("store", store)

	// LLM服务，未配置密钥时以待命状态运行
	llmService, err := services.NewLLMService()
	if err != nil {
		logger.Warn("LLM服务初始化失败，进入待命模式", map[string]interface{}{
			"error": err.Error(),
		})
		llmService = services.NewEmptyLLMService()
	}
	container.Register("llm", llmService)

	// 用量统计
	statsService := services.NewStatsService(cfg.DataDir)
	llmService.SetUsageTracker(statsService)
	container.Register("stats", statsService)

	// 模型路由
	routingService, err := services.NewModelRoutingService(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化模型路由失败: %w", err)
	}
	container.Register("routing", routingService)

	// 环节引擎
	engine := services.NewStepEngine(llmService, routingService)
	container.Register("engine", engine)

	// 参考资料与导出
	contextService := services.NewContextService(fileStorage)
	container.Register("context", contextService)

	exportService := services.NewExportService(fileStorage)
	container.Register("export", exportService)

	// 进度与会话锁
	progressService := services.NewProgressService()
	container.Register("progress", progressService)

	locks := services.NewLockManager()
	container.Register("locks", locks)

	// 会话编排
	conversationService := services.NewConversationService(
		store, engine, contextService, exportService, progressService, locks)
	container.Register("conversation", conversationService)

	// 配置服务，LLM服务订阅配置变更以热切换提供商
	configService := services.NewConfigService()
	configService.SubscribeToChanges(&llmConfigReloader{llm: llmService})
	configService.StartCacheRefresher(30 * time.Second)
	container.Register("config", configService)

	logger.Info("服务初始化完成", map[string]interface{}{
		"services": container.GetNames(),
	})
	return nil
}

// llmConfigReloader 监听配置变更并热切换LLM提供商
type llmConfigReloader struct {
	llm *services.LLMService
}

func (r *llmConfigReloader) OnConfigChanged(oldConfig, newConfig *config.AppConfig) {
	if newConfig == nil {
		return
	}

	providerChanged := oldConfig == nil || oldConfig.LLMProvider != newConfig.LLMProvider
	keyChanged := oldConfig == nil || oldConfig.LLMConfig["api_key"] != newConfig.LLMConfig["api_key"]
	modelChanged := oldConfig == nil || oldConfig.LLMConfig["model"] != newConfig.LLMConfig["model"]
	if !providerChanged && !keyChanged && !modelChanged {
		return
	}

	if err := r.llm.UpdateProvider(newConfig.LLMProvider, newConfig.LLMConfig); err != nil {
		utils.GetLogger().Error("配置变更后切换LLM提供商失败", map[string]interface{}{
			"provider": newConfig.LLMProvider,
			"error":    err.Error(),
		})
		return
	}

	utils.GetLogger().Info("LLM提供商已随配置变更切换", map[string]interface{}{
		"provider": newConfig.LLMProvider,
	})
}

// ReinitializeLLMService 配置更新后刷新LLM服务。
// 原地更新提供商，持有该服务指针的组件无需重建
func ReinitializeLLMService() error {
	container := di.GetContainer()

	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		return fmt.Errorf("LLM服务未正确初始化")
	}

	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return fmt.Errorf("配置尚未加载")
	}

	return llmService.UpdateProvider(cfg.LLMProvider, cfg.LLMConfig)
}

// Run 启动HTTP服务并阻塞等待退出信号
func (a *App) Run() error {
	if a.config == nil {
		a.config = config.GetCurrentConfig()
	}
	if a.server == nil {
		port := "8080"
		if a.config != nil && a.config.Port != "" {
			port = a.config.Port
		}
		a.server = &http.Server{
			Addr:    ":" + port,
			Handler: a.router,
		}
	}

	signal.Notify(a.stopChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case sig := <-a.stopChan:
		utils.GetLogger().Info("收到退出信号，开始关闭", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := a.server.Shutdown(ctx)
	a.cleanup()
	if err != nil {
		return fmt.Errorf("关闭HTTP服务失败: %w", err)
	}
	return nil
}

// cleanup 释放各服务持有的资源
func (a *App) cleanup() {
	container := di.GetContainer()
	logger := utils.GetLogger()

	if configService, ok := container.Get("config").(*services.ConfigService); ok {
		configService.StopCacheRefresher()
	}

	if statsService, ok := container.Get("stats").(*services.StatsService); ok {
		if err := statsService.Close(); err != nil {
			logger.Warn("关闭统计服务失败", map[string]interface{}{"error": err.Error()})
		}
	}

	if locks, ok := container.Get("locks").(*services.LockManager); ok {
		locks.Stop()
	}

	if store, ok := container.Get("store").(*storage.SQLiteStore); ok {
		if err := store.Close(); err != nil {
			logger.Warn("关闭会话数据库失败", map[string]interface{}{"error": err.Error()})
		}
	}

	if fileStorage, ok := container.Get("storage").(*storage.FileStorage); ok {
		fileStorage.Close()
	}

	logger.Info("资源清理完成", nil)
}

// Close 释放资源，供不经过Run的入口（如命令行客户端）使用
func (a *App) Close() {
	a.cleanup()
}

// GetConfig 返回应用配置
func (a *App) GetConfig() *config.AppConfig {
	return a.config
}

// GetDIContainer 返回DI容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 判断是否处于调试模式
func IsDebugMode() bool {
	cfg := config.GetCurrentConfig()
	return cfg != nil && cfg.DebugMode
}
