// cmd/cli/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/Draftsmith/ScriptForge/internal/app"
	"github.com/Draftsmith/ScriptForge/internal/config"
	"github.com/Draftsmith/ScriptForge/internal/di"
	"github.com/Draftsmith/ScriptForge/internal/models"
	"github.com/Draftsmith/ScriptForge/internal/services"
	"github.com/Draftsmith/ScriptForge/internal/utils"
)

var scanner = bufio.NewScanner(os.Stdin)

// lastList 最近一次list展示的会话，open命令按编号引用
var lastList []models.ConversationSummary

func main() {
	fmt.Println("🎬 ScriptForge 命令行客户端")
	fmt.Println("   与脚本创作助手对话，逐段打磨你的视频脚本")
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}

	for _, dir := range []string{cfg.DataDir, cfg.LogDir, filepath.Join(cfg.DataDir, "exports")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("❌ 创建目录%s失败: %v", dir, err)
		}
	}

	if err := config.InitConfig(cfg.DataDir); err != nil {
		log.Fatalf("❌ 初始化配置管理器失败: %v", err)
	}

	// 服务日志写入文件，避免干扰对话输出
	if err := utils.InitLogger(filepath.Join(cfg.LogDir, "scriptforge_cli.log")); err != nil {
		log.Fatalf("❌ 初始化日志失败: %v", err)
	}

	if err := app.InitServices(); err != nil {
		log.Fatalf("❌ 初始化服务失败: %v", err)
	}
	defer app.GetApp().Close()

	container := di.GetContainer()
	conversationService := container.Get("conversation").(*services.ConversationService)
	progressService := container.Get("progress").(*services.ProgressService)

	ensureLLMReady(container)

	currentID := chooseConversation(conversationService)
	printHelp()

	for {
		input := getUserInput("💬 > ")

		switch strings.ToLower(input) {
		case "":
			continue
		case "exit", "quit":
			fmt.Println("👋 再见，创作愉快！")
			return
		case "help":
			printHelp()
			continue
		case "list":
			showConversations(conversationService)
			continue
		}

		if strings.HasPrefix(strings.ToLower(input), "open ") {
			currentID = openConversation(strings.TrimSpace(input[5:]), currentID)
			continue
		}

		currentID = sendMessage(conversationService, progressService, currentID, input)
	}
}

// getUserInput 读取一行输入，EOF时视为退出
func getUserInput(prompt string) string {
	fmt.Print(prompt)
	if !scanner.Scan() {
		fmt.Println()
		return "exit"
	}
	return strings.TrimSpace(scanner.Text())
}

// getUserInputWithDefault 读取一行输入，空输入返回默认值
func getUserInputWithDefault(prompt, defaultValue string) string {
	if defaultValue != "" {
		prompt = fmt.Sprintf("%s [%s]: ", prompt, defaultValue)
	} else {
		prompt = prompt + ": "
	}
	input := getUserInput(prompt)
	if input == "" || input == "exit" {
		return defaultValue
	}
	return input
}

// ensureLLMReady 检查LLM就绪状态，未配置时引导输入API密钥
func ensureLLMReady(container *di.Container) {
	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		log.Fatalf("❌ LLM服务未初始化")
	}

	if llmService.IsReady() {
		fmt.Printf("✅ LLM提供商就绪: %s\n\n", llmService.GetProviderName())
		return
	}

	_, state := llmService.GetProviderStatus()
	fmt.Printf("⚠️  LLM服务未就绪: %s\n", state)

	answer := getUserInput("现在配置API密钥吗? (y/N): ")
	if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
		fmt.Println("ℹ️  跳过配置，生成指令将在配置密钥后可用")
		fmt.Println()
		return
	}

	currentProvider := config.GetCurrentConfig().LLMProvider
	provider := getUserInputWithDefault("提供商 (openai/anthropic/deepseek/google)", currentProvider)

	fmt.Print("API密钥 (输入不回显): ")
	keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil || len(keyBytes) == 0 {
		fmt.Println("❌ 未读取到密钥，跳过配置")
		fmt.Println()
		return
	}

	llmConfig := map[string]string{"api_key": string(keyBytes)}
	if model := getUserInputWithDefault("默认模型 (回车使用内置默认)", ""); model != "" {
		llmConfig["model"] = model
	}

	if err := config.UpdateLLMConfig(provider, llmConfig); err != nil {
		fmt.Printf("❌ 保存配置失败: %v\n\n", err)
		return
	}
	if err := app.ReinitializeLLMService(); err != nil {
		fmt.Printf("❌ 切换LLM提供商失败: %v\n\n", err)
		return
	}

	fmt.Printf("✅ 配置完成，当前提供商: %s\n\n", provider)
}

// chooseConversation 展示已有会话，支持按编号继续，回车开启新会话
func chooseConversation(conversationService *services.ConversationService) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	summaries, err := conversationService.ListConversations(ctx)
	if err != nil || len(summaries) == 0 {
		fmt.Println("📭 还没有历史会话，直接输入你的想法开始创作")
		return ""
	}

	lastList = summaries
	printSummaries(summaries)

	input := getUserInput("输入编号继续会话，回车新建: ")
	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(summaries) {
		chosen := summaries[n-1]
		fmt.Printf("📂 继续会话: %s\n\n", summaryTitle(chosen))
		return chosen.ID
	}
	fmt.Println("🆕 开启新会话")
	return ""
}

// showConversations 列出全部会话供open命令引用
func showConversations(conversationService *services.ConversationService) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	summaries, err := conversationService.ListConversations(ctx)
	if err != nil {
		fmt.Printf("❌ 获取会话列表失败: %v\n", err)
		return
	}
	if len(summaries) == 0 {
		fmt.Println("📭 还没有历史会话")
		return
	}

	lastList = summaries
	printSummaries(summaries)
	fmt.Println("用 open <编号> 切换会话")
}

func printSummaries(summaries []models.ConversationSummary) {
	fmt.Println("📚 历史会话:")
	for i, sum := range summaries {
		fmt.Printf("  %d. %s  [阶段: %s | 状态: %s | 更新: %s]\n",
			i+1, summaryTitle(sum), sum.Phase, sum.Status,
			sum.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

func summaryTitle(sum models.ConversationSummary) string {
	if sum.Title != "" {
		return sum.Title
	}
	if sum.Topic != "" {
		return sum.Topic
	}
	return sum.ID
}

// openConversation 按最近list的编号切换当前会话
func openConversation(arg, currentID string) string {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(lastList) {
		fmt.Println("❌ 无效编号，先用 list 查看会话列表")
		return currentID
	}
	chosen := lastList[n-1]
	fmt.Printf("📂 已切换到: %s\n", summaryTitle(chosen))
	return chosen.ID
}

// sendMessage 发送一条输入并打印回复，返回（可能新建的）会话ID
func sendMessage(conversationService *services.ConversationService,
	progressService *services.ProgressService, conversationID, input string) string {

	timeout := 120 * time.Second
	if cfg := config.GetCurrentConfig(); cfg != nil && cfg.RequestTimeout > 0 {
		timeout = time.Duration(cfg.RequestTimeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 生成类指令的进度在回复到达前逐行打印
	stopWatch := make(chan struct{})
	if conversationID != "" {
		go watchProgress(progressService, conversationID, stopWatch)
	}

	reply, err := conversationService.HandleMessage(ctx, services.ChatRequest{
		ConversationID: conversationID,
		Message:        input,
	})
	close(stopWatch)

	if err != nil {
		fmt.Printf("❌ %v\n\n", err)
		return conversationID
	}

	fmt.Println()
	fmt.Println(reply.Response)
	fmt.Println()
	return reply.ConversationID
}

// watchProgress 转发当前会话的生成进度到终端
func watchProgress(progressService *services.ProgressService, conversationID string, stop <-chan struct{}) {
	deadline := time.Now().Add(2 * time.Second)
	var tracker *services.ProgressTracker
	for {
		if t, ok := progressService.GetTracker(conversationID); ok {
			tracker = t
			break
		}
		if time.Now().After(deadline) {
			return
		}
		select {
		case <-stop:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	for {
		select {
		case <-stop:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			switch update.Status {
			case services.ProgressRunning:
				fmt.Printf("⏳ [%s] %d%% %s\n", update.Stage, update.Progress, update.Message)
			case services.ProgressCompleted:
				fmt.Printf("✅ [%s] %s\n", update.Stage, update.Message)
				return
			case services.ProgressFailed:
				fmt.Printf("❌ [%s] %s\n", update.Stage, update.Message)
				return
			}
		}
	}
}

func printHelp() {
	fmt.Println("─────────────────────────────────────────────")
	fmt.Println("直接输入想法即可对话，或使用以下指令:")
	fmt.Println("  hook / story / cta     生成对应脚本段落的候选")
	fmt.Println("  research / critique    调研主题、批评当前脚本")
	fmt.Println("  review / humanize      整体评审、口语化润色")
	fmt.Println("  style <描述>           设定语气风格")
	fmt.Println("  edit <目标>            修改指定段落")
	fmt.Println("  1/2/3...               选择候选项，more 换一批")
	fmt.Println("  status                 查看创作进度")
	fmt.Println("  export [markdown|txt|html|json]  导出脚本")
	fmt.Println("  list / open <编号>     查看、切换会话")
	fmt.Println("  help / exit            帮助、退出")
	fmt.Println("─────────────────────────────────────────────")
	fmt.Println()
}
