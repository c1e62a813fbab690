// internal/services/llm_service_test.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/Draftsmith/ScriptForge/internal/llm"
)

func TestStructuredCompletionShapesRequest(t *testing.T) {
	provider := &fakeProvider{
		complete: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Text: `{"answer": "yes"}`, ModelName: req.Model, TokensUsed: 12}, nil
		},
	}
	svc := newTestLLMService(provider)

	var out struct {
		Answer string `json:"answer"`
	}
	if err := svc.CreateStructuredCompletion(context.Background(), "Is water wet?", "You answer briefly.", &out); err != nil {
		t.Fatalf("结构化补全失败: %v", err)
	}
	if out.Answer != "yes" {
		t.Fatalf("Answer = %q, 期望 yes", out.Answer)
	}

	req := provider.lastCall(t)
	if req.Model != "fake-model" {
		t.Errorf("Model = %q, 期望回落到提供商支持列表的第一个", req.Model)
	}
	if req.Temperature != 0.3 {
		t.Errorf("Temperature = %v, 期望默认0.3", req.Temperature)
	}
	if req.Prompt != "Is water wet?" {
		t.Errorf("Prompt = %q", req.Prompt)
	}
	if !strings.HasPrefix(req.SystemPrompt, "You answer briefly.") {
		t.Errorf("系统提示应以调用方内容开头: %q", req.SystemPrompt)
	}
	if !strings.Contains(req.SystemPrompt, "Return your response in valid JSON format") {
		t.Errorf("系统提示缺少JSON格式约束: %q", req.SystemPrompt)
	}
}

func TestStructuredCompletionUsesCache(t *testing.T) {
	batch := 0
	provider := &fakeProvider{
		complete: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			batch++
			return &llm.CompletionResponse{Text: fmt.Sprintf(`{"n": %d}`, batch), ModelName: req.Model, TokensUsed: 5}, nil
		},
	}
	svc := newTestLLMService(provider)
	ctx := context.Background()

	var out struct {
		N int `json:"n"`
	}
	if err := svc.CreateStructuredCompletion(ctx, "count", "sys", &out); err != nil {
		t.Fatalf("首次调用失败: %v", err)
	}
	if err := svc.CreateStructuredCompletion(ctx, "count", "sys", &out); err != nil {
		t.Fatalf("二次调用失败: %v", err)
	}
	if got := provider.callCount(); got != 1 {
		t.Fatalf("相同输入应命中缓存，期望1次上游调用，实际%d次", got)
	}
	if out.N != 1 {
		t.Errorf("缓存命中应返回首批结果，得到 n=%d", out.N)
	}

	if err := svc.CreateStructuredCompletionWithOptions(ctx, "count", "sys", &out, StructuredOptions{SkipCache: true}); err != nil {
		t.Fatalf("SkipCache调用失败: %v", err)
	}
	if got := provider.callCount(); got != 2 {
		t.Fatalf("SkipCache应绕过缓存读取，期望2次上游调用，实际%d次", got)
	}
	if out.N != 2 {
		t.Errorf("SkipCache应取到新结果，得到 n=%d", out.N)
	}

	// SkipCache只跳过读取，新结果仍会回写缓存
	if err := svc.CreateStructuredCompletion(ctx, "count", "sys", &out); err != nil {
		t.Fatalf("回写校验调用失败: %v", err)
	}
	if got := provider.callCount(); got != 2 {
		t.Errorf("回写后的缓存应再次命中，期望2次上游调用，实际%d次", got)
	}
	if out.N != 2 {
		t.Errorf("缓存应持有刷新后的结果，得到 n=%d", out.N)
	}
}

func TestStructuredCompletionCleansFencedOutput(t *testing.T) {
	provider := &fakeProvider{
		complete: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{
				Text:      "Here is the result:\n```json\n{\"title\": \"Hook\"}\n```",
				ModelName: req.Model,
			}, nil
		},
	}
	svc := newTestLLMService(provider)

	var out struct {
		Title string `json:"title"`
	}
	if err := svc.CreateStructuredCompletion(context.Background(), "p", "s", &out); err != nil {
		t.Fatalf("带围栏的输出应能解析: %v", err)
	}
	if out.Title != "Hook" {
		t.Errorf("Title = %q, 期望 Hook", out.Title)
	}
}

func TestStructuredCompletionParseFailure(t *testing.T) {
	provider := &fakeProvider{
		complete: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Text: "definitely not json", ModelName: req.Model}, nil
		},
	}
	svc := newTestLLMService(provider)

	var out map[string]interface{}
	err := svc.CreateStructuredCompletion(context.Background(), "p", "s", &out)
	if err == nil || !strings.Contains(err.Error(), "failed to parse AI response") {
		t.Fatalf("期望解析失败错误，得到: %v", err)
	}

	// 解析失败的响应不应进入缓存
	if err := svc.CreateStructuredCompletion(context.Background(), "p", "s", &out); err == nil {
		t.Fatal("第二次调用同样应失败")
	}
	if got := provider.callCount(); got != 2 {
		t.Errorf("失败结果不应缓存，期望2次上游调用，实际%d次", got)
	}
}

func TestChatCompletionMergesHistory(t *testing.T) {
	provider := &fakeProvider{
		complete: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{
				Text:         "Sure thing.",
				ModelName:    req.Model,
				TokensUsed:   42,
				PromptTokens: 30,
				OutputTokens: 12,
			}, nil
		},
	}
	svc := newTestLLMService(provider)

	resp, err := svc.CreateChatCompletion(context.Background(), ChatCompletionRequest{
		Messages: []ChatCompletionMessage{
			{Role: RoleSystem, Content: "You are concise."},
			{Role: RoleAssistant, Content: "Earlier draft A"},
			{Role: RoleAssistant, Content: "Earlier draft B"},
			{Role: RoleUser, Content: "current question"},
		},
	})
	if err != nil {
		t.Fatalf("聊天补全失败: %v", err)
	}

	req := provider.lastCall(t)
	if req.SystemPrompt != "You are concise." {
		t.Errorf("系统提示不应被改写: %q", req.SystemPrompt)
	}
	wantPrompt := "Conversation history:\nEarlier draft A\n\nEarlier draft B\n\nCurrent user input: current question"
	if req.Prompt != wantPrompt {
		t.Errorf("历史合并格式不符:\n得到 %q\n期望 %q", req.Prompt, wantPrompt)
	}

	if resp.ID != "fake-model-fake" {
		t.Errorf("ID = %q, 期望模型名加提供商名", resp.ID)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Sure thing." {
		t.Fatalf("Choices不符: %+v", resp.Choices)
	}
	if resp.Choices[0].Message.Role != RoleAssistant {
		t.Errorf("回复角色 = %q, 期望assistant", resp.Choices[0].Message.Role)
	}
	if resp.Usage.PromptTokens != 30 || resp.Usage.CompletionTokens != 12 || resp.Usage.TotalTokens != 42 {
		t.Errorf("用量不符: %+v", resp.Usage)
	}
}

func TestChatCompletionCachesByContent(t *testing.T) {
	provider := &fakeProvider{
		complete: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Text: "cached answer", ModelName: req.Model, TokensUsed: 8}, nil
		},
	}
	svc := newTestLLMService(provider)
	ctx := context.Background()

	ask := func(content string) ChatCompletionResponse {
		t.Helper()
		resp, err := svc.CreateChatCompletion(ctx, ChatCompletionRequest{
			Messages: []ChatCompletionMessage{{Role: RoleUser, Content: content}},
		})
		if err != nil {
			t.Fatalf("聊天补全(%q)失败: %v", content, err)
		}
		return resp
	}

	first := ask("same question")
	second := ask("same question")
	if got := provider.callCount(); got != 1 {
		t.Errorf("相同消息应命中缓存，期望1次上游调用，实际%d次", got)
	}
	if second.Choices[0].Message.Content != first.Choices[0].Message.Content {
		t.Error("缓存命中应返回相同内容")
	}

	ask("different question")
	if got := provider.callCount(); got != 2 {
		t.Errorf("不同消息不应命中缓存，期望2次上游调用，实际%d次", got)
	}
}

func TestCompletionsRequireReadyProvider(t *testing.T) {
	svc := createBaseLLMService()
	ctx := context.Background()

	var out map[string]interface{}
	err := svc.CreateStructuredCompletion(ctx, "p", "s", &out)
	if !errors.Is(err, ErrLLMNotReady) {
		t.Errorf("结构化补全期望ErrLLMNotReady，得到: %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "Uninitialized") {
		t.Errorf("错误信息应携带就绪状态描述，得到: %v", err)
	}
	if _, err := svc.CreateChatCompletion(ctx, ChatCompletionRequest{}); !errors.Is(err, ErrLLMNotReady) {
		t.Errorf("聊天补全期望ErrLLMNotReady，得到: %v", err)
	}
	if _, err := svc.CreateStreamingCompletion(ctx, "p", "s", nil); !errors.Is(err, ErrLLMNotReady) {
		t.Errorf("流式补全期望ErrLLMNotReady，得到: %v", err)
	}
}

func TestCompletionHonorsContextCancellation(t *testing.T) {
	provider := &fakeProvider{}
	svc := newTestLLMService(provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out map[string]interface{}
	if err := svc.CreateStructuredCompletion(ctx, "p", "s", &out); err == nil {
		t.Fatal("已取消的context应直接失败")
	}
	if got := provider.callCount(); got != 0 {
		t.Errorf("取消后不应调用上游，实际%d次", got)
	}
}

func TestCompleteWithRetryRecoversFromTransientError(t *testing.T) {
	attempts := 0
	provider := &fakeProvider{
		complete: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("上游超时")
			}
			return &llm.CompletionResponse{Text: `{"ok": true}`, ModelName: req.Model, TokensUsed: 5}, nil
		},
	}
	svc := newTestLLMService(provider)
	svc.maxRetries = 1

	var out struct {
		OK bool `json:"ok"`
	}
	if err := svc.CreateStructuredCompletion(context.Background(), "p", "s", &out); err != nil {
		t.Fatalf("重试后应成功: %v", err)
	}
	if !out.OK {
		t.Error("未取到重试成功的结果")
	}
	if got := provider.callCount(); got != 2 {
		t.Errorf("期望2次上游调用，实际%d次", got)
	}
}

func TestUsageTrackerRecordsTokens(t *testing.T) {
	provider := &fakeProvider{
		complete: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Text: "{}", ModelName: req.Model, TokensUsed: 25}, nil
		},
	}
	svc := newTestLLMService(provider)

	stats := NewStatsService(t.TempDir())
	t.Cleanup(func() {
		if err := stats.Close(); err != nil {
			t.Errorf("关闭统计服务失败: %v", err)
		}
	})
	svc.SetUsageTracker(stats)

	var out map[string]interface{}
	if err := svc.CreateStructuredCompletion(context.Background(), "p", "s", &out); err != nil {
		t.Fatalf("结构化补全失败: %v", err)
	}

	usage := stats.GetUsageStats()
	if usage.TodayRequests != 1 {
		t.Errorf("TodayRequests = %d, 期望1", usage.TodayRequests)
	}
	if usage.MonthlyTokens != 25 {
		t.Errorf("MonthlyTokens = %d, 期望25", usage.MonthlyTokens)
	}
}

func TestResolveModelPrecedence(t *testing.T) {
	t.Setenv("DEFAULT_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "")

	tests := []struct {
		name      string
		setup     func() *LLMService
		requested string
		want      string
	}{
		{
			name:      "显式请求优先",
			setup:     func() *LLMService { return newTestLLMService(&fakeProvider{}) },
			requested: "  custom-model  ",
			want:      "custom-model",
		},
		{
			name: "其次取切换时配置的默认模型",
			setup: func() *LLMService {
				svc := newTestLLMService(&fakeProvider{})
				svc.activeDefaultModel = "tuned-model"
				return svc
			},
			want: "tuned-model",
		},
		{
			name:  "再退到提供商支持列表",
			setup: func() *LLMService { return newTestLLMService(&fakeProvider{}) },
			want:  "fake-model",
		},
		{
			name: "按提供商名称查内置默认",
			setup: func() *LLMService {
				svc := createBaseLLMService()
				svc.providerName = "anthropic"
				return svc
			},
			want: "claude-3-7-sonnet-20250219",
		},
		{
			name: "未知提供商兜底gpt-4o",
			setup: func() *LLMService {
				svc := createBaseLLMService()
				svc.providerName = "no-such-provider"
				return svc
			},
			want: "gpt-4o",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.setup().resolveModel(tt.requested); got != tt.want {
				t.Errorf("resolveModel(%q) = %q, 期望 %q", tt.requested, got, tt.want)
			}
		})
	}
}

func TestUpdateProviderSwitchesAndResetsCache(t *testing.T) {
	provider := &fakeProvider{}
	svc := newTestLLMService(provider)

	// 先灌入一条缓存
	var out map[string]interface{}
	if err := svc.CreateStructuredCompletion(context.Background(), "warm", "", &out); err != nil {
		t.Fatalf("预热缓存失败: %v", err)
	}
	if got := len(svc.cache.cache); got != 1 {
		t.Fatalf("预热后缓存条目数 = %d, 期望1", got)
	}

	if err := svc.UpdateProvider("openai", map[string]string{"api_key": "sk-test-0123456789abcdef"}); err != nil {
		t.Fatalf("切换提供商失败: %v", err)
	}

	if got := svc.GetProviderName(); got != "openai" {
		t.Errorf("GetProviderName = %q, 期望 openai", got)
	}
	if p := svc.GetProvider(); p == nil || p.GetName() != "OpenAI" {
		t.Error("注册表应返回真实的OpenAI提供商实例")
	}
	if !svc.IsReady() {
		t.Error("切换成功后服务应就绪")
	}
	if got := svc.GetDefaultModel(); got != "gpt-4o" {
		t.Errorf("GetDefaultModel = %q, 期望提供商推荐列表的第一个", got)
	}
	if got := len(svc.cache.cache); got != 0 {
		t.Errorf("切换提供商后缓存应清空，剩%d条", got)
	}

	if err := svc.UpdateProvider("openai", map[string]string{"api_key": "sk-test-0123456789abcdef", "default_model": "gpt-4o-mini"}); err != nil {
		t.Fatalf("带默认模型切换失败: %v", err)
	}
	if got := svc.GetDefaultModel(); got != "gpt-4o-mini" {
		t.Errorf("配置的default_model应生效，得到 %q", got)
	}
}

func TestUpdateProviderFailureKeepsOldProvider(t *testing.T) {
	t.Setenv("DEFAULT_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "")

	provider := &fakeProvider{}
	svc := newTestLLMService(provider)

	if err := svc.UpdateProvider("nope", map[string]string{"api_key": "whatever"}); err == nil {
		t.Fatal("未注册的提供商应返回错误")
	}
	if svc.IsReady() {
		t.Error("切换失败后服务不应就绪")
	}
	if !strings.Contains(svc.readyState, "Configuration failed") {
		t.Errorf("readyState = %q", svc.readyState)
	}
	if got := svc.GetProviderName(); got != "fake" {
		t.Errorf("切换失败不应改变提供商名称，得到 %q", got)
	}

	// 已注册的提供商在初始化阶段失败同样走失败路径
	if err := svc.UpdateProvider("openai", map[string]string{}); err == nil {
		t.Fatal("缺少api_key时初始化应失败")
	}
}

func TestGetProviderStatus(t *testing.T) {
	var nilSvc *LLMService
	if ok, msg := nilSvc.GetProviderStatus(); ok || msg == "" {
		t.Errorf("nil服务应返回未就绪及原因，得到 (%v, %q)", ok, msg)
	}

	svc := newTestLLMService(&fakeProvider{})
	if ok, msg := svc.GetProviderStatus(); !ok || msg != "Ready" {
		t.Errorf("就绪服务期望 (true, Ready)，得到 (%v, %q)", ok, msg)
	}
}

type scriptedStreamProvider struct {
	fakeProvider
	chunks []llm.StreamResponse
}

func (p *scriptedStreamProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	ch := make(chan llm.StreamResponse, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestStreamingCompletionAssemblesDeltas(t *testing.T) {
	provider := &scriptedStreamProvider{chunks: []llm.StreamResponse{
		{Text: "Hel"},
		{Text: "lo"},
		{Text: "Hello", Done: true},
	}}
	svc := newTestLLMService(provider)

	var deltas []string
	got, err := svc.CreateStreamingCompletion(context.Background(), "greet", "", func(delta string) {
		deltas = append(deltas, delta)
	})
	if err != nil {
		t.Fatalf("流式补全失败: %v", err)
	}
	if got != "Hello" {
		t.Errorf("完整文本 = %q, 期望增量拼接结果", got)
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Errorf("增量回调不符: %v", deltas)
	}
}

func TestStreamingCompletionDoneOnlyFallback(t *testing.T) {
	provider := &scriptedStreamProvider{chunks: []llm.StreamResponse{
		{Text: "Complete text", Done: true},
	}}
	svc := newTestLLMService(provider)

	got, err := svc.CreateStreamingCompletion(context.Background(), "greet", "", nil)
	if err != nil {
		t.Fatalf("流式补全失败: %v", err)
	}
	if got != "Complete text" {
		t.Errorf("无增量时终止块应作为整体文本，得到 %q", got)
	}
}

func TestCleanLLMJSONResponse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"代码围栏", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"前置说明", "Here is your JSON: {\"a\": 1}", `{"a": 1}`},
		{"尾随说明", "{\"a\": 1} Hope this helps!", `{"a": 1}`},
		{"BOM前缀", "﻿{\"a\": 1}", `{"a": 1}`},
		{"全角标点", `{"a"："b"，"c"：1}`, `{"a":"b","c":1}`},
		{"中文引号", `{“a”：1}`, `{"a":1}`},
		{"数组尾随文字", "[1, 2, 3] and some commentary", "[1, 2, 3]"},
		{"未闭合对象原样返回", `{"a": "b"`, `{"a": "b"`},
		{"空输入", "", ""},
		{"无JSON内容原样返回", "no braces here", "no braces here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanLLMJSONResponse(tt.in); got != tt.want {
				t.Errorf("CleanLLMJSONResponse(%q) = %q, 期望 %q", tt.in, got, tt.want)
			}
		})
	}
}
