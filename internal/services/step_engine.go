// internal/services/step_engine.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/Draftsmith/ScriptForge/internal/errors"
	"github.com/Draftsmith/ScriptForge/internal/models"
	"github.com/Draftsmith/ScriptForge/internal/utils"
)

// candidateSchema 候选生成的结构化输出线格式
type candidateSchema struct {
	Candidates []struct {
		Label       string `json:"label"`
		Value       string `json:"value"`
		Description string `json:"description"`
	} `json:"candidates"`
}

// candidateJSONShape 拼在每个生成提示词末尾的输出格式说明
const candidateJSONShape = `Respond with JSON of this exact shape:
{"candidates": [{"label": "short name shown in a numbered list", "value": "the full content to use if this option is accepted", "description": "one-line note on the approach"}]}`

// GenerateRequest 表示一次候选生成的完整输入
type GenerateRequest struct {
	Domain      models.CommandName // 创作环节
	State       *models.ScriptState
	Instruction string   // 用户随指令附带的说明与累积的自由文本
	Reference   string   // 资料摘要与语气样本，由编排器注入
	Exclude     []string // 已展示过的候选内容，换一批时必须避开
	IsEdit      bool     // 定向修改：携带现有内容要求改写而非重新创作
}

// StepEngine 为每个创作环节生成候选并将选中结果写回脚本状态。
// 八个环节共享同一套生成、校验与合并流程，只有提示词不同。
// 生成失败不在这里重试，由用户显式重发同一指令
type StepEngine struct {
	llm     *LLMService
	routing *ModelRoutingService
	logger  *utils.Logger
	metrics *utils.APIMetrics
}

// NewStepEngine 创建环节引擎
func NewStepEngine(llm *LLMService, routing *ModelRoutingService) *StepEngine {
	return &StepEngine{
		llm:     llm,
		routing: routing,
		logger:  utils.GetLogger(),
		metrics: utils.NewAPIMetrics(),
	}
}

// candidateCount 每个环节期望的候选数量
func candidateCount(domain models.CommandName) int {
	if domain == models.CommandHumanize {
		return 2
	}
	return 3
}

// Generate 为指定环节生成一组候选。
// 候选必须带非空label；内容重复不在这里去重，编号由注册表负责
func (e *StepEngine) Generate(ctx context.Context, req GenerateRequest) ([]models.Candidate, error) {
	if req.State == nil {
		return nil, apperrors.NewValidationError("生成候选前必须先有脚本状态", nil)
	}
	if !req.Domain.IsContentDomain() {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("%s不是内容生成环节", req.Domain), nil)
	}

	if req.Domain == models.CommandCritique {
		return e.generateCritique(ctx, req)
	}

	prompt := e.buildPrompt(req)
	system := systemPromptFor(req.Domain)
	profile := e.routing.ProfileFor(req.Domain)

	var schema candidateSchema
	start := time.Now()
	err := e.llm.CreateStructuredCompletionWithOptions(ctx, prompt, system, &schema, StructuredOptions{
		Temperature: float32(profile.Temperature),
		MaxTokens:   profile.MaxTokens,
		Model:       profile.Model,
		// 换一批和定向修改都要求新内容，命中旧缓存会原样重复上一批
		SkipCache: len(req.Exclude) > 0 || req.IsEdit,
	})
	if err != nil {
		if errors.Is(err, ErrLLMNotReady) {
			return nil, apperrors.NewProviderNotReadyError(
				"AI服务尚未配置，请先在设置中填写API密钥", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.NewGenerationError(
				fmt.Sprintf("%s环节生成超时，可原样重发该指令重试", req.Domain), err)
		}
		return nil, apperrors.NewGenerationError(
			fmt.Sprintf("%s环节生成失败，可原样重发该指令重试", req.Domain), err)
	}

	candidates := make([]models.Candidate, 0, len(schema.Candidates))
	for _, c := range schema.Candidates {
		label := strings.TrimSpace(c.Label)
		value := strings.TrimSpace(c.Value)
		if label == "" {
			continue
		}
		if value == "" {
			value = label
		}
		candidates = append(candidates, models.Candidate{
			ID:          uuid.New().String(),
			Label:       label,
			Value:       value,
			Description: strings.TrimSpace(c.Description),
		})
	}
	if len(candidates) == 0 {
		return nil, apperrors.NewEmptyGenerationError(
			fmt.Sprintf("%s环节没有产生可用候选", req.Domain), nil)
	}

	e.metrics.RecordGenerationStep(string(req.Domain), len(candidates), time.Since(start))
	e.logger.Info("生成候选完成", map[string]interface{}{
		"domain":     string(req.Domain),
		"candidates": len(candidates),
		"edit":       req.IsEdit,
		"excluded":   len(req.Exclude),
	})
	return candidates, nil
}

// critiqueSchema 单组件批评的线格式
type critiqueSchema struct {
	Label       string `json:"label"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

// critiqueJSONShape 批评环节的输出格式说明
const critiqueJSONShape = `Respond with JSON of this exact shape:
{"label": "the component and the risk pressed, 3-6 words", "value": "the full critique: probing questions, weakest moments quoted back, what must change", "description": "severity in one line"}`

// generateCritique 对每个已采纳组件并发生成一份批评，
// 全部成功后按hook、story、cta顺序汇成候选，任一失败即整批失败
func (e *StepEngine) generateCritique(ctx context.Context, req GenerateRequest) ([]models.Candidate, error) {
	type part struct {
		name    string
		content string
	}

	components := req.State.Components
	parts := make([]part, 0, 3)
	if !components.Hook.IsEmpty() {
		parts = append(parts, part{"hook", components.Hook.Content})
	}
	if !components.Story.IsEmpty() {
		parts = append(parts, part{"story", components.Story.Content})
	}
	if !components.CTA.IsEmpty() {
		parts = append(parts, part{"call to action", components.CTA.Content})
	}
	if len(parts) == 0 {
		return nil, apperrors.NewValidationError("批评环节需要至少一个已采纳的组件", nil)
	}

	profile := e.routing.ProfileFor(models.CommandCritique)
	system := systemPromptFor(models.CommandCritique)
	results := make([]models.Candidate, len(parts))

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range parts {
		i, p := i, p
		g.Go(func() error {
			var schema critiqueSchema
			err := e.llm.CreateStructuredCompletionWithOptions(gctx,
				e.buildCritiquePrompt(req, p.name, p.content), system, &schema,
				StructuredOptions{
					Temperature: float32(profile.Temperature),
					MaxTokens:   profile.MaxTokens,
					Model:       profile.Model,
					SkipCache:   len(req.Exclude) > 0 || req.IsEdit,
				})
			if err != nil {
				return err
			}

			value := strings.TrimSpace(schema.Value)
			if value == "" {
				return apperrors.NewEmptyGenerationError(
					fmt.Sprintf("%s组件没有产生可用批评", p.name), nil)
			}

			label := strings.TrimSpace(schema.Label)
			if label == "" {
				label = "Critique: " + p.name
			}
			results[i] = models.Candidate{
				ID:          uuid.New().String(),
				Label:       label,
				Value:       value,
				Description: strings.TrimSpace(schema.Description),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if apperrors.IsEmptyGenerationError(err) {
			return nil, err
		}
		if errors.Is(err, ErrLLMNotReady) {
			return nil, apperrors.NewProviderNotReadyError(
				"AI服务尚未配置，请先在设置中填写API密钥", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.NewGenerationError(
				"critique环节生成超时，可原样重发该指令重试", err)
		}
		return nil, apperrors.NewGenerationError(
			"critique环节生成失败，可原样重发该指令重试", err)
	}

	e.metrics.RecordGenerationStep(string(models.CommandCritique), len(results), time.Since(start))
	e.logger.Info("生成批评完成", map[string]interface{}{
		"components": len(results),
	})
	return results, nil
}

// buildCritiquePrompt 单组件批评提示词
func (e *StepEngine) buildCritiquePrompt(req GenerateRequest, component, content string) string {
	var b strings.Builder

	b.WriteString(stateContext(req.State))
	if req.Reference != "" {
		b.WriteString("\nReference material gathered for this project:\n")
		b.WriteString(req.Reference)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nThe accepted %s of the script:\n%s\n\n", component, content)
	fmt.Fprintf(&b, "Challenge this %s the way a skeptical viewer would. Press on the moment they would scroll away, the logical gaps a commenter would attack, and the gap between promise and payoff. Do not soften real weaknesses.\n", component)

	if len(req.Exclude) > 0 {
		b.WriteString("\nProduce a fresh critique. Do NOT repeat or lightly rephrase any of these previously shown critiques:\n")
		for i, v := range req.Exclude {
			fmt.Fprintf(&b, "%d. %s\n", i+1, clip(v, 240))
		}
	}
	if req.Instruction != "" {
		b.WriteString("\nAdditional instructions from the creator:\n")
		b.WriteString(req.Instruction)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(critiqueJSONShape)
	return b.String()
}

// Merge 将选中的候选写入脚本状态。
// 常规采纳按环节推进阶段；定向修改原地覆盖，阶段既不回退也不推进
func (e *StepEngine) Merge(state *models.ScriptState, origin models.OptionOrigin, selected models.Candidate, isEdit bool) error {
	target := componentRef(state, origin)
	if target == nil {
		return apperrors.NewValidationError(
			fmt.Sprintf("未知的候选来源: %s", origin), nil)
	}

	revisions := target.Revisions
	if isEdit && !target.IsEmpty() {
		revisions++
	}
	*target = models.Component{
		Label:       selected.Label,
		Content:     selected.Value,
		Description: selected.Description,
		AcceptedAt:  time.Now(),
		Revisions:   revisions,
	}

	if !isEdit {
		state.AdvancePhase(phaseForOrigin(origin, state))
	}
	state.Touch()
	return nil
}

// componentRef 返回候选来源对应的组件指针。
// humanize改写正文，critique与review共用审阅意见栏
func componentRef(state *models.ScriptState, origin models.OptionOrigin) *models.Component {
	c := &state.Components
	switch origin {
	case models.OriginHook:
		return &c.Hook
	case models.OriginStory, models.OriginHumanize:
		return &c.Story
	case models.OriginCTA:
		return &c.CTA
	case models.OriginReview, models.OriginCritique:
		return &c.ReviewNotes
	case models.OriginStyle:
		return &c.StyleNotes
	case models.OriginResearch:
		return &c.ResearchNotes
	}
	return nil
}

// phaseForOrigin 返回采纳该来源候选后应推进到的阶段。
// style与research不对应里程碑，返回当前阶段即不推进
func phaseForOrigin(origin models.OptionOrigin, state *models.ScriptState) models.Phase {
	switch origin {
	case models.OriginHook:
		return models.PhaseHookDrafted
	case models.OriginStory:
		return models.PhaseStoryDrafted
	case models.OriginCTA:
		return models.PhaseCTADrafted
	case models.OriginReview, models.OriginCritique:
		return models.PhaseReviewed
	case models.OriginHumanize:
		if state.Components.FilledCount() == 3 {
			return models.PhaseComplete
		}
		return models.PhaseHumanized
	}
	return state.Phase
}

// buildPrompt 组装环节提示词：公共上下文、环节任务、
// 修改/换一批约束、用户补充说明，最后是输出格式
func (e *StepEngine) buildPrompt(req GenerateRequest) string {
	var b strings.Builder

	b.WriteString(stateContext(req.State))
	if req.Reference != "" {
		b.WriteString("\nReference material gathered for this project:\n")
		b.WriteString(req.Reference)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(domainTask(req))
	b.WriteString("\n")

	if len(req.Exclude) > 0 {
		b.WriteString("\nProduce fresh alternatives. Do NOT repeat or lightly rephrase any of these previously shown options:\n")
		for i, v := range req.Exclude {
			fmt.Fprintf(&b, "%d. %s\n", i+1, clip(v, 240))
		}
	}
	if req.Instruction != "" {
		b.WriteString("\nAdditional instructions from the creator:\n")
		b.WriteString(req.Instruction)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(candidateJSONShape)
	return b.String()
}

// stateContext 所有环节共享的项目上下文块
func stateContext(state *models.ScriptState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Video topic: %s\n", orPlaceholder(state.Topic, "not provided yet"))
	fmt.Fprintf(&b, "Target audience: %s\n", orPlaceholder(state.TargetAudience, "general audience"))
	fmt.Fprintf(&b, "Platform: %s (%s)\n", state.Platform, platformTone(state.Platform))
	if state.VideoDuration != "" {
		fmt.Fprintf(&b, "Target duration: %s\n", state.VideoDuration)
	}
	return b.String()
}

// platformTone 平台语气画像，随提示词下发
func platformTone(platform models.Platform) string {
	switch platform {
	case models.PlatformYouTube:
		return "conversational, enthusiastic, educational"
	case models.PlatformTikTok:
		return "casual, energetic, snappy and trendy"
	case models.PlatformInstagram:
		return "conversational, visual, relatable"
	case models.PlatformLinkedIn:
		return "professional, insightful, credible"
	default:
		return "clear, engaging, audience-first"
	}
}

// systemPromptFor 每个环节的角色设定
func systemPromptFor(domain models.CommandName) string {
	switch domain {
	case models.CommandHook:
		return "You are a video hook specialist. You craft openings that capture attention in the first 3-8 seconds and stop viewers mid-scroll."
	case models.CommandStory:
		return "You are a story architect for video scripts. You structure narratives with proven frameworks so every beat earns the next second of attention."
	case models.CommandCTA:
		return "You are a call-to-action strategist. You close videos with simple, specific asks that feel proportional to the value delivered."
	case models.CommandReview:
		return "You are an experienced script editor. You review drafts with a 5:1 ratio of specific strengths to constructive improvements."
	case models.CommandHumanize:
		return "You rewrite scripted text so it sounds like a real person talking: contractions, varied rhythm, no corporate language, no AI cliches."
	case models.CommandStyle:
		return "You are a style and tone coach for video creators. You describe voice in concrete, imitable terms rather than abstractions."
	case models.CommandCritique:
		return "You are a constructive challenger. You ask the hard questions a skeptical viewer would, and you never soften a real weakness."
	case models.CommandResearch:
		return "You are a research analyst for video content. You surface verifiable facts and flag every claim that needs a source."
	default:
		return "You are a helpful video script assistant."
	}
}

// domainTask 每个环节的任务描述，带上该环节需要读取的已有组件
func domainTask(req GenerateRequest) string {
	state := req.State
	n := candidateCount(req.Domain)
	var b strings.Builder

	switch req.Domain {
	case models.CommandHook:
		if req.IsEdit && !state.Components.Hook.IsEmpty() {
			fmt.Fprintf(&b, "The currently accepted hook:\n%s\n\n", state.Components.Hook.Content)
			fmt.Fprintf(&b, "Produce %d revised hooks that apply the creator's instructions while keeping what already works.\n", n)
			break
		}
		fmt.Fprintf(&b, "Generate EXACTLY %d distinct hooks for this video. Each must capture attention within the first 3-8 seconds.\n", n)
		b.WriteString("Use a different framework for each: Curiosity Gap, Problem/Agitation, Statistical Shock, Personal Story, or Visual/Familiar.\n")
		b.WriteString("label: the framework plus a 3-5 word summary. value: the exact words the presenter says on camera. description: what appears on screen and the estimated duration.\n")
		b.WriteString("Write actual spoken lines specific to the topic, not descriptions of lines.")

	case models.CommandStory:
		if !state.Components.Hook.IsEmpty() {
			fmt.Fprintf(&b, "The accepted opening hook:\n%s\n\n", state.Components.Hook.Content)
		}
		if req.IsEdit && !state.Components.Story.IsEmpty() {
			fmt.Fprintf(&b, "The currently accepted story structure:\n%s\n\n", state.Components.Story.Content)
			fmt.Fprintf(&b, "Produce %d revised story structures that apply the creator's instructions while preserving the core message.\n", n)
			break
		}
		fmt.Fprintf(&b, "Create %d alternative story structures for the main body of this video, each built on a different framework: 3-Act (Setup 20%%, Development 60%%, Resolution 20%%), Problem-Solution, Hero's Journey, Before-After-Bridge, or STAR.\n", n)
		b.WriteString("Each value must contain: the arc outline with rough timing, the key narrative beats, the emotional journey, one concrete example or case to include, and transition phrases between sections. It must bridge naturally from the hook and hand off cleanly to a call to action.\n")
		b.WriteString("label: the framework name plus the angle taken. description: why this structure fits the topic.")

	case models.CommandCTA:
		if !state.Components.Hook.IsEmpty() {
			fmt.Fprintf(&b, "The accepted hook:\n%s\n\n", state.Components.Hook.Content)
		}
		if !state.Components.Story.IsEmpty() {
			fmt.Fprintf(&b, "The accepted story, summarized:\n%s\n\n", clip(state.Components.Story.Content, 800))
		}
		if req.IsEdit && !state.Components.CTA.IsEmpty() {
			fmt.Fprintf(&b, "The currently accepted call to action:\n%s\n\n", state.Components.CTA.Content)
			fmt.Fprintf(&b, "Produce %d revised calls to action per the creator's instructions.\n", n)
			break
		}
		fmt.Fprintf(&b, "Create exactly %d simple, clear call-to-action options: one Gentle (build the relationship), one Direct (take action now), one Value (offer something free).\n", n)
		b.WriteString("Each value: the primary CTA line in 10 words or fewer, then one supporting sentence explaining the benefit. label: the CTA type and the one-word action (Subscribe/Download/Learn/Join/Visit). Keep it actionable, no complex descriptions.")

	case models.CommandReview:
		b.WriteString(scriptDraftBlock(state))
		fmt.Fprintf(&b, "Review this draft. Produce %d review passes, each with a different focus: audience retention, clarity of the value proposition, and platform fit.\n", n)
		b.WriteString("Each value: five specific strengths, then the constructive improvements in priority order (keep roughly a 5:1 positive-to-constructive ratio). label: the review focus. description: the single highest-impact change.")

	case models.CommandHumanize:
		fmt.Fprintf(&b, "The current story draft:\n%s\n\n", state.Components.Story.Content)
		fmt.Fprintf(&b, "Rewrite it to sound like a real person talking, in %d versions: one light touch (keep structure, fix the language) and one bold rewrite (restructure freely).\n", n)
		b.WriteString("Guidelines: remove formal and corporate language, use contractions naturally, vary sentence length, add authentic transitions, cut AI cliches such as \"delve into\", \"leverage\", \"furthermore\", \"in conclusion\", \"it is important to note\".\n")
		b.WriteString("value: the full rewritten story text, ready to read aloud. label: which treatment it is.")

	case models.CommandStyle:
		b.WriteString(scriptDraftBlock(state))
		fmt.Fprintf(&b, "Propose %d style directions for delivering this script, each a different position on formality, energy, complexity, emotion, pace and personality.\n", n)
		b.WriteString("Each value: the style guide in concrete terms (how to open sentences, what vocabulary to prefer and avoid, pacing notes, one example line rewritten in this voice). label: a 2-4 word name for the voice. description: the audience this voice lands best with.")

	case models.CommandResearch:
		fmt.Fprintf(&b, "Research the topic for this video. Produce %d research angles.\n", n)
		b.WriteString("Each value: the key verifiable facts and statistics with where to verify them, plus any claim in the draft that currently lacks a source. Mark absolute statements (always/never/guaranteed) as red flags. label: the research angle. description: the strongest single fact found.")
		if !state.Components.ResearchNotes.IsEmpty() {
			fmt.Fprintf(&b, "\nExisting research notes to build on, not repeat:\n%s\n", clip(state.Components.ResearchNotes.Content, 600))
		}
	}

	return b.String()
}

// scriptDraftBlock 汇总当前已采纳的组件，供审阅类环节阅读
func scriptDraftBlock(state *models.ScriptState) string {
	var b strings.Builder
	b.WriteString("The current draft:\n")
	if !state.Components.Hook.IsEmpty() {
		fmt.Fprintf(&b, "[HOOK]\n%s\n", state.Components.Hook.Content)
	}
	if !state.Components.Story.IsEmpty() {
		fmt.Fprintf(&b, "[STORY]\n%s\n", state.Components.Story.Content)
	}
	if !state.Components.CTA.IsEmpty() {
		fmt.Fprintf(&b, "[CALL TO ACTION]\n%s\n", state.Components.CTA.Content)
	}
	b.WriteString("\n")
	return b.String()
}

// orPlaceholder 空值回退
func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

// clip 截断长文本，避免提示词被单个字段撑爆
func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
