// internal/services/step_engine_test.go
package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	apperrors "github.com/Draftsmith/ScriptForge/internal/errors"
	"github.com/Draftsmith/ScriptForge/internal/llm"
	"github.com/Draftsmith/ScriptForge/internal/models"
)

func draftState() *models.ScriptState {
	state := models.NewScriptState("conv-1")
	state.Topic = "How to brew better coffee at home"
	state.TargetAudience = "casual home baristas"
	state.Platform = models.PlatformYouTube
	state.VideoDuration = "60 seconds"
	return state
}

func TestGenerateProducesCandidates(t *testing.T) {
	provider := &fakeProvider{
		complete: func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return candidateResponse("Curiosity Gap", "Statistical Shock", "Personal Story"), nil
		},
	}
	engine := newTestEngine(t, provider)

	candidates, err := engine.Generate(context.Background(), GenerateRequest{
		Domain: models.CommandHook,
		State:  draftState(),
	})
	if err != nil {
		t.Fatalf("生成hook候选失败: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("期望3个候选，得到%d个", len(candidates))
	}
	for i, c := range candidates {
		if c.ID == "" {
			t.Errorf("候选%d缺少ID", i+1)
		}
		if c.Value != c.Label+" full text" {
			t.Errorf("候选%d内容不完整: %q", i+1, c.Value)
		}
	}
	if candidates[0].Label != "Curiosity Gap" {
		t.Errorf("候选顺序应与模型输出一致，首个为%q", candidates[0].Label)
	}
}

func TestGenerateRequiresContentDomain(t *testing.T) {
	engine := newTestEngine(t, &fakeProvider{})

	_, err := engine.Generate(context.Background(), GenerateRequest{
		Domain: models.CommandStatus,
		State:  draftState(),
	})
	if !apperrors.IsValidationError(err) {
		t.Errorf("status不是生成环节，期望校验错误，得到: %v", err)
	}

	_, err = engine.Generate(context.Background(), GenerateRequest{Domain: models.CommandHook})
	if !apperrors.IsValidationError(err) {
		t.Errorf("缺少脚本状态时期望校验错误，得到: %v", err)
	}
}

func TestGenerateDropsUnusableCandidates(t *testing.T) {
	// label为空的候选被丢弃，value为空时回退为label
	provider := &fakeProvider{
		complete: func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Text: `{"candidates": [
				{"label": "", "value": "orphan value"},
				{"label": "Keeper", "value": ""},
				{"label": "  ", "value": "whitespace label"}
			]}`}, nil
		},
	}
	engine := newTestEngine(t, provider)

	candidates, err := engine.Generate(context.Background(), GenerateRequest{
		Domain: models.CommandHook,
		State:  draftState(),
	})
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("只有一条候选带合法label，得到%d条", len(candidates))
	}
	if candidates[0].Value != "Keeper" {
		t.Errorf("value为空时应回退为label，得到%q", candidates[0].Value)
	}
}

func TestGenerateEmptyBatch(t *testing.T) {
	provider := &fakeProvider{
		complete: func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Text: `{"candidates": []}`}, nil
		},
	}
	engine := newTestEngine(t, provider)

	_, err := engine.Generate(context.Background(), GenerateRequest{
		Domain: models.CommandStory,
		State:  draftState(),
	})
	if !apperrors.IsEmptyGenerationError(err) {
		t.Errorf("空候选集期望EmptyGeneration错误，得到: %v", err)
	}
}

func TestGenerateProviderNotReady(t *testing.T) {
	// 就绪判定会回退检查配置里的密钥，屏蔽宿主环境的泄漏
	t.Setenv("DEFAULT_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "")

	routing, err := NewModelRoutingService(t.TempDir())
	if err != nil {
		t.Fatalf("创建路由服务失败: %v", err)
	}
	engine := NewStepEngine(createBaseLLMService(), routing)

	_, err = engine.Generate(context.Background(), GenerateRequest{
		Domain: models.CommandHook,
		State:  draftState(),
	})
	if !apperrors.IsProviderNotReadyError(err) {
		t.Errorf("服务未配置时期望ProviderNotReady错误，得到: %v", err)
	}
}

func TestGenerateUpstreamFailure(t *testing.T) {
	provider := &fakeProvider{
		complete: func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return nil, errors.New("upstream 500")
		},
	}
	engine := newTestEngine(t, provider)

	_, err := engine.Generate(context.Background(), GenerateRequest{
		Domain: models.CommandHook,
		State:  draftState(),
	})
	if !apperrors.IsGenerationError(err) {
		t.Errorf("上游失败期望Generation错误，得到: %v", err)
	}
}

func TestGenerateCacheAndBypass(t *testing.T) {
	provider := &fakeProvider{
		complete: func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return candidateResponse("One", "Two", "Three"), nil
		},
	}
	engine := newTestEngine(t, provider)
	req := GenerateRequest{Domain: models.CommandHook, State: draftState()}

	if _, err := engine.Generate(context.Background(), req); err != nil {
		t.Fatalf("首次生成失败: %v", err)
	}
	if _, err := engine.Generate(context.Background(), req); err != nil {
		t.Fatalf("二次生成失败: %v", err)
	}
	if got := provider.callCount(); got != 1 {
		t.Errorf("相同请求应命中缓存，期望1次上游调用，实际%d次", got)
	}

	// 换一批必须绕过缓存，否则会原样重复上一批
	more := req
	more.Exclude = []string{"One full text"}
	if _, err := engine.Generate(context.Background(), more); err != nil {
		t.Fatalf("换一批生成失败: %v", err)
	}
	if got := provider.callCount(); got != 2 {
		t.Errorf("带排除列表时应绕过缓存，期望2次上游调用，实际%d次", got)
	}
	assertContains(t, provider.lastCall(t).Prompt, "One full text", "换一批的提示词")

	edit := req
	edit.IsEdit = true
	if _, err := engine.Generate(context.Background(), edit); err != nil {
		t.Fatalf("修改生成失败: %v", err)
	}
	if got := provider.callCount(); got != 3 {
		t.Errorf("定向修改应绕过缓存，期望3次上游调用，实际%d次", got)
	}
}

func TestGenerateCritiqueFanOut(t *testing.T) {
	respond := func(component string) string {
		return `{"label": "` + component + ` risk", "value": "critique of the ` + component + `", "description": "high"}`
	}
	provider := &fakeProvider{
		complete: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			switch {
			case strings.Contains(req.Prompt, "The accepted hook"):
				return &llm.CompletionResponse{Text: respond("hook")}, nil
			case strings.Contains(req.Prompt, "The accepted story"):
				return &llm.CompletionResponse{Text: respond("story")}, nil
			case strings.Contains(req.Prompt, "The accepted call to action"):
				return &llm.CompletionResponse{Text: respond("cta")}, nil
			}
			return nil, errors.New("unexpected prompt")
		},
	}
	engine := newTestEngine(t, provider)

	state := draftState()
	state.Components.Hook.Content = "the hook"
	state.Components.Story.Content = "the story"
	state.Components.CTA.Content = "the cta"

	candidates, err := engine.Generate(context.Background(), GenerateRequest{
		Domain: models.CommandCritique,
		State:  state,
	})
	if err != nil {
		t.Fatalf("生成批评失败: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("三个组件应各产生一条批评，得到%d条", len(candidates))
	}
	// 候选顺序固定为hook、story、cta，与并发完成顺序无关
	for i, want := range []string{"hook", "story", "cta"} {
		if candidates[i].Label != want+" risk" {
			t.Errorf("第%d条批评应针对%s，实际label为%q", i+1, want, candidates[i].Label)
		}
	}
	if provider.callCount() != 3 {
		t.Errorf("期望3次上游调用，实际%d次", provider.callCount())
	}
}

func TestGenerateCritiqueSkipsEmptyComponents(t *testing.T) {
	provider := &fakeProvider{
		complete: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Text: `{"label": "hook risk", "value": "critique", "description": ""}`}, nil
		},
	}
	engine := newTestEngine(t, provider)

	state := draftState()
	state.Components.Hook.Content = "the hook"

	candidates, err := engine.Generate(context.Background(), GenerateRequest{
		Domain: models.CommandCritique,
		State:  state,
	})
	if err != nil {
		t.Fatalf("生成批评失败: %v", err)
	}
	if len(candidates) != 1 {
		t.Errorf("只有hook被采纳时应产生1条批评，得到%d条", len(candidates))
	}
}

func TestGenerateCritiqueRequiresComponents(t *testing.T) {
	engine := newTestEngine(t, &fakeProvider{})

	_, err := engine.Generate(context.Background(), GenerateRequest{
		Domain: models.CommandCritique,
		State:  draftState(),
	})
	if !apperrors.IsValidationError(err) {
		t.Errorf("无已采纳组件时期望校验错误，得到: %v", err)
	}
}

func TestGenerateCritiqueFailsWhole(t *testing.T) {
	provider := &fakeProvider{
		complete: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if strings.Contains(req.Prompt, "The accepted story") {
				return nil, errors.New("story call exploded")
			}
			return &llm.CompletionResponse{Text: `{"label": "ok", "value": "fine", "description": ""}`}, nil
		},
	}
	engine := newTestEngine(t, provider)

	state := draftState()
	state.Components.Hook.Content = "the hook"
	state.Components.Story.Content = "the story"
	state.Components.CTA.Content = "the cta"

	_, err := engine.Generate(context.Background(), GenerateRequest{
		Domain: models.CommandCritique,
		State:  state,
	})
	if !apperrors.IsGenerationError(err) {
		t.Errorf("任一组件失败应使整批失败，得到: %v", err)
	}
}

func TestMergeAdvancesPhase(t *testing.T) {
	tests := []struct {
		origin models.OptionOrigin
		want   models.Phase
	}{
		{models.OriginHook, models.PhaseHookDrafted},
		{models.OriginStory, models.PhaseStoryDrafted},
		{models.OriginCTA, models.PhaseCTADrafted},
		{models.OriginReview, models.PhaseReviewed},
		{models.OriginCritique, models.PhaseReviewed},
		{models.OriginStyle, models.PhaseEmpty},
		{models.OriginResearch, models.PhaseEmpty},
	}

	engine := newTestEngine(t, &fakeProvider{})
	for _, tt := range tests {
		state := draftState()
		err := engine.Merge(state, tt.origin, models.Candidate{Label: "pick", Value: "picked text"}, false)
		if err != nil {
			t.Fatalf("合并%s候选失败: %v", tt.origin, err)
		}
		if state.Phase != tt.want {
			t.Errorf("采纳%s候选后阶段应为%s，实际%s", tt.origin, tt.want, state.Phase)
		}
	}
}

func TestMergeWritesComponent(t *testing.T) {
	engine := newTestEngine(t, &fakeProvider{})
	state := draftState()

	selected := models.Candidate{Label: "Curiosity Gap", Value: "Did you know...", Description: "opens a loop"}
	if err := engine.Merge(state, models.OriginHook, selected, false); err != nil {
		t.Fatalf("合并失败: %v", err)
	}

	hook := state.Components.Hook
	if hook.Content != "Did you know..." || hook.Label != "Curiosity Gap" {
		t.Errorf("组件内容写回不完整: %+v", hook)
	}
	if hook.AcceptedAt.IsZero() {
		t.Error("采纳时间未记录")
	}
	if hook.Revisions != 0 {
		t.Errorf("首次采纳修订数应为0，实际%d", hook.Revisions)
	}
}

func TestMergePhaseNeverRegresses(t *testing.T) {
	engine := newTestEngine(t, &fakeProvider{})
	state := draftState()

	if err := engine.Merge(state, models.OriginCTA, models.Candidate{Label: "d", Value: "cta"}, false); err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if err := engine.Merge(state, models.OriginHook, models.Candidate{Label: "h", Value: "hook"}, false); err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if state.Phase != models.PhaseCTADrafted {
		t.Errorf("补采纳早期组件不应回退阶段，实际%s", state.Phase)
	}
}

func TestMergeEditKeepsPhase(t *testing.T) {
	engine := newTestEngine(t, &fakeProvider{})
	state := draftState()

	if err := engine.Merge(state, models.OriginHook, models.Candidate{Label: "v1", Value: "first"}, false); err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if err := engine.Merge(state, models.OriginHook, models.Candidate{Label: "v2", Value: "second"}, true); err != nil {
		t.Fatalf("修改合并失败: %v", err)
	}

	if state.Phase != models.PhaseHookDrafted {
		t.Errorf("定向修改不应推进阶段，实际%s", state.Phase)
	}
	hook := state.Components.Hook
	if hook.Content != "second" {
		t.Errorf("修改应原地覆盖内容，实际%q", hook.Content)
	}
	if hook.Revisions != 1 {
		t.Errorf("修改一次后修订数应为1，实际%d", hook.Revisions)
	}
}

func TestMergeHumanizeRewritesStory(t *testing.T) {
	engine := newTestEngine(t, &fakeProvider{})

	// 三个核心组件齐备时，humanize采纳使脚本完成
	state := draftState()
	state.Components.Hook.Content = "hook"
	state.Components.Story.Content = "formal story"
	state.Components.CTA.Content = "cta"

	if err := engine.Merge(state, models.OriginHumanize, models.Candidate{Label: "light touch", Value: "casual story"}, false); err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if state.Components.Story.Content != "casual story" {
		t.Errorf("humanize应改写正文，实际%q", state.Components.Story.Content)
	}
	if state.Phase != models.PhaseComplete {
		t.Errorf("组件齐备时humanize后应为complete，实际%s", state.Phase)
	}
	if state.Status != models.StatusComplete {
		t.Errorf("完成后状态应为complete，实际%s", state.Status)
	}

	// 只有story时不算完成
	partial := draftState()
	partial.Components.Story.Content = "formal story"
	if err := engine.Merge(partial, models.OriginHumanize, models.Candidate{Label: "bold", Value: "casual"}, false); err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if partial.Phase != models.PhaseHumanized {
		t.Errorf("组件不齐时humanize后应为humanized，实际%s", partial.Phase)
	}
}

func TestMergeRejectsWizardOrigin(t *testing.T) {
	engine := newTestEngine(t, &fakeProvider{})
	err := engine.Merge(draftState(), models.OriginSetupPlatform, models.Candidate{Value: "youtube"}, false)
	if !apperrors.IsValidationError(err) {
		t.Errorf("向导来源没有对应组件，期望校验错误，得到: %v", err)
	}
}

func TestPromptCarriesProjectContext(t *testing.T) {
	provider := &fakeProvider{
		complete: func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return candidateResponse("A", "B", "C"), nil
		},
	}
	engine := newTestEngine(t, provider)

	_, err := engine.Generate(context.Background(), GenerateRequest{
		Domain:      models.CommandHook,
		State:       draftState(),
		Instruction: "make it provocative",
		Reference:   "Research documents:\n- brew guide",
	})
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}

	prompt := provider.lastCall(t).Prompt
	assertContains(t, prompt, "How to brew better coffee at home", "提示词")
	assertContains(t, prompt, "casual home baristas", "提示词")
	assertContains(t, prompt, "make it provocative", "提示词")
	assertContains(t, prompt, "brew guide", "提示词")
	assertContains(t, prompt, `"candidates"`, "提示词输出格式")
}
