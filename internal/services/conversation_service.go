// internal/services/conversation_service.go
package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Draftsmith/ScriptForge/internal/config"
	apperrors "github.com/Draftsmith/ScriptForge/internal/errors"
	"github.com/Draftsmith/ScriptForge/internal/models"
	"github.com/Draftsmith/ScriptForge/internal/utils"
)

// ConversationStore 会话持久化接口，由SQLite存储实现。
// 同一会话保存后立即可读；跨会话不要求事务
type ConversationStore interface {
	Load(ctx context.Context, id string) (*models.Conversation, error)
	Save(ctx context.Context, conv *models.Conversation) error
	AppendMessage(ctx context.Context, conversationID string, role models.MessageRole, content string) (models.Message, error)
	LoadMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	List(ctx context.Context) ([]models.ConversationSummary, error)
	Delete(ctx context.Context, id string) error
}

// ChatRequest 传输层递交的一条用户输入
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	OptionSelected string `json:"option_selected"` // 显式选择：编号或候选ID
}

// ChatReply 编排器产出的回复
type ChatReply struct {
	ConversationID string             `json:"conversation_id"`
	Response       string             `json:"response"`
	Options        []models.Candidate `json:"options"`
}

// ConversationService 会话编排器：
// 路由意图、驱动各创作环节、管理候选项协议、落库后才回复。
// 同一会话的请求串行处理，选择动作始终针对处理时刻的那批候选
type ConversationService struct {
	store    ConversationStore
	router   *CommandRouter
	registry *OptionRegistry
	engine   *StepEngine
	context  *ContextService
	export   *ExportService
	progress *ProgressService
	locks    *LockManager
	logger   *utils.Logger
	metrics  *utils.APIMetrics

	genTimeout time.Duration
}

// NewConversationService 创建编排器
func NewConversationService(store ConversationStore, engine *StepEngine,
	contextService *ContextService, exportService *ExportService,
	progressService *ProgressService, locks *LockManager) *ConversationService {

	timeout := 120 * time.Second
	if cfg := config.GetCurrentConfig(); cfg != nil && cfg.RequestTimeout > 0 {
		timeout = time.Duration(cfg.RequestTimeout) * time.Second
	}

	return &ConversationService{
		store:      store,
		router:     NewCommandRouter(),
		registry:   NewOptionRegistry(),
		engine:     engine,
		context:    contextService,
		export:     exportService,
		progress:   progressService,
		locks:      locks,
		logger:     utils.GetLogger(),
		metrics:    utils.NewAPIMetrics(),
		genTimeout: timeout,
	}
}

// HandleMessage 处理一条用户输入，返回回复与当前待选项。
// 只有生成失败与持久化失败会作为错误返回，
// 用户可纠正的情况（过期选择、缺前置、空候选）都转成普通回复
func (s *ConversationService) HandleMessage(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	id := strings.TrimSpace(req.ConversationID)
	isNew := id == ""
	if isNew {
		id = uuid.New().String()
	}

	var reply *ChatReply
	err := s.locks.ExecuteWithConversationLock(id, func() error {
		var conv *models.Conversation
		if isNew {
			conv = &models.Conversation{State: models.NewScriptState(id)}
			s.metrics.RecordConversationEvent("created")
		} else {
			loaded, err := s.store.Load(ctx, id)
			if err != nil {
				return err
			}
			conv = loaded
		}

		r, err := s.process(ctx, conv, req, isNew)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	if err != nil {
		s.logger.Error("处理会话消息失败", map[string]interface{}{
			"conversation_id": id,
			"error":           err.Error(),
		})
		return nil, err
	}
	return reply, nil
}

// process 按意图分发。失败时不落任何改动，
// 内存中的会话状态直接丢弃，下次请求重新从存储加载
func (s *ConversationService) process(ctx context.Context, conv *models.Conversation, req ChatRequest, isNew bool) (*ChatReply, error) {
	message := strings.TrimSpace(req.Message)
	selected := strings.TrimSpace(req.OptionSelected)

	userText := message
	if userText == "" && selected != "" {
		userText = fmt.Sprintf("[selected option %s]", selected)
	}

	// 显式选择字段绕过文本路由，直接走候选解析
	if selected != "" {
		return s.handleExplicitSelect(ctx, conv, userText, selected)
	}

	intent := s.router.Route(message, conv.Pending.Count(), !isNew)
	s.logger.Debug("输入已路由", map[string]interface{}{
		"conversation_id": conv.State.ID,
		"intent":          string(intent.Kind),
	})

	// 新会话的第一条自由文本当作主题，引导流程从这里接管
	if isNew && intent.Kind == models.IntentFreeText && intent.Text != "" {
		return s.handleTopicAnswer(ctx, conv, userText, intent.Text)
	}

	switch intent.Kind {
	case models.IntentStart:
		return s.handleStart(ctx, conv, userText)
	case models.IntentSelect:
		return s.handleSelect(ctx, conv, userText, intent.Index)
	case models.IntentMore:
		return s.handleMore(ctx, conv, userText)
	case models.IntentCommand:
		return s.handleCommand(ctx, conv, userText, intent.Command, intent.Text)
	case models.IntentEdit:
		return s.handleEdit(ctx, conv, userText, intent)
	default:
		return s.handleFreeText(ctx, conv, userText, intent.Text)
	}
}

// commit 先持久化状态，再记录双方消息，全部成功才允许回复
func (s *ConversationService) commit(ctx context.Context, conv *models.Conversation, userText, assistantText string) error {
	if err := s.store.Save(ctx, conv); err != nil {
		return err
	}
	if userText != "" {
		if _, err := s.store.AppendMessage(ctx, conv.State.ID, models.RoleUser, userText); err != nil {
			return err
		}
	}
	if assistantText != "" {
		if _, err := s.store.AppendMessage(ctx, conv.State.ID, models.RoleAssistant, assistantText); err != nil {
			return err
		}
	}
	return nil
}

// reply 统一构造回复体
func (s *ConversationService) reply(conv *models.Conversation, response string) *ChatReply {
	r := &ChatReply{
		ConversationID: conv.State.ID,
		Response:       response,
		Options:        []models.Candidate{},
	}
	if conv.Pending != nil {
		r.Options = conv.Pending.Items
	}
	return r
}

// finish 落库并返回回复，所有成功分支的唯一出口
func (s *ConversationService) finish(ctx context.Context, conv *models.Conversation, userText, response string) (*ChatReply, error) {
	if err := s.commit(ctx, conv, userText, response); err != nil {
		return nil, err
	}
	return s.reply(conv, response), nil
}

// --- 引导流程 ---

func (s *ConversationService) handleStart(ctx context.Context, conv *models.Conversation, userText string) (*ChatReply, error) {
	conv.Setup = models.SetupStageTopic
	return s.finish(ctx, conv, userText, welcomeText())
}

func (s *ConversationService) handleTopicAnswer(ctx context.Context, conv *models.Conversation, userText, topic string) (*ChatReply, error) {
	conv.State.Topic = topic
	if conv.State.Title == "" {
		conv.State.Title = clip(topic, 60)
	}
	conv.State.Touch()
	conv.Setup = models.SetupStageAudience

	response := fmt.Sprintf("Great topic: **%s**\n\nWho is this video for? Describe your target audience in a sentence, or type `skip`.", clip(topic, 120))
	return s.finish(ctx, conv, userText, response)
}

func (s *ConversationService) handleAudienceAnswer(ctx context.Context, conv *models.Conversation, userText, answer string) (*ChatReply, error) {
	if !strings.EqualFold(answer, "skip") {
		conv.State.TargetAudience = answer
		conv.State.Touch()
	}
	conv.Setup = models.SetupStageDone

	if _, err := s.registry.Present(conv, models.OriginSetupPlatform, platformCandidates()); err != nil {
		return nil, err
	}
	response := "Which platform is this for?\n\n" + renderCandidateList(conv.Pending.Items) +
		"\nReply with a number, or just type the platform name."
	return s.finish(ctx, conv, userText, response)
}

// platformCandidates 引导向导的平台选项
func platformCandidates() []models.Candidate {
	descriptions := map[models.Platform]string{
		models.PlatformYouTube:   "longer-form, searchable, education friendly",
		models.PlatformTikTok:    "short vertical video, fast hooks, trend driven",
		models.PlatformInstagram: "Reels, visual-first, lifestyle friendly",
		models.PlatformLinkedIn:  "professional audience, insight driven",
		models.PlatformGeneric:   "no platform-specific tuning",
	}
	var candidates []models.Candidate
	for _, p := range models.AllPlatforms() {
		candidates = append(candidates, models.Candidate{
			ID:          string(p),
			Label:       string(p),
			Value:       string(p),
			Description: descriptions[p],
		})
	}
	return candidates
}

// durationCandidates 按平台给出常见时长选项
func durationCandidates(platform models.Platform) []models.Candidate {
	var durations [][2]string
	switch platform {
	case models.PlatformTikTok, models.PlatformInstagram:
		durations = [][2]string{
			{"15 seconds", "single idea, maximum punch"},
			{"30 seconds", "hook plus one quick payoff"},
			{"60 seconds", "full mini-story"},
		}
	case models.PlatformYouTube:
		durations = [][2]string{
			{"60 seconds", "Shorts format"},
			{"3-5 minutes", "focused explainer"},
			{"8-12 minutes", "in-depth with chapters"},
		}
	case models.PlatformLinkedIn:
		durations = [][2]string{
			{"30 seconds", "one sharp insight"},
			{"60 seconds", "insight with context"},
			{"2-3 minutes", "mini case study"},
		}
	default:
		durations = [][2]string{
			{"30 seconds", "short and punchy"},
			{"60 seconds", "standard short-form"},
			{"3 minutes", "room to develop the idea"},
		}
	}

	var candidates []models.Candidate
	for _, d := range durations {
		candidates = append(candidates, models.Candidate{
			ID:          d[0],
			Label:       d[0],
			Value:       d[0],
			Description: d[1],
		})
	}
	return candidates
}

// --- 选择协议 ---

// handleExplicitSelect 处理传输层的显式选择字段。
// 过期或越界的选择转为纠正性回复，不作为传输层错误
func (s *ConversationService) handleExplicitSelect(ctx context.Context, conv *models.Conversation, userText, selected string) (*ChatReply, error) {
	pending := conv.Pending

	var candidate models.Candidate
	var err error
	if index, convErr := strconv.Atoi(selected); convErr == nil {
		candidate, err = s.registry.Resolve(conv, index)
	} else {
		candidate, err = s.registry.ResolveByID(conv, selected)
	}

	if err != nil {
		switch {
		case apperrors.IsNoPendingOptionsError(err):
			response := "There are no options waiting for a choice right now.\n\n" + s.nextStepHint(conv)
			return s.finish(ctx, conv, userText, response)
		case apperrors.IsIndexOutOfRangeError(err):
			response := fmt.Sprintf("That selection isn't in the current list. Here are the options again:\n\n%s\nReply with a number between 1 and %d.",
				renderCandidateList(pending.Items), len(pending.Items))
			return s.finish(ctx, conv, userText, response)
		default:
			return nil, err
		}
	}

	return s.applySelection(ctx, conv, userText, pending, candidate)
}

func (s *ConversationService) handleSelect(ctx context.Context, conv *models.Conversation, userText string, index int) (*ChatReply, error) {
	pending := conv.Pending
	candidate, err := s.registry.Resolve(conv, index)
	if err != nil {
		// 路由器已做范围检查，到这里只剩无待选集的竞态兜底
		response := "There are no options waiting for a choice right now.\n\n" + s.nextStepHint(conv)
		return s.finish(ctx, conv, userText, response)
	}
	return s.applySelection(ctx, conv, userText, pending, candidate)
}

// applySelection 将已解析的候选落到状态上：
// 向导选项写入对应字段，创作候选走引擎合并并推进阶段
func (s *ConversationService) applySelection(ctx context.Context, conv *models.Conversation, userText string, pending *models.PendingOptions, candidate models.Candidate) (*ChatReply, error) {
	switch pending.Origin {
	case models.OriginSetupPlatform:
		conv.State.Platform = models.ParsePlatform(candidate.Value)
		conv.State.Touch()
		if _, err := s.registry.Present(conv, models.OriginSetupDuration, durationCandidates(conv.State.Platform)); err != nil {
			return nil, err
		}
		response := fmt.Sprintf("Platform set to **%s**. How long should the video be?\n\n%s\nReply with a number, or type a custom duration.",
			conv.State.Platform, renderCandidateList(conv.Pending.Items))
		return s.finish(ctx, conv, userText, response)

	case models.OriginSetupDuration:
		conv.State.VideoDuration = candidate.Value
		conv.State.Touch()
		conv.Setup = models.SetupStageDone
		conv.ImpliedDomain = models.CommandHook
		response := fmt.Sprintf("Setup complete: **%s** on **%s**, about **%s**.\n\nLet's write. Type `hook` to get opening options, or `help` to see everything I can do.",
			clip(conv.State.Topic, 80), conv.State.Platform, conv.State.VideoDuration)
		return s.finish(ctx, conv, userText, response)
	}

	cmd, ok := pending.Origin.Command()
	if !ok {
		return nil, apperrors.NewProcessingError(
			fmt.Sprintf("未知的候选来源: %s", pending.Origin), nil)
	}

	if err := s.engine.Merge(conv.State, pending.Origin, candidate, pending.Edit); err != nil {
		return nil, err
	}

	next := s.nextSuggested(conv.State)
	conv.ImpliedDomain = next

	var b strings.Builder
	fmt.Fprintf(&b, "✅ Locked in **%s** for your %s:\n\n> %s\n\n", candidate.Label, cmd, clip(candidate.Value, 400))
	if pending.Edit {
		b.WriteString("The previous version has been replaced in place.\n\n")
	}
	b.WriteString(s.suggestionLine(conv.State, next))
	return s.finish(ctx, conv, userText, b.String())
}

// handleMore 换一批：同一环节重新生成，明确排除已展示过的内容，
// 新候选整体替换旧候选，编号从1重新开始
func (s *ConversationService) handleMore(ctx context.Context, conv *models.Conversation, userText string) (*ChatReply, error) {
	pending := conv.Pending
	if pending == nil {
		response := "There's nothing to refresh right now.\n\n" + s.nextStepHint(conv)
		return s.finish(ctx, conv, userText, response)
	}

	// 向导选项是固定清单，没有"换一批"
	cmd, ok := pending.Origin.Command()
	if !ok {
		response := "Those are all the choices for this step:\n\n" + renderCandidateList(pending.Items)
		return s.finish(ctx, conv, userText, response)
	}

	exclude := make([]string, 0, len(pending.Items))
	for _, item := range pending.Items {
		exclude = append(exclude, item.Value)
	}

	response, err := s.generateAndPresent(ctx, conv, cmd, pending.Instruction, exclude, pending.Edit)
	if err != nil {
		return s.recoverGenerationFailure(ctx, conv, userText, cmd, err)
	}
	return s.finish(ctx, conv, userText, response)
}

// --- 指令处理 ---

func (s *ConversationService) handleCommand(ctx context.Context, conv *models.Conversation, userText string, cmd models.CommandName, rest string) (*ChatReply, error) {
	// 非选择指令到达即作废当前待选集
	s.registry.Invalidate(conv)

	switch cmd {
	case models.CommandStatus:
		return s.finish(ctx, conv, userText, s.statusText(conv))
	case models.CommandHelp:
		return s.finish(ctx, conv, userText, helpText())
	case models.CommandExport:
		return s.handleExportCommand(ctx, conv, userText, rest)
	}

	if ok, guidance := s.checkPrerequisite(cmd, conv.State); !ok {
		return s.finish(ctx, conv, userText, guidance)
	}

	instruction := joinInstruction(rest, conv.ConsumeExtraContext())
	response, err := s.generateAndPresent(ctx, conv, cmd, instruction, nil, false)
	if err != nil {
		return s.recoverGenerationFailure(ctx, conv, userText, cmd, err)
	}
	return s.finish(ctx, conv, userText, response)
}

func (s *ConversationService) handleEdit(ctx context.Context, conv *models.Conversation, userText string, intent models.Intent) (*ChatReply, error) {
	s.registry.Invalidate(conv)

	if intent.Target == "" {
		return s.finish(ctx, conv, userText, s.editTargetsText(conv.State))
	}

	target := componentRef(conv.State, models.OriginForCommand(intent.Target))
	if target == nil || target.IsEmpty() {
		response := fmt.Sprintf("There's no %s to edit yet. Run `%s` first, pick an option, then `edit %s` to rework it.",
			intent.Target, intent.Target, intent.Target)
		return s.finish(ctx, conv, userText, response)
	}

	instruction := joinInstruction(intent.Text, conv.ConsumeExtraContext())
	response, err := s.generateAndPresent(ctx, conv, intent.Target, instruction, nil, true)
	if err != nil {
		return s.recoverGenerationFailure(ctx, conv, userText, intent.Target, err)
	}
	return s.finish(ctx, conv, userText, response)
}

// handleFreeText 自由文本的三种去向：
// 向导阶段作答案，有待选集时作润色要求重生成，否则累积为上下文
func (s *ConversationService) handleFreeText(ctx context.Context, conv *models.Conversation, userText, text string) (*ChatReply, error) {
	if text == "" {
		// 空输入不作废待选集，提醒继续当前选择
		if conv.Pending != nil {
			response := fmt.Sprintf("Still waiting on your pick:\n\n%s\nReply with a number between 1 and %d, or type `more`.",
				renderCandidateList(conv.Pending.Items), conv.Pending.Count())
			return s.finish(ctx, conv, "", response)
		}
		return s.finish(ctx, conv, "", s.nextStepHint(conv))
	}

	if pending := conv.Pending; pending != nil {
		switch pending.Origin {
		case models.OriginSetupPlatform:
			return s.handlePlatformAnswer(ctx, conv, userText, text)
		case models.OriginSetupDuration:
			conv.State.VideoDuration = models.NormalizeDuration(text)
			conv.State.Touch()
			s.registry.Invalidate(conv)
			conv.Setup = models.SetupStageDone
			conv.ImpliedDomain = models.CommandHook
			response := fmt.Sprintf("Noted: **%s**.\n\nLet's write. Type `hook` to get opening options, or `help` to see everything I can do.",
				clip(conv.State.VideoDuration, 60))
			return s.finish(ctx, conv, userText, response)
		}

		// 创作候选挂起中的自由文本是润色要求：
		// 同一环节携带新要求重新生成，旧候选作废
		cmd, ok := pending.Origin.Command()
		if ok {
			instruction := joinInstruction(pending.Instruction, text)
			response, err := s.generateAndPresent(ctx, conv, cmd, instruction, nil, pending.Edit)
			if err != nil {
				return s.recoverGenerationFailure(ctx, conv, userText, cmd, err)
			}
			return s.finish(ctx, conv, userText, response)
		}
	}

	switch conv.Setup {
	case models.SetupStageTopic:
		return s.handleTopicAnswer(ctx, conv, userText, text)
	case models.SetupStageAudience:
		return s.handleAudienceAnswer(ctx, conv, userText, text)
	}

	// 没有挂起候选：累积为下一次创作指令的上下文
	conv.AppendExtraContext(text)
	implied := conv.ImpliedDomain
	if implied == "" || !implied.IsContentDomain() {
		implied = s.nextSuggested(conv.State)
	}
	response := fmt.Sprintf("Noted. I'll fold that into the next **%s** pass.\n\nType `%s` when you're ready, or keep adding context.", implied, implied)
	return s.finish(ctx, conv, userText, response)
}

// handlePlatformAnswer 平台问题的自由文本作答。
// 识别不出平台名时保留选项再问一次
func (s *ConversationService) handlePlatformAnswer(ctx context.Context, conv *models.Conversation, userText, text string) (*ChatReply, error) {
	word := strings.ToLower(strings.TrimSpace(text))
	for _, p := range models.AllPlatforms() {
		if string(p) == word {
			return s.applySelection(ctx, conv, userText, conv.Pending, models.Candidate{
				ID: string(p), Label: string(p), Value: string(p),
			})
		}
	}
	response := fmt.Sprintf("I didn't catch a platform in %q. Pick one of these:\n\n%s\nReply with a number or the platform name.",
		clip(text, 40), renderCandidateList(conv.Pending.Items))
	return s.finish(ctx, conv, userText, response)
}

// --- 生成与呈现 ---

// generateAndPresent 调引擎生成候选并挂起呈现。
// 生成带超时；成功后待选集记录本批的来源、说明与修改标记
func (s *ConversationService) generateAndPresent(ctx context.Context, conv *models.Conversation, domain models.CommandName, instruction string, exclude []string, isEdit bool) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.genTimeout)
	defer cancel()

	tracker := s.progress.StartTask(conv.State.ID, domain)
	tracker.UpdateProgress(20, fmt.Sprintf("Drafting %s options...", domain))

	candidates, err := s.engine.Generate(genCtx, GenerateRequest{
		Domain:      domain,
		State:       conv.State,
		Instruction: instruction,
		Reference:   s.context.BuildReference(conv.State.ID),
		Exclude:     exclude,
		IsEdit:      isEdit,
	})
	if err != nil {
		tracker.Fail(fmt.Sprintf("Couldn't finish the %s draft", domain))
		return "", err
	}
	tracker.Complete(fmt.Sprintf("%d %s options ready", len(candidates), domain))

	pending, err := s.registry.Present(conv, models.OriginForCommand(domain), candidates)
	if err != nil {
		return "", err
	}
	pending.Edit = isEdit
	pending.Instruction = instruction
	conv.ImpliedDomain = domain

	return s.renderOptionsReply(domain, pending), nil
}

// recoverGenerationFailure 区分用户可纠正的失败与必须上抛的失败。
// 空候选与服务未配置转为普通回复；生成失败原样上抛，
// 此时不落任何改动，用户重发同一输入即是重试
func (s *ConversationService) recoverGenerationFailure(ctx context.Context, conv *models.Conversation, userText string, domain models.CommandName, err error) (*ChatReply, error) {
	switch {
	case apperrors.IsEmptyGenerationError(err):
		response := fmt.Sprintf("I couldn't come up with usable %s options this time. Type `%s` to try again, or add a hint about what you want first.", domain, domain)
		return s.finish(ctx, conv, userText, response)
	case apperrors.IsProviderNotReadyError(err):
		response := "The AI provider isn't configured yet. Add an API key in settings, then try again."
		return s.finish(ctx, conv, userText, response)
	default:
		return nil, err
	}
}

// renderOptionsReply 候选列表的统一呈现
func (s *ConversationService) renderOptionsReply(domain models.CommandName, pending *models.PendingOptions) string {
	var b strings.Builder
	if pending.Edit {
		fmt.Fprintf(&b, "Here are %d revised takes on your %s:\n\n", len(pending.Items), domain)
	} else {
		fmt.Fprintf(&b, "Here are %d %s options:\n\n", len(pending.Items), domain)
	}
	b.WriteString(renderCandidateList(pending.Items))
	b.WriteString("\nReply with a number to accept, type `more` for fresh alternatives, or tell me what to change.")
	return b.String()
}

// renderCandidateList 编号列表，顺序即选择编号
func renderCandidateList(items []models.Candidate) string {
	var b strings.Builder
	for i, item := range items {
		fmt.Fprintf(&b, "**%d. %s**\n", i+1, item.Label)
		if item.Description != "" {
			fmt.Fprintf(&b, "_%s_\n", item.Description)
		}
		if item.Value != item.Label {
			fmt.Fprintf(&b, "%s\n", clip(item.Value, 400))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// --- 前置条件与提示文案 ---

// checkPrerequisite 创作环节的前置检查。
// 缺前置时不生成任何内容，返回引导文案
func (s *ConversationService) checkPrerequisite(cmd models.CommandName, state *models.ScriptState) (bool, string) {
	c := state.Components
	switch cmd {
	case models.CommandStory:
		if c.Hook.IsEmpty() {
			return false, "Your story builds on the hook, and there's no hook yet.\n\nRun `hook` first, pick one you like, then come back to `story`."
		}
	case models.CommandCTA:
		if c.Story.IsEmpty() {
			return false, "A call to action lands best when it follows the story.\n\nRun `story` first, then try `cta` again."
		}
	case models.CommandHumanize:
		if c.Story.IsEmpty() {
			return false, "Humanize reworks your story draft, and there's no story yet.\n\nRun `story` first, then `humanize` to make it sound natural."
		}
	case models.CommandReview, models.CommandCritique, models.CommandStyle:
		if state.Components.FilledCount() == 0 {
			return false, fmt.Sprintf("There's nothing to %s yet. Draft something first: `hook` is a good place to start.", cmd)
		}
	case models.CommandResearch:
		if strings.TrimSpace(state.Topic) == "" {
			return false, "I need a topic to research. Just type what the video is about."
		}
	}
	return true, ""
}

// nextSuggested 按阶段给出下一步建议指令
func (s *ConversationService) nextSuggested(state *models.ScriptState) models.CommandName {
	switch state.Phase {
	case models.PhaseEmpty:
		return models.CommandHook
	case models.PhaseHookDrafted:
		return models.CommandStory
	case models.PhaseStoryDrafted:
		return models.CommandCTA
	case models.PhaseCTADrafted:
		return models.CommandReview
	case models.PhaseReviewed:
		return models.CommandHumanize
	default:
		return models.CommandExport
	}
}

func (s *ConversationService) suggestionLine(state *models.ScriptState, next models.CommandName) string {
	switch next {
	case models.CommandExport:
		if state.Phase == models.PhaseComplete {
			return "🎉 Your script is complete. Type `export` to get the full text, or `edit <part>` to polish any piece."
		}
		return "Type `export` to see the full script so far, or `edit <part>` to rework any piece."
	default:
		return fmt.Sprintf("Next up: `%s`. Or type `status` to see where you are.", next)
	}
}

func (s *ConversationService) nextStepHint(conv *models.Conversation) string {
	if conv.Setup == models.SetupStageTopic {
		return "What topic is your video about? Just type it."
	}
	next := s.nextSuggested(conv.State)
	return fmt.Sprintf("Try `%s` next, or `help` for the full command list.", next)
}

func welcomeText() string {
	var b strings.Builder
	b.WriteString("👋 Welcome to ScriptForge. I build video scripts with you, piece by piece: hook, story, call to action, then polish.\n\n")
	b.WriteString("Commands: ")
	names := make([]string, 0, len(models.AllCommands()))
	for _, cmd := range models.AllCommands() {
		names = append(names, "`"+string(cmd)+"`")
	}
	b.WriteString(strings.Join(names, ", "))
	b.WriteString("\n\nFirst things first: what topic is your video about?")
	return b.String()
}

func helpText() string {
	return strings.TrimSpace(`
Here's how we work together:

**Drafting**
- ` + "`hook`" + ` — opening lines that stop the scroll
- ` + "`story`" + ` — the narrative structure of the main body
- ` + "`cta`" + ` — the closing call to action

**Polish**
- ` + "`review`" + ` — strengths and fixes, prioritized
- ` + "`critique`" + ` — the hard questions a skeptic would ask
- ` + "`humanize`" + ` — rewrite the story so it sounds like you
- ` + "`style`" + ` — concrete voice and delivery directions
- ` + "`research`" + ` — verifiable facts and claims to source

**Workflow**
- ` + "`status`" + ` — where the script stands
- ` + "`export`" + ` — the assembled script text
- ` + "`edit <part>`" + ` — rework an accepted piece, e.g. ` + "`edit hook`" + `

When I show numbered options: reply with the number to accept, ` + "`more`" + ` for a fresh batch, or describe what to change and I'll regenerate.`)
}

// statusText 当前脚本状态总览
func (s *ConversationService) statusText(conv *models.Conversation) string {
	state := conv.State
	c := state.Components

	var b strings.Builder
	b.WriteString("📊 **Script status**\n\n")
	fmt.Fprintf(&b, "- Topic: %s\n", orPlaceholder(state.Topic, "_not set_"))
	fmt.Fprintf(&b, "- Platform: %s", state.Platform)
	if state.VideoDuration != "" {
		fmt.Fprintf(&b, ", about %s", state.VideoDuration)
	}
	b.WriteString("\n")
	if state.TargetAudience != "" {
		fmt.Fprintf(&b, "- Audience: %s\n", state.TargetAudience)
	}
	fmt.Fprintf(&b, "- Phase: %s (%s)\n\n", state.Phase, state.Status)

	b.WriteString("**Components**\n")
	parts := []struct {
		name      string
		component models.Component
	}{
		{"hook", c.Hook}, {"story", c.Story}, {"cta", c.CTA},
		{"review", c.ReviewNotes}, {"style", c.StyleNotes}, {"research", c.ResearchNotes},
	}
	for _, p := range parts {
		if p.component.IsEmpty() {
			fmt.Fprintf(&b, "- %s: —\n", p.name)
			continue
		}
		suffix := ""
		if p.component.Revisions > 0 {
			suffix = fmt.Sprintf(" (revised ×%d)", p.component.Revisions)
		}
		fmt.Fprintf(&b, "- %s: ✅ %s%s\n", p.name, clip(p.component.Label, 60), suffix)
	}

	b.WriteString("\n")
	b.WriteString(s.suggestionLine(state, s.nextSuggested(state)))
	return b.String()
}

// editTargetsText 列出当前可编辑的组件
func (s *ConversationService) editTargetsText(state *models.ScriptState) string {
	var b strings.Builder
	b.WriteString("Which part do you want to rework? Use `edit <part>`, optionally with instructions, e.g. `edit hook make it punchier`.\n\n")

	available := false
	c := state.Components
	parts := []struct {
		cmd       models.CommandName
		component models.Component
	}{
		{models.CommandHook, c.Hook}, {models.CommandStory, c.Story}, {models.CommandCTA, c.CTA},
		{models.CommandReview, c.ReviewNotes}, {models.CommandStyle, c.StyleNotes}, {models.CommandResearch, c.ResearchNotes},
	}
	for _, p := range parts {
		if !p.component.IsEmpty() {
			fmt.Fprintf(&b, "- `edit %s` — currently: %s\n", p.cmd, clip(p.component.Label, 60))
			available = true
		}
	}
	if !available {
		return "Nothing has been accepted yet, so there's nothing to edit. Start with `hook`."
	}
	return b.String()
}

// handleExportCommand 聊天内导出：直接回复整合后的脚本文本
func (s *ConversationService) handleExportCommand(ctx context.Context, conv *models.Conversation, userText, rest string) (*ChatReply, error) {
	format := models.ExportFormatMarkdown
	if f, ok := models.ParseExportFormat(rest); ok {
		format = f
	}

	if !conv.State.Components.HasAny() {
		return s.finish(ctx, conv, userText, "There's nothing to export yet. Start with `hook` and build from there.")
	}

	content, err := s.export.Render(conv, format)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, conv, userText, content)
}

// --- 其他会话操作 ---

// GetConversation 返回完整会话（含最近消息），供详情接口使用
func (s *ConversationService) GetConversation(ctx context.Context, id string, messageLimit int) (*models.Conversation, error) {
	var conv *models.Conversation
	err := s.locks.ExecuteWithConversationReadLock(id, func() error {
		loaded, err := s.store.Load(ctx, id)
		if err != nil {
			return err
		}
		messages, err := s.store.LoadMessages(ctx, id, messageLimit)
		if err != nil {
			return err
		}
		loaded.Messages = messages
		conv = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations 返回全部会话摘要，最近更新的在前
func (s *ConversationService) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	return s.store.List(ctx)
}

// SearchConversations 按标题与主题做大小写不敏感的子串过滤
func (s *ConversationService) SearchConversations(ctx context.Context, query string) ([]models.ConversationSummary, error) {
	summaries, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return summaries, nil
	}

	matched := summaries[:0]
	for _, sum := range summaries {
		if strings.Contains(strings.ToLower(sum.Title), query) ||
			strings.Contains(strings.ToLower(sum.Topic), query) {
			matched = append(matched, sum)
		}
	}
	return matched, nil
}

// DeleteConversation 删除会话、消息历史与全部配套资料
func (s *ConversationService) DeleteConversation(ctx context.Context, id string) error {
	return s.locks.ExecuteWithConversationLock(id, func() error {
		if err := s.store.Delete(ctx, id); err != nil {
			return err
		}
		// 资料目录可能不存在，清理失败只记录
		if err := s.context.DeleteAll(id); err != nil {
			s.logger.Warn("清理会话资料失败", map[string]interface{}{
				"conversation_id": id,
				"error":           err.Error(),
			})
		}
		return nil
	})
}

// joinInstruction 合并多段补充说明，跳过空段
func joinInstruction(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
