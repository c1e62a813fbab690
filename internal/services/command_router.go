// internal/services/command_router.go
package services

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/Draftsmith/ScriptForge/internal/models"
)

// CommandRouter 将原始用户输入解析为类型化意图。
// 纯解析，不触碰会话状态，解析规则按优先级依次匹配：
// 空输入开启新会话、编号选择、换一批、指令关键词、定向修改，
// 全部不中则作为自由文本交给编排器
type CommandRouter struct{}

// NewCommandRouter 创建路由器
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{}
}

// Route 解析一条输入。
// pendingCount是当前挂起候选项的数量，0表示没有待选项；
// hasConversation标记该输入是否发生在已存在的会话中。
// 数字超出候选范围不算错误，按自由文本处理，用户可能在回答问题
func (r *CommandRouter) Route(rawInput string, pendingCount int, hasConversation bool) models.Intent {
	text := strings.TrimSpace(rawInput)

	if text == "" && !hasConversation {
		return models.Intent{Kind: models.IntentStart}
	}

	if pendingCount > 0 {
		if idx, err := strconv.Atoi(text); err == nil {
			if idx >= 1 && idx <= pendingCount {
				return models.Intent{Kind: models.IntentSelect, Index: idx, Text: text}
			}
			return models.Intent{Kind: models.IntentFreeText, Text: text}
		}
		if strings.EqualFold(text, "more") {
			return models.Intent{Kind: models.IntentMore, Text: text}
		}
	}

	first, rest := splitFirstWord(text)
	keyword := strings.TrimPrefix(strings.ToLower(first), "/")

	if keyword == "edit" {
		return r.routeEdit(text, rest)
	}

	if cmd, ok := models.ParseCommandName(keyword); ok {
		return models.Intent{Kind: models.IntentCommand, Command: cmd, Text: rest}
	}

	return models.Intent{Kind: models.IntentFreeText, Text: text}
}

// routeEdit 解析edit指令。
// 只输入edit时返回空目标，由编排器提示可编辑的组件；
// 目标不是已知创作环节时整句按自由文本处理
func (r *CommandRouter) routeEdit(full, rest string) models.Intent {
	target, instruction := splitFirstWord(rest)
	if target == "" {
		return models.Intent{Kind: models.IntentEdit, Text: full}
	}

	cmd, ok := models.ParseCommandName(strings.TrimPrefix(strings.ToLower(target), "/"))
	if ok && cmd.IsContentDomain() {
		return models.Intent{Kind: models.IntentEdit, Target: cmd, Text: instruction}
	}
	return models.Intent{Kind: models.IntentFreeText, Text: full}
}

// splitFirstWord 取出首个空白分隔的词与剩余文本
func splitFirstWord(text string) (first, rest string) {
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		return text[:i], strings.TrimSpace(text[i:])
	}
	return text, ""
}
