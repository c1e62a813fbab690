// internal/models/intent.go
package models

import (
	"strings"
)

// IntentKind 表示一次用户输入被路由后的意图类别
type IntentKind string

const (
	// IntentStart 新会话的首条输入，进入引导流程
	IntentStart IntentKind = "start"
	// IntentSelect 对当前待选项的编号选择
	IntentSelect IntentKind = "select"
	// IntentMore 要求换一批候选
	IntentMore IntentKind = "more"
	// IntentCommand 显式创作指令，如hook/story/cta
	IntentCommand IntentKind = "command"
	// IntentEdit 对指定组件的定向修改
	IntentEdit IntentKind = "edit"
	// IntentFreeText 自由文本输入
	IntentFreeText IntentKind = "free_text"
)

// CommandName 表示受支持的创作指令
type CommandName string

const (
	CommandHook     CommandName = "hook"
	CommandStory    CommandName = "story"
	CommandCTA      CommandName = "cta"
	CommandReview   CommandName = "review"
	CommandHumanize CommandName = "humanize"
	CommandStyle    CommandName = "style"
	CommandCritique CommandName = "critique"
	CommandResearch CommandName = "research"
	CommandStatus   CommandName = "status"
	CommandExport   CommandName = "export"
	CommandHelp     CommandName = "help"
)

// AllCommands 返回全部指令关键词（帮助文案按此顺序展示）
func AllCommands() []CommandName {
	return []CommandName{
		CommandHook, CommandStory, CommandCTA,
		CommandReview, CommandHumanize, CommandStyle,
		CommandCritique, CommandResearch,
		CommandStatus, CommandExport, CommandHelp,
	}
}

// ParseCommandName 将单个输入词解析为指令关键词，大小写不敏感
func ParseCommandName(word string) (CommandName, bool) {
	name := CommandName(strings.ToLower(word))
	for _, cmd := range AllCommands() {
		if cmd == name {
			return cmd, true
		}
	}
	return "", false
}

// IsContentDomain 判断指令是否为内容生成环节。
// status/export/help是只读指令，不产生候选项
func (c CommandName) IsContentDomain() bool {
	switch c {
	case CommandHook, CommandStory, CommandCTA, CommandReview,
		CommandHumanize, CommandStyle, CommandCritique, CommandResearch:
		return true
	}
	return false
}

// Intent 表示路由结果，Kind决定哪些附属字段有效
type Intent struct {
	Kind    IntentKind  `json:"kind"`
	Command CommandName `json:"command,omitempty"` // Kind为command时有效
	Target  CommandName `json:"target,omitempty"`  // Kind为edit时有效，指向被修改的组件指令
	Index   int         `json:"index,omitempty"`   // Kind为select时有效，1起始
	Text    string      `json:"text,omitempty"`    // 原始输入文本
}
