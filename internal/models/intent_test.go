// internal/models/intent_test.go
package models

import (
	"testing"
)

func TestParseCommandName(t *testing.T) {
	tests := []struct {
		in     string
		want   CommandName
		wantOK bool
	}{
		{"hook", CommandHook, true},
		{"HOOK", CommandHook, true},
		{"Story", CommandStory, true},
		{"cta", CommandCTA, true},
		{"export", CommandExport, true},
		{"outline", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseCommandName(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseCommandName(%q) = (%q, %v), 期望 (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestIsContentDomain(t *testing.T) {
	content := []CommandName{
		CommandHook, CommandStory, CommandCTA, CommandReview,
		CommandHumanize, CommandStyle, CommandCritique, CommandResearch,
	}
	for _, cmd := range content {
		if !cmd.IsContentDomain() {
			t.Errorf("%s 应属于内容生成环节", cmd)
		}
	}

	readonly := []CommandName{CommandStatus, CommandExport, CommandHelp}
	for _, cmd := range readonly {
		if cmd.IsContentDomain() {
			t.Errorf("%s 是只读指令，不应属于内容生成环节", cmd)
		}
	}
}
