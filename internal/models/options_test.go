// internal/models/options_test.go
package models

import (
	"testing"
)

func TestOriginCommandRoundTrip(t *testing.T) {
	contentOrigins := []OptionOrigin{
		OriginHook, OriginStory, OriginCTA, OriginReview,
		OriginHumanize, OriginStyle, OriginCritique, OriginResearch,
	}

	for _, origin := range contentOrigins {
		cmd, ok := origin.Command()
		if !ok {
			t.Errorf("来源 %s 应能映射回创作指令", origin)
			continue
		}
		if OriginForCommand(cmd) != origin {
			t.Errorf("指令 %s 映射回来源 %s, 期望 %s", cmd, OriginForCommand(cmd), origin)
		}
	}
}

func TestWizardOriginsHaveNoCommand(t *testing.T) {
	for _, origin := range []OptionOrigin{OriginSetupPlatform, OriginSetupDuration} {
		if cmd, ok := origin.Command(); ok {
			t.Errorf("向导来源 %s 不应映射到指令, 得到 %s", origin, cmd)
		}
	}
}

func TestPendingOptionsCount(t *testing.T) {
	var nilPending *PendingOptions
	if got := nilPending.Count(); got != 0 {
		t.Errorf("nil候选组 Count = %d, 期望0", got)
	}

	empty := &PendingOptions{Origin: OriginHook}
	if got := empty.Count(); got != 0 {
		t.Errorf("空候选组 Count = %d, 期望0", got)
	}

	filled := &PendingOptions{
		Origin: OriginStory,
		Items: []Candidate{
			{ID: "1", Label: "方案A", Value: "完整内容A"},
			{ID: "2", Label: "方案B", Value: "完整内容B"},
			{ID: "3", Label: "方案C", Value: "完整内容C"},
		},
	}
	if got := filled.Count(); got != 3 {
		t.Errorf("候选组 Count = %d, 期望3", got)
	}
}
