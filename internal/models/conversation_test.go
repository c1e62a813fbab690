// internal/models/conversation_test.go
package models

import (
	"testing"
	"time"
)

func TestAppendExtraContextAccumulates(t *testing.T) {
	c := &Conversation{}

	c.AppendExtraContext("")
	if c.ExtraContext != "" {
		t.Errorf("空文本不应累积, 得到 %q", c.ExtraContext)
	}

	c.AppendExtraContext("受众是学生")
	if c.ExtraContext != "受众是学生" {
		t.Errorf("首段累积 = %q", c.ExtraContext)
	}

	c.AppendExtraContext("语气轻松一点")
	want := "受众是学生\n语气轻松一点"
	if c.ExtraContext != want {
		t.Errorf("两段累积 = %q, 期望 %q", c.ExtraContext, want)
	}
}

func TestConsumeExtraContextClearsAfterRead(t *testing.T) {
	c := &Conversation{}
	c.AppendExtraContext("补充背景")

	if got := c.ConsumeExtraContext(); got != "补充背景" {
		t.Errorf("取出的上下文 = %q, 期望 %q", got, "补充背景")
	}
	if got := c.ConsumeExtraContext(); got != "" {
		t.Errorf("上下文取出后应清空, 再次取出得到 %q", got)
	}
}

func TestSummaryCopiesStateFields(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	updated := created.Add(2 * time.Hour)
	c := &Conversation{
		State: &ScriptState{
			ID:        "conv-7",
			Title:     "咖啡冲煮",
			Topic:     "手冲入门",
			Platform:  PlatformYouTube,
			Phase:     PhaseStoryDrafted,
			Status:    StatusInProgress,
			CreatedAt: created,
			UpdatedAt: updated,
		},
	}

	s := c.Summary()
	if s.ID != "conv-7" || s.Title != "咖啡冲煮" || s.Topic != "手冲入门" {
		t.Errorf("摘要基础字段不符: %+v", s)
	}
	if s.Platform != PlatformYouTube || s.Phase != PhaseStoryDrafted || s.Status != StatusInProgress {
		t.Errorf("摘要状态字段不符: %+v", s)
	}
	if !s.CreatedAt.Equal(created) || !s.UpdatedAt.Equal(updated) {
		t.Errorf("摘要时间字段不符: %+v", s)
	}
}

func TestSummaryWithoutStateIsZero(t *testing.T) {
	c := &Conversation{}
	s := c.Summary()
	if s.ID != "" || s.Title != "" || !s.CreatedAt.IsZero() {
		t.Errorf("无状态会话的摘要应为零值: %+v", s)
	}
}
