// internal/services/progress_service_test.go
package services

import (
	"testing"
	"time"

	"github.com/Draftsmith/ScriptForge/internal/models"
)

func TestStartTaskReusesRunningTracker(t *testing.T) {
	s := NewProgressService()

	first := s.StartTask("conv-1", models.CommandHook)
	second := s.StartTask("conv-1", models.CommandStory)
	if first != second {
		t.Error("进行中的任务不应被新任务替换")
	}
	if second.Stage != models.CommandHook {
		t.Errorf("复用的跟踪器应保留原环节，实际%s", second.Stage)
	}

	first.Complete("done")
	third := s.StartTask("conv-1", models.CommandStory)
	if third == first {
		t.Error("任务结束后新任务应拿到新跟踪器")
	}
	if third.Stage != models.CommandStory {
		t.Errorf("新跟踪器环节不符: %s", third.Stage)
	}
}

func TestUpdateProgressIsMonotonic(t *testing.T) {
	s := NewProgressService()
	tracker := s.StartTask("conv-1", models.CommandHook)

	tracker.UpdateProgress(40, "drafting")
	tracker.UpdateProgress(20, "should not go backwards")
	if tracker.Progress != 40 {
		t.Errorf("进度只增不减，实际%d", tracker.Progress)
	}
	if tracker.Message != "should not go backwards" {
		t.Errorf("消息应更新为最新一条: %q", tracker.Message)
	}

	tracker.Complete("")
	tracker.UpdateProgress(99, "late update")
	if tracker.Progress != 100 || tracker.Status != ProgressCompleted {
		t.Error("任务结束后进度不应再变化")
	}
	if tracker.Message != "Options ready" {
		t.Errorf("空完成消息应有默认值: %q", tracker.Message)
	}
}

func TestSubscribeDeliversSnapshotsInOrder(t *testing.T) {
	s := NewProgressService()
	tracker := s.StartTask("conv-1", models.CommandHook)

	ch := tracker.Subscribe()

	// 订阅立即收到当前快照
	initial := <-ch
	if initial.Status != ProgressRunning || initial.Progress != 0 {
		t.Errorf("首个快照应是当前状态: %+v", initial)
	}
	if initial.ConversationID != "conv-1" || initial.Stage != models.CommandHook {
		t.Errorf("快照应带会话与环节: %+v", initial)
	}

	tracker.UpdateProgress(50, "halfway")
	update := <-ch
	if update.Progress != 50 || update.Message != "halfway" {
		t.Errorf("进度更新不符: %+v", update)
	}

	tracker.Complete("all done")
	final := <-ch
	if final.Status != ProgressCompleted || final.Progress != 100 {
		t.Errorf("完成快照不符: %+v", final)
	}

	select {
	case <-tracker.Done():
	case <-time.After(time.Second):
		t.Fatal("完成后Done通道应关闭")
	}
}

func TestFailClosesDone(t *testing.T) {
	s := NewProgressService()
	tracker := s.StartTask("conv-1", models.CommandHook)
	ch := tracker.Subscribe()
	<-ch

	tracker.Fail("upstream exploded")
	update := <-ch
	if update.Status != ProgressFailed || update.Message != "upstream exploded" {
		t.Errorf("失败快照不符: %+v", update)
	}

	select {
	case <-tracker.Done():
	case <-time.After(time.Second):
		t.Fatal("失败后Done通道应关闭")
	}

	// 结束后的二次终结是空操作
	tracker.Complete("too late")
	if tracker.Status != ProgressFailed {
		t.Error("已失败的任务不应再被标记完成")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := NewProgressService()
	tracker := s.StartTask("conv-1", models.CommandHook)
	ch := tracker.Subscribe()
	<-ch

	tracker.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("退订后通道应关闭")
	}

	// 重复退订无害
	tracker.Unsubscribe(ch)
	tracker.UpdateProgress(50, "after unsubscribe")
}

func TestCleanupCompletedTasks(t *testing.T) {
	s := NewProgressService()

	finished := s.StartTask("conv-done", models.CommandHook)
	finished.Complete("done")
	running := s.StartTask("conv-busy", models.CommandHook)

	// 让已完成任务的更新时间落在清理窗口之外
	finished.mutex.Lock()
	finished.UpdateTime = time.Now().Add(-time.Hour)
	finished.mutex.Unlock()

	s.CleanupCompletedTasks(30 * time.Minute)

	if _, ok := s.GetTracker("conv-done"); ok {
		t.Error("结束已久的跟踪器应被清理")
	}
	if got, ok := s.GetTracker("conv-busy"); !ok || got != running {
		t.Error("进行中的跟踪器不应被清理")
	}
}
