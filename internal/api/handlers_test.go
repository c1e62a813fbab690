// internal/api/handlers_test.go
package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Draftsmith/ScriptForge/internal/errors"
	"github.com/Draftsmith/ScriptForge/internal/models"
)

func TestPaginateSummaries(t *testing.T) {
	summaries := make([]models.ConversationSummary, 5)
	for i := range summaries {
		summaries[i] = models.ConversationSummary{ID: fmt.Sprintf("conv-%d", i+1)}
	}

	items, meta := paginateSummaries(summaries, "2", "2")
	if len(items) != 2 || items[0].ID != "conv-3" || items[1].ID != "conv-4" {
		t.Errorf("第二页内容不符: %+v", items)
	}
	if meta.Page != 2 || meta.PageSize != 2 || meta.Total != 5 || meta.TotalPages != 3 {
		t.Errorf("分页元数据不符: %+v", meta)
	}

	// 越界页码返回空页
	items, meta = paginateSummaries(summaries, "9", "2")
	if len(items) != 0 {
		t.Errorf("越界页应为空，得到%d条", len(items))
	}
	if meta.Page != 9 {
		t.Errorf("meta.Page = %d, 期望9", meta.Page)
	}

	// 非法参数回退默认值
	items, meta = paginateSummaries(summaries, "abc", "-1")
	if len(items) != 5 || meta.Page != 1 || meta.PageSize != 20 {
		t.Errorf("非法参数应回退默认值: %d条, %+v", len(items), meta)
	}

	items, meta = paginateSummaries(nil, "1", "10")
	if len(items) != 0 || meta.TotalPages != 1 {
		t.Errorf("空列表应返回空页和1个总页数: %d条, TotalPages=%d", len(items), meta.TotalPages)
	}
}

func TestRespondChatErrorMapping(t *testing.T) {
	h := &Handler{Response: NewResponseHelper()}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"provider未就绪", apperrors.NewProviderNotReadyError("api key missing", nil), http.StatusServiceUnavailable, ErrorLLMServiceUnavailable},
		{"生成失败", apperrors.NewGenerationError("上游超时", nil), http.StatusBadGateway, ErrorGenerationFailed},
		{"持久化失败", apperrors.NewPersistenceError("落盘失败", nil), http.StatusInternalServerError, ErrorPersistenceFailed},
		{"会话不存在", apperrors.NewNotFoundError("会话不存在", nil), http.StatusNotFound, ErrorConversationNotFound},
		{"参数非法", apperrors.NewValidationError("时长格式错误", nil), http.StatusBadRequest, ErrorBadRequest},
		{"未分类错误", errors.New("boom"), http.StatusInternalServerError, ErrorChatProcessingFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			h.respondChatError(c, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("状态码 = %d, 期望 %d", w.Code, tt.wantStatus)
			}
			resp := decodeEnvelope(t, w)
			if resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Errorf("错误代码不符: %+v", resp.Error)
			}
		})
	}
}
