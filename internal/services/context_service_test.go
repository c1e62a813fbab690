// internal/services/context_service_test.go
package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/Draftsmith/ScriptForge/internal/errors"
	"github.com/Draftsmith/ScriptForge/internal/storage"
)

func contextFixture(t *testing.T) *ContextService {
	t.Helper()
	files, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	t.Cleanup(files.Close)
	return NewContextService(files)
}

// articlePage 拼一个正文量足够被解析器识别的页面
func articlePage(title string, paragraphs ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<!DOCTYPE html><html><head><title>%s</title></head><body><article><h1>%s</h1>", title, title)
	for _, p := range paragraphs {
		fmt.Fprintf(&b, "<p>%s</p>", p)
	}
	b.WriteString("</article></body></html>")
	return b.String()
}

func longParagraphs() []string {
	base := "A consistent grind is the single biggest upgrade for home brewing. " +
		"Burr grinders crush beans between two surfaces at a fixed distance, so every particle " +
		"ends up roughly the same size and extracts at the same rate. Blade grinders chop unevenly, " +
		"which leaves you with powder and boulders in the same dose and a cup that is both bitter and sour."
	return []string{base, base + " Water temperature matters almost as much as the grind.", base + " Freshness closes the loop."}
}

func TestAddDocumentFromText(t *testing.T) {
	s := contextFixture(t)

	doc, err := s.AddDocumentFromText("conv-1", "", "<p>Grind size controls <b>extraction</b> speed.</p>")
	if err != nil {
		t.Fatalf("保存粘贴资料失败: %v", err)
	}
	if doc.Title != "Pasted notes" {
		t.Errorf("空标题应回退默认值，实际%q", doc.Title)
	}
	if strings.Contains(doc.Content, "<") {
		t.Errorf("内容应已清洗HTML: %q", doc.Content)
	}
	assertContains(t, doc.Content, "Grind size controls", "清洗后的内容")
	if doc.ID == "" {
		t.Error("资料应分配ID")
	}

	docs, err := s.Documents("conv-1")
	if err != nil {
		t.Fatalf("读取资料失败: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != doc.ID {
		t.Errorf("资料应已持久化，得到: %+v", docs)
	}
}

func TestAddDocumentFromTextRejectsEmpty(t *testing.T) {
	s := contextFixture(t)

	for _, text := range []string{"", "   ", "<div><span></span></div>"} {
		if _, err := s.AddDocumentFromText("conv-1", "notes", text); !apperrors.IsValidationError(err) {
			t.Errorf("输入%q期望Validation错误，得到: %v", text, err)
		}
	}
}

func TestRemoveDocument(t *testing.T) {
	s := contextFixture(t)
	first, err := s.AddDocumentFromText("conv-1", "first", "grind size matters")
	if err != nil {
		t.Fatalf("保存资料失败: %v", err)
	}
	second, err := s.AddDocumentFromText("conv-1", "second", "water temperature matters")
	if err != nil {
		t.Fatalf("保存资料失败: %v", err)
	}

	if err := s.RemoveDocument("conv-1", first.ID); err != nil {
		t.Fatalf("删除资料失败: %v", err)
	}
	docs, err := s.Documents("conv-1")
	if err != nil {
		t.Fatalf("读取资料失败: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != second.ID {
		t.Errorf("应只剩第二份资料，得到: %+v", docs)
	}

	if err := s.RemoveDocument("conv-1", first.ID); !apperrors.IsNotFoundError(err) {
		t.Errorf("重复删除期望NotFound错误，得到: %v", err)
	}
}

func TestToneSamples(t *testing.T) {
	s := contextFixture(t)

	sample, err := s.AddToneSample("conv-1", "  ", "Keep it punchy. Short sentences. No fluff.")
	if err != nil {
		t.Fatalf("保存语气样本失败: %v", err)
	}
	if sample.Label != "voice sample" {
		t.Errorf("空标签应回退默认值，实际%q", sample.Label)
	}

	samples, err := s.ToneSamples("conv-1")
	if err != nil {
		t.Fatalf("读取语气样本失败: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("应有1条语气样本，得到%d条", len(samples))
	}

	if err := s.RemoveToneSample("conv-1", sample.ID); err != nil {
		t.Fatalf("删除语气样本失败: %v", err)
	}
	if err := s.RemoveToneSample("conv-1", sample.ID); !apperrors.IsNotFoundError(err) {
		t.Errorf("重复删除期望NotFound错误，得到: %v", err)
	}
}

func TestBuildReference(t *testing.T) {
	s := contextFixture(t)

	if got := s.BuildReference("conv-1"); got != "" {
		t.Errorf("无资料时参考摘要应为空，得到%q", got)
	}

	if _, err := s.AddDocumentFromText("conv-1", "Grinding basics", "burr grinders beat blade grinders"); err != nil {
		t.Fatalf("保存资料失败: %v", err)
	}
	if _, err := s.AddToneSample("conv-1", "house style", "short and direct"); err != nil {
		t.Fatalf("保存语气样本失败: %v", err)
	}

	ref := s.BuildReference("conv-1")
	assertContains(t, ref, "Research documents:", "参考摘要")
	assertContains(t, ref, "Grinding basics", "参考摘要")
	assertContains(t, ref, "Voice samples to imitate:", "参考摘要")
	assertContains(t, ref, "house style", "参考摘要")
}

func TestAddDocumentFromURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articlePage("Coffee Brewing Guide", longParagraphs()...))
	}))
	defer server.Close()

	s := contextFixture(t)
	doc, err := s.AddDocumentFromURL(context.Background(), "conv-1", server.URL)
	if err != nil {
		t.Fatalf("抓取资料失败: %v", err)
	}
	if doc.SourceURL != server.URL {
		t.Errorf("来源URL应被记录，实际%q", doc.SourceURL)
	}
	assertContains(t, doc.Content, "burr grinder", "抓取的正文")
	if strings.Contains(doc.Content, "<p>") {
		t.Error("正文应已清洗HTML")
	}

	docs, err := s.Documents("conv-1")
	if err != nil {
		t.Fatalf("读取资料失败: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("抓取结果应已持久化，得到%d份", len(docs))
	}
}

func TestAddDocumentFromURLRejectsBadURL(t *testing.T) {
	s := contextFixture(t)

	for _, raw := range []string{"ftp://example.com/doc", "not a url at all", ""} {
		if _, err := s.AddDocumentFromURL(context.Background(), "conv-1", raw); !apperrors.IsValidationError(err) {
			t.Errorf("URL%q期望Validation错误，得到: %v", raw, err)
		}
	}
}

func TestAddDocumentFromURLHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	s := contextFixture(t)
	_, err := s.AddDocumentFromURL(context.Background(), "conv-1", server.URL)
	if !apperrors.IsProcessingError(err) {
		t.Fatalf("非200响应期望Processing错误，得到: %v", err)
	}
	assertContains(t, err.Error(), "404", "抓取错误信息")
}

func TestAddDocumentsFromURLsFailFast(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articlePage("Coffee Brewing Guide", longParagraphs()...))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()

	s := contextFixture(t)
	_, err := s.AddDocumentsFromURLs(context.Background(), "conv-1", []string{good.URL, bad.URL})
	if err == nil {
		t.Fatal("任一URL失败应使整批失败")
	}

	// 整批原子性：失败时不落任何一篇
	docs, err := s.Documents("conv-1")
	if err != nil {
		t.Fatalf("读取资料失败: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("失败的批次不应写入资料，得到%d份", len(docs))
	}

	if _, err := s.AddDocumentsFromURLs(context.Background(), "conv-1", nil); !apperrors.IsValidationError(err) {
		t.Errorf("空URL列表期望Validation错误，得到: %v", err)
	}
}

func TestDeleteAllContext(t *testing.T) {
	s := contextFixture(t)
	if _, err := s.AddDocumentFromText("conv-1", "notes", "grind size matters"); err != nil {
		t.Fatalf("保存资料失败: %v", err)
	}
	if _, err := s.AddToneSample("conv-1", "style", "short and direct"); err != nil {
		t.Fatalf("保存语气样本失败: %v", err)
	}

	if err := s.DeleteAll("conv-1"); err != nil {
		t.Fatalf("清空资料失败: %v", err)
	}

	docs, err := s.Documents("conv-1")
	if err != nil {
		t.Fatalf("读取资料失败: %v", err)
	}
	samples, err := s.ToneSamples("conv-1")
	if err != nil {
		t.Fatalf("读取语气样本失败: %v", err)
	}
	if len(docs) != 0 || len(samples) != 0 {
		t.Errorf("清空后不应残留资料，资料%d份，语气样本%d条", len(docs), len(samples))
	}

	// 清空不存在的会话目录同样成功
	if err := s.DeleteAll("conv-1"); err != nil {
		t.Errorf("重复清空应幂等: %v", err)
	}
}
