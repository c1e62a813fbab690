// internal/services/context_service.go
package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/Draftsmith/ScriptForge/internal/errors"
	"github.com/Draftsmith/ScriptForge/internal/models"
	"github.com/Draftsmith/ScriptForge/internal/storage"
	"github.com/Draftsmith/ScriptForge/internal/utils"
)

const (
	// 单篇资料落盘的内容上限，按符文计
	maxDocumentRunes = 6000
	// 注入提示词的参考资料总量上限
	maxReferenceRunes = 2400
	// 批量抓取的并发上限
	maxConcurrentFetches = 4
	// 抓取响应体的读取上限
	maxFetchBytes = 2 << 20

	documentsFile   = "documents.json"
	toneSamplesFile = "tone_samples.json"
)

// ContextService 管理会话的参考资料与语气样本。
// 资料从URL抓取正文并清洗后存档，生成时摘要注入提示词
type ContextService struct {
	storage   *storage.FileStorage
	client    *http.Client
	sanitizer *bluemonday.Policy
	logger    *utils.Logger
	userAgent string

	// 同一会话的资料文件读改写必须串行
	fileMutex sync.Mutex
}

// NewContextService 创建资料服务
func NewContextService(fileStorage *storage.FileStorage) *ContextService {
	return &ContextService{
		storage: fileStorage,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		sanitizer: bluemonday.StrictPolicy(),
		logger:    utils.GetLogger(),
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	}
}

// AddDocumentFromURL 抓取一个URL的正文并存入会话资料
func (s *ContextService) AddDocumentFromURL(ctx context.Context, conversationID, rawURL string) (*models.ContextDocument, error) {
	doc, err := s.fetchDocument(ctx, conversationID, rawURL)
	if err != nil {
		return nil, err
	}
	if err := s.appendDocuments(conversationID, []*models.ContextDocument{doc}); err != nil {
		return nil, err
	}
	return doc, nil
}

// AddDocumentFromText 将用户粘贴的文本存入会话资料，不做抓取
func (s *ContextService) AddDocumentFromText(conversationID, title, text string) (*models.ContextDocument, error) {
	content := strings.TrimSpace(s.sanitizer.Sanitize(text))
	if content == "" {
		return nil, apperrors.NewValidationError("粘贴内容不能为空", nil)
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = "Pasted notes"
	}

	doc := &models.ContextDocument{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Title:          title,
		Content:        clip(content, maxDocumentRunes),
		Excerpt:        clip(content, 300),
		AddedAt:        time.Now(),
	}

	if err := s.appendDocuments(conversationID, []*models.ContextDocument{doc}); err != nil {
		return nil, err
	}

	s.logger.Info("保存粘贴资料完成", map[string]interface{}{
		"conversation_id": conversationID,
		"title":           title,
		"content_runes":   len([]rune(doc.Content)),
	})
	return doc, nil
}

// AddDocumentsFromURLs 并发抓取多个URL，任一失败即中止整批。
// 全部抓取成功后一次性写入，避免资料文件被并发读改写
func (s *ContextService) AddDocumentsFromURLs(ctx context.Context, conversationID string, urls []string) ([]*models.ContextDocument, error) {
	if len(urls) == 0 {
		return nil, apperrors.NewValidationError("没有提供任何URL", nil)
	}

	var mu sync.Mutex
	docs := make([]*models.ContextDocument, 0, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, rawURL := range urls {
		rawURL := rawURL
		g.Go(func() error {
			doc, err := s.fetchDocument(gctx, conversationID, rawURL)
			if err != nil {
				return err
			}
			mu.Lock()
			docs = append(docs, doc)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.appendDocuments(conversationID, docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// fetchDocument 抓取并解析单个URL，不落盘
func (s *ContextService) fetchDocument(ctx context.Context, conversationID, rawURL string) (*models.ContextDocument, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("无效的URL: %s", rawURL), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsedURL.String(), nil)
	if err != nil {
		return nil, apperrors.NewValidationError("构造抓取请求失败", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.NewProcessingError(
			fmt.Sprintf("抓取%s失败", parsedURL.Host), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewProcessingError(
			fmt.Sprintf("抓取%s失败: HTTP %d", parsedURL.Host, resp.StatusCode), nil)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxFetchBytes), parsedURL)
	if err != nil {
		return nil, apperrors.NewProcessingError(
			fmt.Sprintf("解析%s正文失败", parsedURL.Host), err)
	}

	content := strings.TrimSpace(s.sanitizer.Sanitize(article.TextContent))
	if content == "" {
		return nil, apperrors.NewProcessingError(
			fmt.Sprintf("%s没有可提取的正文", parsedURL.Host), nil)
	}

	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = parsedURL.Host
	}

	doc := &models.ContextDocument{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SourceURL:      parsedURL.String(),
		Title:          title,
		Content:        clip(content, maxDocumentRunes),
		Excerpt:        clip(strings.TrimSpace(article.Excerpt), 300),
		AddedAt:        time.Now(),
	}

	s.logger.Info("抓取参考资料完成", map[string]interface{}{
		"conversation_id": conversationID,
		"host":            parsedURL.Host,
		"content_runes":   len([]rune(doc.Content)),
	})
	return doc, nil
}

// appendDocuments 读改写会话的资料文件
func (s *ContextService) appendDocuments(conversationID string, docs []*models.ContextDocument) error {
	s.fileMutex.Lock()
	defer s.fileMutex.Unlock()

	existing, err := s.loadDocuments(conversationID)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		existing = append(existing, *doc)
	}
	if err := s.storage.SaveJSON(conversationID, documentsFile, existing); err != nil {
		return apperrors.NewPersistenceError("保存参考资料失败", err)
	}
	return nil
}

func (s *ContextService) loadDocuments(conversationID string) ([]models.ContextDocument, error) {
	if !s.storage.Exists(conversationID, documentsFile) {
		return nil, nil
	}
	var docs []models.ContextDocument
	if err := s.storage.LoadJSON(conversationID, documentsFile, &docs); err != nil {
		return nil, apperrors.NewPersistenceError("读取参考资料失败", err)
	}
	return docs, nil
}

// Documents 返回会话的全部参考资料
func (s *ContextService) Documents(conversationID string) ([]models.ContextDocument, error) {
	s.fileMutex.Lock()
	defer s.fileMutex.Unlock()
	return s.loadDocuments(conversationID)
}

// RemoveDocument 删除指定资料
func (s *ContextService) RemoveDocument(conversationID, documentID string) error {
	s.fileMutex.Lock()
	defer s.fileMutex.Unlock()

	docs, err := s.loadDocuments(conversationID)
	if err != nil {
		return err
	}

	kept := docs[:0]
	found := false
	for _, doc := range docs {
		if doc.ID == documentID {
			found = true
			continue
		}
		kept = append(kept, doc)
	}
	if !found {
		return apperrors.NewNotFoundError(
			fmt.Sprintf("资料%s不存在", documentID), nil)
	}

	if err := s.storage.SaveJSON(conversationID, documentsFile, kept); err != nil {
		return apperrors.NewPersistenceError("保存参考资料失败", err)
	}
	return nil
}

// AddToneSample 保存一段语气样本，生成时供模型模仿
func (s *ContextService) AddToneSample(conversationID, label, content string) (*models.ToneSample, error) {
	content = strings.TrimSpace(s.sanitizer.Sanitize(content))
	if content == "" {
		return nil, apperrors.NewValidationError("语气样本内容为空", nil)
	}
	if strings.TrimSpace(label) == "" {
		label = "voice sample"
	}

	sample := models.ToneSample{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Label:          strings.TrimSpace(label),
		Content:        clip(content, maxDocumentRunes),
		AddedAt:        time.Now(),
	}

	s.fileMutex.Lock()
	defer s.fileMutex.Unlock()

	samples, err := s.loadToneSamples(conversationID)
	if err != nil {
		return nil, err
	}
	samples = append(samples, sample)
	if err := s.storage.SaveJSON(conversationID, toneSamplesFile, samples); err != nil {
		return nil, apperrors.NewPersistenceError("保存语气样本失败", err)
	}
	return &sample, nil
}

func (s *ContextService) loadToneSamples(conversationID string) ([]models.ToneSample, error) {
	if !s.storage.Exists(conversationID, toneSamplesFile) {
		return nil, nil
	}
	var samples []models.ToneSample
	if err := s.storage.LoadJSON(conversationID, toneSamplesFile, &samples); err != nil {
		return nil, apperrors.NewPersistenceError("读取语气样本失败", err)
	}
	return samples, nil
}

// ToneSamples 返回会话的全部语气样本
func (s *ContextService) ToneSamples(conversationID string) ([]models.ToneSample, error) {
	s.fileMutex.Lock()
	defer s.fileMutex.Unlock()
	return s.loadToneSamples(conversationID)
}

// RemoveToneSample 删除指定语气样本
func (s *ContextService) RemoveToneSample(conversationID, sampleID string) error {
	s.fileMutex.Lock()
	defer s.fileMutex.Unlock()

	samples, err := s.loadToneSamples(conversationID)
	if err != nil {
		return err
	}

	kept := samples[:0]
	found := false
	for _, sample := range samples {
		if sample.ID == sampleID {
			found = true
			continue
		}
		kept = append(kept, sample)
	}
	if !found {
		return apperrors.NewNotFoundError(
			fmt.Sprintf("语气样本%s不存在", sampleID), nil)
	}

	if err := s.storage.SaveJSON(conversationID, toneSamplesFile, kept); err != nil {
		return apperrors.NewPersistenceError("保存语气样本失败", err)
	}
	return nil
}

// DeleteAll 清空会话的全部资料，会话删除时调用
func (s *ContextService) DeleteAll(conversationID string) error {
	s.fileMutex.Lock()
	defer s.fileMutex.Unlock()
	return s.storage.DeleteDir(conversationID)
}

// BuildReference 拼装注入提示词的参考摘要。
// 没有任何资料时返回空串，调用方据此跳过注入
func (s *ContextService) BuildReference(conversationID string) string {
	s.fileMutex.Lock()
	docs, docErr := s.loadDocuments(conversationID)
	samples, sampleErr := s.loadToneSamples(conversationID)
	s.fileMutex.Unlock()

	if docErr != nil || sampleErr != nil {
		// 资料读不出来不阻塞生成，记录后按无资料处理
		s.logger.Warn("读取会话资料失败", map[string]interface{}{
			"conversation_id": conversationID,
		})
		return ""
	}
	if len(docs) == 0 && len(samples) == 0 {
		return ""
	}

	perDoc := maxReferenceRunes
	if n := len(docs) + len(samples); n > 0 {
		perDoc = maxReferenceRunes / n
	}
	if perDoc < 200 {
		perDoc = 200
	}

	var b strings.Builder
	if len(docs) > 0 {
		b.WriteString("Research documents:\n")
		for _, doc := range docs {
			excerpt := doc.Excerpt
			if excerpt == "" {
				excerpt = doc.Content
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", doc.Title, doc.SourceURL, clip(excerpt, perDoc))
		}
	}
	if len(samples) > 0 {
		b.WriteString("Voice samples to imitate:\n")
		for _, sample := range samples {
			fmt.Fprintf(&b, "- %s: %s\n", sample.Label, clip(sample.Content, perDoc))
		}
	}
	return b.String()
}
