// internal/storage/sqlite_store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	apperrors "github.com/Draftsmith/ScriptForge/internal/errors"
	"github.com/Draftsmith/ScriptForge/internal/models"
)

// schema 会话与消息两张表。
// 摘要列与state_json冗余，列表页不需要反序列化完整状态
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	topic      TEXT NOT NULL DEFAULT '',
	platform   TEXT NOT NULL DEFAULT 'generic',
	phase      TEXT NOT NULL DEFAULT 'empty',
	status     TEXT NOT NULL DEFAULT 'in_progress',
	state_json TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	timestamp       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);
`

// SQLiteStore 基于SQLite的会话持久化。
// 每个会话一条记录：完整状态信封存state_json，消息历史单独成表。
// 同一会话保存后立即可读，跨会话不需要事务
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore 打开（必要时创建）数据库并建表
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, apperrors.NewPersistenceError("创建数据库目录失败", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperrors.NewPersistenceError("打开数据库失败", err)
	}
	// 纯Go驱动下单写者最稳妥，写串行化交给数据库层
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, apperrors.NewPersistenceError("设置数据库参数失败", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.NewPersistenceError("初始化数据库表失败", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Close 关闭数据库连接
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save 写入完整会话信封并刷新摘要列，存在则覆盖
func (s *SQLiteStore) Save(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.State == nil {
		return apperrors.NewValidationError("会话状态为空，拒绝保存", nil)
	}

	// 消息历史单独成表，信封里不重复存储
	envelope := *conv
	envelope.Messages = nil

	stateJSON, err := json.Marshal(&envelope)
	if err != nil {
		return apperrors.NewPersistenceError("序列化会话状态失败", err)
	}

	summary := conv.Summary()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, topic, platform, phase, status, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			topic = excluded.topic,
			platform = excluded.platform,
			phase = excluded.phase,
			status = excluded.status,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`,
		summary.ID, summary.Title, summary.Topic, string(summary.Platform),
		string(summary.Phase), string(summary.Status), string(stateJSON),
		summary.CreatedAt, summary.UpdatedAt)
	if err != nil {
		return apperrors.NewPersistenceError(
			fmt.Sprintf("保存会话%s失败", summary.ID), err)
	}
	return nil
}

// Load 读取完整会话信封，不包含消息历史
func (s *SQLiteStore) Load(ctx context.Context, id string) (*models.Conversation, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM conversations WHERE id = ?`, id).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(
			fmt.Sprintf("会话%s不存在", id), err)
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError(
			fmt.Sprintf("读取会话%s失败", id), err)
	}

	var conv models.Conversation
	if err := json.Unmarshal([]byte(stateJSON), &conv); err != nil {
		return nil, apperrors.NewPersistenceError(
			fmt.Sprintf("解析会话%s状态失败", id), err)
	}
	if conv.State == nil {
		return nil, apperrors.NewPersistenceError(
			fmt.Sprintf("会话%s缺少脚本状态", id), nil)
	}
	return &conv, nil
}

// AppendMessage 追加一条消息并返回落库后的记录
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, role models.MessageRole, content string) (models.Message, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?)`,
		conversationID, string(role), content, now)
	if err != nil {
		return models.Message{}, apperrors.NewPersistenceError(
			fmt.Sprintf("追加会话%s消息失败", conversationID), err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return models.Message{}, apperrors.NewPersistenceError("读取消息ID失败", err)
	}
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      now,
	}, nil
}

// LoadMessages 读取最近limit条消息，按时间正序返回。
// limit不大于0时返回全部
func (s *SQLiteStore) LoadMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `SELECT id, conversation_id, role, content, timestamp
		FROM messages WHERE conversation_id = ? ORDER BY id DESC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewPersistenceError(
			fmt.Sprintf("读取会话%s消息失败", conversationID), err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, apperrors.NewPersistenceError("解析消息记录失败", err)
		}
		m.Role = models.MessageRole(role)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError("遍历消息记录失败", err)
	}

	// 倒序查出最近的limit条，这里翻回时间正序
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// List 返回全部会话摘要，最近更新的在前。
// 只扫摘要列，不反序列化state_json
func (s *SQLiteStore) List(ctx context.Context) ([]models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, topic, platform, phase, status, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, apperrors.NewPersistenceError("读取会话列表失败", err)
	}
	defer rows.Close()

	var summaries []models.ConversationSummary
	for rows.Next() {
		var sum models.ConversationSummary
		var platform, phase, status string
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Topic, &platform,
			&phase, &status, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, apperrors.NewPersistenceError("解析会话摘要失败", err)
		}
		sum.Platform = models.Platform(platform)
		sum.Phase = models.Phase(phase)
		sum.Status = models.ScriptStatus(status)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError("遍历会话列表失败", err)
	}
	return summaries, nil
}

// Delete 删除会话及其全部消息
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return apperrors.NewPersistenceError(
			fmt.Sprintf("删除会话%s失败", id), err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return apperrors.NewNotFoundError(
			fmt.Sprintf("会话%s不存在", id), nil)
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return apperrors.NewPersistenceError(
			fmt.Sprintf("删除会话%s消息失败", id), err)
	}
	return nil
}
