// internal/services/option_registry.go
package services

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Draftsmith/ScriptForge/internal/errors"
	"github.com/Draftsmith/ScriptForge/internal/models"
	"github.com/Draftsmith/ScriptForge/internal/utils"
)

// OptionRegistry 管理会话中挂起候选项的生命周期。
// 候选集保存在会话信封里随会话持久化，这里只负责规则：
// 同一会话至多一组待选项，成功选中后立即清空，
// 新一批呈现或任何非选择动作都会替换/作废旧的一批。
// 并发安全由会话级锁保证，本结构不再加锁
type OptionRegistry struct {
	metrics *utils.APIMetrics
}

// NewOptionRegistry 创建候选项注册表
func NewOptionRegistry() *OptionRegistry {
	return &OptionRegistry{
		metrics: utils.NewAPIMetrics(),
	}
}

// Present 在会话上挂起一组新候选项，替换旧的一批。
// 空候选集被拒绝，调用方应将其转为"请重试"的回复而非硬错误
func (r *OptionRegistry) Present(conv *models.Conversation, origin models.OptionOrigin, candidates []models.Candidate) (*models.PendingOptions, error) {
	if len(candidates) == 0 {
		return nil, apperrors.NewEmptyGenerationError(
			fmt.Sprintf("%s环节没有产生任何候选", origin), nil)
	}

	items := make([]models.Candidate, len(candidates))
	copy(items, candidates)
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.New().String()
		}
	}

	pending := &models.PendingOptions{
		Origin:      origin,
		Items:       items,
		PresentedAt: time.Now(),
	}
	conv.Pending = pending
	return pending, nil
}

// Resolve 按1起始的编号取出候选并清空待选集。
// 每组候选至多被消费一次，重复选择会得到NoPendingOptionsError
func (r *OptionRegistry) Resolve(conv *models.Conversation, index int) (models.Candidate, error) {
	pending := conv.Pending
	if pending == nil || len(pending.Items) == 0 {
		return models.Candidate{}, apperrors.NewNoPendingOptionsError(
			"当前没有待选择的候选项")
	}
	if index < 1 || index > len(pending.Items) {
		return models.Candidate{}, apperrors.NewIndexOutOfRangeError(
			fmt.Sprintf("编号%d超出范围，当前共有%d个候选", index, len(pending.Items)))
	}

	selected := pending.Items[index-1]
	conv.Pending = nil

	r.metrics.RecordOptionResolution(string(pending.Origin), index)
	return selected, nil
}

// ResolveByID 按候选ID取出候选，供传输层的显式选择字段使用。
// 语义与Resolve一致，成功后同样清空待选集
func (r *OptionRegistry) ResolveByID(conv *models.Conversation, id string) (models.Candidate, error) {
	pending := conv.Pending
	if pending == nil || len(pending.Items) == 0 {
		return models.Candidate{}, apperrors.NewNoPendingOptionsError(
			"当前没有待选择的候选项")
	}
	for i, item := range pending.Items {
		if item.ID == id {
			conv.Pending = nil
			r.metrics.RecordOptionResolution(string(pending.Origin), i+1)
			return item, nil
		}
	}
	return models.Candidate{}, apperrors.NewIndexOutOfRangeError(
		fmt.Sprintf("候选ID %s 不在当前待选集中", id))
}

// Invalidate 作废当前待选集，幂等
func (r *OptionRegistry) Invalidate(conv *models.Conversation) {
	conv.Pending = nil
}
