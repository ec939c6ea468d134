package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultLimit = 200
	maxLimit     = 5000
)

// ErrMemoryNotFound 表示指定会话键下没有持久化记忆行。
var ErrMemoryNotFound = errors.New("memory record not found")

// CreateMemoryIfAbsent 以幂等方式插入记忆行。
//
// 并发首次访问同一会话键时，两个调用方都可能在「读到不存在」之后尝试创建；
// 这里用唯一索引上的 ON CONFLICT DO NOTHING 吞掉后到者的插入，再统一回读，
// 保证不会盲目覆盖先到者已写入的行。返回的始终是库中实际生效的那一行。
func (s *Storage) CreateMemoryIfAbsent(ctx context.Context, rec *MemoryRecord) (*MemoryRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}
	if rec == nil {
		return nil, errors.New("memory record is nil")
	}
	if rec.SessionID == "" || rec.FileID == "" {
		return nil, errors.New("session id and file id are required")
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "file_id"}},
		DoNothing: true,
	}).Create(rec)
	if res.Error != nil {
		return nil, fmt.Errorf("create memory record: %w", res.Error)
	}

	return s.GetMemory(ctx, rec.SessionID, rec.FileID)
}

func (s *Storage) GetMemory(ctx context.Context, sessionID, fileID string) (*MemoryRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	var rec MemoryRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND file_id = ?", sessionID, fileID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemoryNotFound
		}
		return nil, fmt.Errorf("get memory record: %w", err)
	}
	return &rec, nil
}

// UpdateMemory 将整行写回耐久存储（显式 Flush 的落库动作）。
// 只覆盖非 nil 的 blob 字段，nil 字段保持库中原值。
func (s *Storage) UpdateMemory(ctx context.Context, rec *MemoryRecord) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if rec == nil {
		return errors.New("memory record is nil")
	}

	updates := make(map[string]interface{})
	if rec.Conversation != nil {
		updates["conversation"] = rec.Conversation
	}
	if rec.AnalysisSummary != nil {
		updates["analysis_summary"] = rec.AnalysisSummary
	}
	if rec.VisualizationSummary != nil {
		updates["visualization_summary"] = rec.VisualizationSummary
	}
	if rec.CodeSummary != nil {
		updates["code_summary"] = rec.CodeSummary
	}
	if rec.PreferenceSummary != nil {
		updates["preference_summary"] = rec.PreferenceSummary
	}
	if rec.Variables != nil {
		updates["variables"] = rec.Variables
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&MemoryRecord{}).
		Where("session_id = ? AND file_id = ?", rec.SessionID, rec.FileID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update memory record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrMemoryNotFound
	}
	return nil
}

// DeleteMemory 按会话键删除记忆行（显式会话销毁时调用）。
func (s *Storage) DeleteMemory(ctx context.Context, sessionID, fileID string) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}

	res := s.db.WithContext(ctx).
		Where("session_id = ? AND file_id = ?", sessionID, fileID).
		Delete(&MemoryRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete memory record: %w", res.Error)
	}
	return nil
}

func (s *Storage) InsertExecutionAttempt(ctx context.Context, att *ExecutionAttempt) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if att == nil {
		return errors.New("attempt is nil")
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(att).Error; err != nil {
		return fmt.Errorf("insert execution attempt: %w", err)
	}
	return nil
}

func (s *Storage) InsertExecutionAttempts(ctx context.Context, atts []ExecutionAttempt) error {
	if s == nil || s.db == nil {
		return errors.New("storage not initialized")
	}
	if len(atts) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range atts {
		if atts[i].CreatedAt.IsZero() {
			atts[i].CreatedAt = now
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(atts, 200).Error; err != nil {
		return fmt.Errorf("insert execution attempts: %w", err)
	}
	return nil
}

type AttemptQuery struct {
	// SessionID/FileID 为可选过滤条件，精确匹配。
	SessionID string
	FileID    string
	// Status 精确匹配终态（succeeded/faulted/exhausted）。
	Status string
	// From/To 过滤 CreatedAt 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 CreatedAt 倒序返回（优先返回最新尝试）。
	Desc bool
}

func (s *Storage) QueryExecutionAttempts(ctx context.Context, q AttemptQuery) ([]ExecutionAttempt, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialized")
	}

	limit := normalizeLimit(q.Limit)
	db := s.db.WithContext(ctx).Model(&ExecutionAttempt{})
	if q.SessionID != "" {
		db = db.Where("session_id = ?", q.SessionID)
	}
	if q.FileID != "" {
		db = db.Where("file_id = ?", q.FileID)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.From != nil {
		db = db.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("created_at <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("created_at DESC")
	} else {
		db = db.Order("created_at ASC")
	}
	db = db.Limit(limit)

	var out []ExecutionAttempt
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query execution attempts: %w", err)
	}
	return out, nil
}

// DeleteExecutionAttemptsBefore 清理早于给定时间的执行审计行，返回删除条数。
func (s *Storage) DeleteExecutionAttemptsBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&ExecutionAttempt{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete execution attempts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteExecutionAttemptsKeepLatest 只保留最近 keep 条执行审计行，返回删除条数。
func (s *Storage) DeleteExecutionAttemptsKeepLatest(ctx context.Context, keep int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	if keep <= 0 {
		return 0, errors.New("keep must be positive")
	}

	var cutoff []uint64
	err := s.db.WithContext(ctx).Model(&ExecutionAttempt{}).
		Select("id").
		Order("created_at DESC, id DESC").
		Limit(1).Offset(keep - 1).
		Find(&cutoff).Error
	if err != nil {
		return 0, fmt.Errorf("select cutoff id: %w", err)
	}
	if len(cutoff) == 0 {
		// 不足 keep 条，无需清理。
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id < ?", cutoff[0]).Delete(&ExecutionAttempt{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete execution attempts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Storage) CountMemoryRecords(ctx context.Context) (int64, error) {
	return s.countRows(ctx, &MemoryRecord{})
}

func (s *Storage) CountExecutionAttempts(ctx context.Context) (int64, error) {
	return s.countRows(ctx, &ExecutionAttempt{})
}

func (s *Storage) countRows(ctx context.Context, model any) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("storage not initialized")
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(model).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}
