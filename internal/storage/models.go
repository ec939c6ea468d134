package storage

import "time"

// MemoryRecord 是一个会话线程的持久化记忆行：每个 (SessionID, FileID) 恰好一行。
//
// 四类内容以不透明的序列化 blob 存放（编码归属各自的生产方）：
//   - 对话历史与各类摘要由摘要协作方读写；
//   - 变量快照只由沙箱侧解码。
//
// 存储层不理解 blob 内部结构，只负责按键读写与并发下的幂等创建。
type MemoryRecord struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// SessionID/FileID 组成会话键：一个对话线程绑定一个活动数据集。
	// 组合唯一索引保证并发首次访问时不会产生重复行。
	SessionID string `gorm:"size:64;not null;uniqueIndex:idx_memory_session_file,priority:1"`
	FileID    string `gorm:"size:255;not null;uniqueIndex:idx_memory_session_file,priority:2"`
	// UserID 为记录归属用户，用于按用户清理。
	UserID int64 `gorm:"not null;index"`
	// Conversation 为累计对话历史 blob（问答对列表）。
	Conversation []byte `gorm:"type:blob"`
	// AnalysisSummary/VisualizationSummary/CodeSummary/PreferenceSummary
	// 为四类增量叙事摘要 blob，提交时字段级 last-writer-wins。
	AnalysisSummary      []byte `gorm:"type:blob"`
	VisualizationSummary []byte `gorm:"type:blob"`
	CodeSummary          []byte `gorm:"type:blob"`
	PreferenceSummary    []byte `gorm:"type:blob"`
	// Variables 为持久化变量快照 blob（含工作数据集）。
	Variables []byte `gorm:"type:blob"`
	// CreatedAt/UpdatedAt 由 gorm 自动维护。
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// 执行尝试终态。
const (
	AttemptStatusSucceeded = "succeeded"
	AttemptStatusFaulted   = "faulted"
	AttemptStatusExhausted = "exhausted"
)

// ExecutionAttempt 记录沙箱的一次代码执行尝试，用于审计与排障。
//
// 修复循环的每次尝试独立落一行；它们不参与任何语义输出，
// 仅供事后检索「这段代码改了几轮、每轮错在哪」。
type ExecutionAttempt struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// SessionID/FileID 关联所属会话键；与 CreatedAt 组成联合索引便于按会话检索。
	SessionID string `gorm:"size:64;not null;index:idx_attempts_session_time,priority:1"`
	FileID    string `gorm:"size:255;not null"`
	// Subtask 为该次执行服务的子任务文本。
	Subtask string `gorm:"type:text"`
	// Attempt 为修复循环内的序号：0 表示首次执行，之后每修复一轮加一。
	Attempt int `gorm:"not null"`
	// Code 为本次实际执行的代码候选。
	Code string `gorm:"type:text"`
	// Fault 为失败时捕获的故障信息；成功时为空。
	Fault string `gorm:"type:text"`
	// Status 为本次尝试的终态（succeeded/faulted/exhausted）。
	Status string `gorm:"size:32;not null;index"`
	// CreatedAt 为写入时间；与 SessionID 组成联合索引。
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index:idx_attempts_session_time,priority:2"`
}
