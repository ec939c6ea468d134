// Package memory 实现两级 cache-aside 的会话记忆存储：
// 快速易失的 Redis 缓存层在前，耐久的 sqlite 关系层在后。
// 图中所有节点对会话状态（对话历史、摘要、持久化变量）的读写都经由本包。
package memory

import (
	"fmt"

	"github.com/google/uuid"
)

// SessionKey 标识一个绑定到单一活动数据集的对话线程。
// 创建后不可变，也绝不跨数据集复用。
type SessionKey struct {
	SessionID uuid.UUID
	FileID    string
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s", k.SessionID, k.FileID)
}

// cacheKey 为缓存层的确定性键，按会话键派生，保证跨会话条目互不干扰。
func (k SessionKey) cacheKey() string {
	return fmt.Sprintf("agent_memory:session:%s:file:%s", k.SessionID, k.FileID)
}

// Exchange 是一轮问答。
type Exchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Record 是一个会话键对应的记忆内容（解码后的形态）。
//
// 存储层只见到编码后的 blob；Record 是服务层与图节点之间的交换形态。
// 四类摘要为增量叙事：更新方必须携带旧值再生成新值，本层不做合并。
type Record struct {
	SessionID uuid.UUID
	FileID    string
	UserID    int64

	Conversation         []Exchange
	AnalysisSummary      string
	VisualizationSummary string
	CodeSummary          string
	PreferenceSummary    string

	// Variables 为持久化变量快照，是子任务之间传递结果的唯一通道。
	Variables map[string]any
}

// Update 描述一次对缓存记录的局部更新。
// nil 字段保持原值不动，只合并调用方真正提供的字段。
type Update struct {
	Conversation         []Exchange
	AnalysisSummary      *string
	VisualizationSummary *string
	CodeSummary          *string
	PreferenceSummary    *string
	Variables            map[string]any
}

func (u Update) apply(rec *Record) {
	if u.Conversation != nil {
		rec.Conversation = u.Conversation
	}
	if u.AnalysisSummary != nil {
		rec.AnalysisSummary = *u.AnalysisSummary
	}
	if u.VisualizationSummary != nil {
		rec.VisualizationSummary = *u.VisualizationSummary
	}
	if u.CodeSummary != nil {
		rec.CodeSummary = *u.CodeSummary
	}
	if u.PreferenceSummary != nil {
		rec.PreferenceSummary = *u.PreferenceSummary
	}
	if u.Variables != nil {
		rec.Variables = u.Variables
	}
}
