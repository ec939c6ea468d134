// Package agent 实现对话式数据分析的工作流图引擎：
// 把一轮用户提问路由、拆解成子任务队列，逐个规划、生成代码、
// 送入沙箱执行，最后汇报结果并提交会话记忆。
package agent

import (
	"github.com/google/uuid"

	"github.com/hzliu/datapilot/internal/memory"
)

// TaskFlow 是整轮问题的路由决策。
type TaskFlow string

const (
	// TaskFlowAdvisory 不执行代码，直接依据上下文回答。
	TaskFlowAdvisory TaskFlow = "ADVISORY"
	// TaskFlowExploratory 需要拆解子任务并执行分析。
	TaskFlowExploratory TaskFlow = "EXPLORATORY"
)

// SubtaskFlow 是当前子任务的类别决策。
type SubtaskFlow string

const (
	SubtaskAnalysis      SubtaskFlow = "ANALYSIS"
	SubtaskVisualization SubtaskFlow = "VISUALIZATION"
	SubtaskDirect        SubtaskFlow = "DIRECT"
)

// Mode 是整轮的处理模式，决定选用哪套节点变体。
type Mode string

const (
	ModeDeep Mode = "DEEP"
	ModeFast Mode = "FAST"
)

// AgentState 是一轮请求中在图节点间流转的唯一状态值。
// 按值传递，节点返回修改后的副本；一轮结束即丢弃，
// 需要跨轮保留的内容由 memorySaver 节点提交进记忆存储。
type AgentState struct {
	SessionID uuid.UUID
	FileID    string
	UserID    int64
	// StorageURI 数据集地址，仅在记忆建档时被加载一次。
	StorageURI string
	// Question 本轮用户提问，设置后不再变更。
	Question string
	// DatasetSummary 数据集概况文本，供各提示词引用。
	DatasetSummary string

	TaskFlow    TaskFlow
	SubtaskFlow SubtaskFlow
	// Subtasks 为 FIFO 工作队列，只在子任务成功收尾时弹出，
	// 一轮之内绝不追加。
	Subtasks []string
	// Advice 上下文顾问给出的说明，供直答节点引用。
	Advice string

	// 以下摘要从记忆存储懒加载：nil 表示本轮尚未取过，
	// 取过一次后不再重取（包括取回空串的情况）。
	AnalysisSummary      *string
	VisualizationSummary *string
	CodeSummary          *string
	PreferenceSummary    *string
	// Variables 持久化变量命名空间，子任务之间传递结果的唯一通道。
	Variables map[string]any
	// History 本轮开始时的既有对话，供提示词引用。
	History []memory.Exchange

	// Code/ExecutionError 当前代码候选与终态故障。
	// ExecutionError 非空表示修复预算已用尽，走兜底路径。
	Code           string
	ExecutionError string
	Plan           string
	ExecStdout     string

	// Results 按子任务顺序累积的成果文本（报告、图表路径、直答）。
	Results []string
	// ExecutedCode 成功执行过的代码，供代码摘要更新引用。
	ExecutedCode []string
	// Charts 本轮产出的图表路径，供可视化摘要更新引用。
	Charts []string
	// Answer 本轮累积的用户可见回答。
	Answer string
	// Committed 标记记忆已提交（memorySaver 终点走过）。
	Committed bool
}

// Key 返回本状态对应的会话键。
func (s *AgentState) Key() memory.SessionKey {
	return memory.SessionKey{SessionID: s.SessionID, FileID: s.FileID}
}

// CurrentSubtask 返回队首子任务，队列为空时返回本轮原始提问。
func (s *AgentState) CurrentSubtask() string {
	if len(s.Subtasks) == 0 {
		return s.Question
	}
	return s.Subtasks[0]
}

// ResolveSubtask 弹出队首子任务并清理子任务级工作字段。
// 这是整个包里唯一的弹出点：成功的报告、图表展示或直答
// 收尾时调用，失败路径决不调用。
func (s *AgentState) ResolveSubtask() {
	if len(s.Subtasks) > 0 {
		s.Subtasks = s.Subtasks[1:]
	}
	s.SubtaskFlow = ""
	s.Plan = ""
	s.Code = ""
	s.ExecStdout = ""
}

// VariableNames 返回排序后的变量名清单，供提示词引用。
func (s *AgentState) VariableNames() string {
	return variableNameList(s.Variables)
}
