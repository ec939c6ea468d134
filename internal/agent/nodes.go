package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hzliu/datapilot/internal/gateway"
	"github.com/hzliu/datapilot/internal/memory"
	"github.com/hzliu/datapilot/internal/sandbox"
)

// NodeFunc 是图节点的统一形态：拿到状态副本，返回修改后的副本。
type NodeFunc func(ctx context.Context, state AgentState) (AgentState, error)

// Deps 图节点的共享依赖，进程启动时装配一次。
type Deps struct {
	Gateway gateway.Client
	Memory  *memory.Service
	Sandbox *sandbox.Loop
	Log     *zap.Logger
}

// Nodes 是注入统一拓扑的一套具体节点实例。
// 深浅两套模式共用节点实现，只在提示词调校上有差异，
// 通过注入不同的实例集而不是复制拓扑来实现。
type Nodes struct {
	TaskRouter              NodeFunc
	ContextAdvisor          NodeFunc
	TaskDecomposer          NodeFunc
	DecompositionSummarizer NodeFunc
	SubtaskClassifier       NodeFunc
	AnalysisPlanner         NodeFunc
	VizPlanner              NodeFunc
	AnalysisCodeGen         NodeFunc
	VizCodeGen              NodeFunc
	CodeExecutor            NodeFunc
	Reporter                NodeFunc
	VizDisplay              NodeFunc
	DirectResponder         NodeFunc
	Fallback                NodeFunc
	MemorySaver             NodeFunc
}

// validate 检查每个槽位都有实例。缺槽是装配错误，必须在
// 编译期失败，不能留到运行中途。
func (n Nodes) validate() error {
	slots := map[string]NodeFunc{
		NodeTaskRouter:        n.TaskRouter,
		NodeContextAdvisor:    n.ContextAdvisor,
		NodeTaskDecomposer:    n.TaskDecomposer,
		NodeDecompositionSum:  n.DecompositionSummarizer,
		NodeSubtaskClassifier: n.SubtaskClassifier,
		NodeAnalysisPlanner:   n.AnalysisPlanner,
		NodeVizPlanner:        n.VizPlanner,
		NodeAnalysisCodeGen:   n.AnalysisCodeGen,
		NodeVizCodeGen:        n.VizCodeGen,
		NodeCodeExecutor:      n.CodeExecutor,
		NodeReporter:          n.Reporter,
		NodeVizDisplay:        n.VizDisplay,
		NodeDirectResponder:   n.DirectResponder,
		NodeFallback:          n.Fallback,
		NodeMemorySaver:       n.MemorySaver,
	}
	for name, fn := range slots {
		if fn == nil {
			return fmt.Errorf("node %s is not wired", name)
		}
	}
	return nil
}

// variantParams 深浅模式的调校差异。
type variantParams struct {
	decomposeGuidance string
	planGuidance      string
}

// DeepModeNodes 深度模式节点集：鼓励多步拆解与完整建模。
func DeepModeNodes(d Deps) Nodes {
	return buildNodes(d, variantParams{
		decomposeGuidance: "可以拆成多步，确保每个维度都覆盖到。",
		planGuidance:      "计划可以包含中间变量和多个步骤。",
	})
}

// FastModeNodes 快速模式节点集：倾向一步到位的轻量回答。
func FastModeNodes(d Deps) Nodes {
	return buildNodes(d, variantParams{
		decomposeGuidance: "尽量合并为一到两个子任务，追求最短路径。",
		planGuidance:      "计划控制在三步以内，能一步完成就一步完成。",
	})
}

func buildNodes(d Deps, p variantParams) Nodes {
	b := &nodeBuilder{deps: d, params: p}
	return Nodes{
		TaskRouter:              b.taskRouter,
		ContextAdvisor:          b.contextAdvisor,
		TaskDecomposer:          b.taskDecomposer,
		DecompositionSummarizer: b.decompositionSummarizer,
		SubtaskClassifier:       b.subtaskClassifier,
		AnalysisPlanner:         b.planner(gateway.TemplateAnalysisPlanner),
		VizPlanner:              b.planner(gateway.TemplateVizPlanner),
		AnalysisCodeGen:         b.codeGen(gateway.TemplateAnalysisCodeGen),
		VizCodeGen:              b.codeGen(gateway.TemplateVizCodeGen),
		CodeExecutor:            b.codeExecutor,
		Reporter:                b.reporter,
		VizDisplay:              b.vizDisplay,
		DirectResponder:         b.directResponder,
		Fallback:                b.fallback,
		MemorySaver:             b.memorySaver,
	}
}

type nodeBuilder struct {
	deps   Deps
	params variantParams
}

// taskRouter 是入口节点：先做一次性的记忆水合，再决定整轮走
// 直答路径还是拆解执行路径。
func (b *nodeBuilder) taskRouter(ctx context.Context, state AgentState) (AgentState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}

	// 记忆水合只在本轮第一次进入时发生一次
	if state.Variables == nil {
		rec, err := b.deps.Memory.Get(ctx, state.Key(), state.UserID, state.StorageURI)
		if err != nil {
			return state, fmt.Errorf("hydrate session memory: %w", err)
		}
		state.Variables = rec.Variables
		state.History = rec.Conversation
		if state.AnalysisSummary == nil {
			s := rec.AnalysisSummary
			state.AnalysisSummary = &s
		}
		if state.VisualizationSummary == nil {
			s := rec.VisualizationSummary
			state.VisualizationSummary = &s
		}
		if state.CodeSummary == nil {
			s := rec.CodeSummary
			state.CodeSummary = &s
		}
		if state.PreferenceSummary == nil {
			s := rec.PreferenceSummary
			state.PreferenceSummary = &s
		}
	}

	reply, err := b.deps.Gateway.Invoke(ctx, gateway.TemplateTaskRouter, map[string]any{
		"question":        state.Question,
		"dataset_summary": state.DatasetSummary,
		"history":         historyMessages(state.History),
	})
	if err != nil {
		return state, err
	}
	state.TaskFlow = parseTaskFlow(reply)
	b.deps.Log.Debug("task routed",
		zap.String("session", state.Key().String()),
		zap.String("task_flow", string(state.TaskFlow)))
	return state, nil
}

func (b *nodeBuilder) contextAdvisor(ctx context.Context, state AgentState) (AgentState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}
	advice, err := b.deps.Gateway.Invoke(ctx, gateway.TemplateContextAdvisor, map[string]any{
		"question":              state.Question,
		"analysis_summary":      deref(state.AnalysisSummary),
		"visualization_summary": deref(state.VisualizationSummary),
		"preference_summary":    deref(state.PreferenceSummary),
		"history":               historyMessages(state.History),
	})
	if err != nil {
		return state, err
	}
	state.Advice = strings.TrimSpace(advice)
	return state, nil
}

func (b *nodeBuilder) taskDecomposer(ctx context.Context, state AgentState) (AgentState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}
	reply, err := b.deps.Gateway.Invoke(ctx, gateway.TemplateTaskDecomposer, map[string]any{
		"question":        state.Question,
		"dataset_summary": state.DatasetSummary,
		"guidance":        b.params.decomposeGuidance,
		"history":         historyMessages(state.History),
	})
	if err != nil {
		return state, err
	}
	state.Subtasks = parseSubtasks(reply, state.Question)
	b.deps.Log.Info("question decomposed",
		zap.String("session", state.Key().String()),
		zap.Int("subtasks", len(state.Subtasks)))
	return state, nil
}

func (b *nodeBuilder) decompositionSummarizer(ctx context.Context, state AgentState) (AgentState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}
	text, err := b.stream(ctx, gateway.TemplateDecompositionSum, map[string]any{
		"subtasks": "- " + strings.Join(state.Subtasks, "\n- "),
	})
	if err != nil {
		return state, err
	}
	state.Answer = appendParagraph(state.Answer, text)
	return state, nil
}

func (b *nodeBuilder) subtaskClassifier(ctx context.Context, state AgentState) (AgentState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}
	reply, err := b.deps.Gateway.Invoke(ctx, gateway.TemplateSubtaskClass, map[string]any{
		"subtask": state.CurrentSubtask(),
	})
	if err != nil {
		return state, err
	}
	state.SubtaskFlow = parseSubtaskFlow(reply)
	return state, nil
}

func (b *nodeBuilder) planner(template string) NodeFunc {
	return func(ctx context.Context, state AgentState) (AgentState, error) {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		plan, err := b.deps.Gateway.Invoke(ctx, template, map[string]any{
			"subtask":         state.CurrentSubtask(),
			"dataset_summary": state.DatasetSummary,
			"variable_names":  state.VariableNames(),
			"code_summary":    deref(state.CodeSummary),
			"guidance":        b.params.planGuidance,
		})
		if err != nil {
			return state, err
		}
		state.Plan = strings.TrimSpace(plan)
		return state, nil
	}
}

func (b *nodeBuilder) codeGen(template string) NodeFunc {
	return func(ctx context.Context, state AgentState) (AgentState, error) {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		reply, err := b.deps.Gateway.Invoke(ctx, template, map[string]any{
			"plan":            state.Plan,
			"variable_names":  state.VariableNames(),
			"dataset_summary": state.DatasetSummary,
		})
		if err != nil {
			return state, err
		}
		code := gateway.ExtractCode(reply)
		if code == "" {
			return state, fmt.Errorf("model returned empty code candidate")
		}
		state.Code = code
		return state, nil
	}
}

// codeExecutor 把代码候选交给沙箱的修复循环执行。
// 修复预算用尽是可路由的终态（转兜底节点），不是图级错误；
// 设施故障和推理故障照常上抛终止本轮。
func (b *nodeBuilder) codeExecutor(ctx context.Context, state AgentState) (AgentState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}
	out, err := b.deps.Sandbox.Execute(ctx, sandbox.ExecRequest{
		SessionID:      state.SessionID.String(),
		FileID:         state.FileID,
		Subtask:        state.CurrentSubtask(),
		Code:           state.Code,
		Namespace:      state.Variables,
		DatasetSummary: state.DatasetSummary,
	})
	if err != nil {
		var exhausted *sandbox.ExhaustedError
		if errors.As(err, &exhausted) {
			state.ExecutionError = exhausted.Error()
			return state, nil
		}
		return state, err
	}

	state.Variables = out.Namespace
	state.Code = out.Code
	state.ExecStdout = out.Stdout
	state.ExecutedCode = append(state.ExecutedCode, out.Code)
	state.ExecutionError = ""
	return state, nil
}

func (b *nodeBuilder) reporter(ctx context.Context, state AgentState) (AgentState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}
	results := state.ExecStdout
	if results == "" {
		results = "（无标准输出，结果保存在变量中）"
	}
	text, err := b.stream(ctx, gateway.TemplateReporter, map[string]any{
		"question": state.CurrentSubtask(),
		"results":  results + "\n当前可用变量: " + state.VariableNames(),
		"history":  historyMessages(state.History),
	})
	if err != nil {
		return state, err
	}
	state.Results = append(state.Results, text)
	state.Answer = appendParagraph(state.Answer, text)
	state.ResolveSubtask()
	return state, nil
}

// vizDisplay 报告图表产出。绘图代码约定把文件路径写进
// 变量 chart_path。
func (b *nodeBuilder) vizDisplay(ctx context.Context, state AgentState) (AgentState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}
	notice := "图表已生成"
	if path, ok := state.Variables["chart_path"].(string); ok && path != "" {
		notice = "图表已生成: " + path
		state.Charts = append(state.Charts, path)
	}
	if sink := sinkFrom(ctx); sink != nil {
		sink(notice)
	}
	state.Results = append(state.Results, notice)
	state.Answer = appendParagraph(state.Answer, notice)
	state.ResolveSubtask()
	return state, nil
}

func (b *nodeBuilder) directResponder(ctx context.Context, state AgentState) (AgentState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}
	text, err := b.stream(ctx, gateway.TemplateDirectResponder, map[string]any{
		"question":        state.CurrentSubtask(),
		"dataset_summary": state.DatasetSummary,
		"advice":          state.Advice,
		"history":         historyMessages(state.History),
	})
	if err != nil {
		return state, err
	}
	state.Results = append(state.Results, text)
	state.Answer = appendParagraph(state.Answer, text)
	state.ResolveSubtask()
	return state, nil
}

// fallback 是修复预算用尽后的终点：向用户解释失败。
// 本轮记忆不提交，半成品状态不落库。
func (b *nodeBuilder) fallback(ctx context.Context, state AgentState) (AgentState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}
	text, err := b.stream(ctx, gateway.TemplateFallback, map[string]any{
		"question": state.Question,
		"fault":    state.ExecutionError,
	})
	if err != nil {
		return state, err
	}
	state.Answer = appendParagraph(state.Answer, text)
	return state, nil
}

// memorySaver 是正常路径的终点：更新各摘要、合并对话增量、
// 刷新持久化变量，然后一次性写透到耐久层。
func (b *nodeBuilder) memorySaver(ctx context.Context, state AgentState) (AgentState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}

	up := memory.Update{
		Conversation: append(append([]memory.Exchange{}, state.History...),
			memory.Exchange{Question: state.Question, Answer: state.Answer}),
		Variables: state.Variables,
	}

	summarize := func(kind, previous, material string) (string, error) {
		return b.deps.Gateway.Invoke(ctx, gateway.TemplateMemorySummary, map[string]any{
			"kind":     kind,
			"previous": previous,
			"material": material,
		})
	}

	if len(state.Results) > 0 {
		s, err := summarize("分析", deref(state.AnalysisSummary), strings.Join(state.Results, "\n"))
		if err != nil {
			return state, err
		}
		up.AnalysisSummary = &s
	}
	if len(state.Charts) > 0 {
		s, err := summarize("可视化", deref(state.VisualizationSummary), strings.Join(state.Charts, "\n"))
		if err != nil {
			return state, err
		}
		up.VisualizationSummary = &s
	}
	if len(state.ExecutedCode) > 0 {
		s, err := summarize("代码", deref(state.CodeSummary), strings.Join(state.ExecutedCode, "\n\n"))
		if err != nil {
			return state, err
		}
		up.CodeSummary = &s
	}
	pref, err := summarize("用户偏好", deref(state.PreferenceSummary), state.Question)
	if err != nil {
		return state, err
	}
	up.PreferenceSummary = &pref

	key := state.Key()
	if _, err := b.deps.Memory.UpdateCache(ctx, key, state.UserID, state.StorageURI, up); err != nil {
		return state, err
	}
	if err := b.deps.Memory.Flush(ctx, key); err != nil {
		return state, err
	}
	state.Committed = true
	b.deps.Log.Info("turn committed", zap.String("session", key.String()))
	return state, nil
}

// stream 优先走流式推理把 token 交给本轮的输出槽，
// 没有输出槽（非流式调用）时退回一次性调用。
func (b *nodeBuilder) stream(ctx context.Context, template string, vars map[string]any) (string, error) {
	if sink := sinkFrom(ctx); sink != nil {
		return b.deps.Gateway.Stream(ctx, template, vars, sink)
	}
	return b.deps.Gateway.Invoke(ctx, template, vars)
}

func appendParagraph(answer, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return answer
	}
	if answer == "" {
		return text
	}
	return answer + "\n\n" + text
}
