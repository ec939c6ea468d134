package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"
)

// 图节点名。
const (
	NodeTaskRouter        = "task_router"
	NodeContextAdvisor    = "context_advisor"
	NodeTaskDecomposer    = "task_decomposer"
	NodeDecompositionSum  = "decomposition_summarizer"
	NodeSubtaskClassifier = "subtask_classifier"
	NodeAnalysisPlanner   = "analysis_planner"
	NodeVizPlanner        = "viz_planner"
	NodeAnalysisCodeGen   = "analysis_codegen"
	NodeVizCodeGen        = "viz_codegen"
	NodeCodeExecutor      = "code_executor"
	NodeReporter          = "reporter"
	NodeVizDisplay        = "viz_display"
	NodeDirectResponder   = "direct_responder"
	NodeFallback          = "fallback"
	NodeMemorySaver       = "memory_saver"
)

// BuildGraph 把一套节点实例装进统一拓扑并编译。
//
// 拓扑（深浅模式完全一致，差异只在注入的节点实例）：
//
//	START → taskRouter ─┬→ contextAdvisor → directResponder ─┐
//	                    └→ taskDecomposer → decompositionSummarizer
//	                         → subtaskClassifier ─┬→ analysisPlanner → analysisCodeGen ─┐
//	                                              ├→ vizPlanner → vizCodeGen ───────────┤
//	                                              └→ directResponder                    │
//	                                                          codeExecutor ←────────────┘
//	                         codeExecutor ─┬→ reporter ──────┐
//	                                       ├→ vizDisplay ────┤
//	                                       └→ fallback → END │
//	       收尾分支（队列非空回 subtaskClassifier，空则 memorySaver → END）←┘
//
// 回边是图中唯一的环，由只减不增的子任务队列保证有界。
func BuildGraph(ctx context.Context, nodes Nodes) (compose.Runnable[AgentState, AgentState], error) {
	if err := nodes.validate(); err != nil {
		return nil, err
	}

	g := compose.NewGraph[AgentState, AgentState]()

	lambdas := map[string]NodeFunc{
		NodeTaskRouter:        nodes.TaskRouter,
		NodeContextAdvisor:    nodes.ContextAdvisor,
		NodeTaskDecomposer:    nodes.TaskDecomposer,
		NodeDecompositionSum:  nodes.DecompositionSummarizer,
		NodeSubtaskClassifier: nodes.SubtaskClassifier,
		NodeAnalysisPlanner:   nodes.AnalysisPlanner,
		NodeVizPlanner:        nodes.VizPlanner,
		NodeAnalysisCodeGen:   nodes.AnalysisCodeGen,
		NodeVizCodeGen:        nodes.VizCodeGen,
		NodeCodeExecutor:      nodes.CodeExecutor,
		NodeReporter:          nodes.Reporter,
		NodeVizDisplay:        nodes.VizDisplay,
		NodeDirectResponder:   nodes.DirectResponder,
		NodeFallback:          nodes.Fallback,
		NodeMemorySaver:       nodes.MemorySaver,
	}
	for name, fn := range lambdas {
		lambda := compose.InvokableLambda(compose.InvokeWOOpt[AgentState, AgentState](fn))
		if err := g.AddLambdaNode(name, lambda); err != nil {
			return nil, fmt.Errorf("add node %s: %w", name, err)
		}
	}

	edges := [][2]string{
		{compose.START, NodeTaskRouter},
		{NodeContextAdvisor, NodeDirectResponder},
		{NodeTaskDecomposer, NodeDecompositionSum},
		{NodeDecompositionSum, NodeSubtaskClassifier},
		{NodeAnalysisPlanner, NodeAnalysisCodeGen},
		{NodeVizPlanner, NodeVizCodeGen},
		{NodeAnalysisCodeGen, NodeCodeExecutor},
		{NodeVizCodeGen, NodeCodeExecutor},
		{NodeFallback, compose.END},
		{NodeMemorySaver, compose.END},
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", e[0], e[1], err)
		}
	}

	// 整轮路由：直答 vs 拆解执行
	err := g.AddBranch(NodeTaskRouter, compose.NewGraphBranch(routeTask, map[string]bool{
		NodeContextAdvisor: true,
		NodeTaskDecomposer: true,
	}))
	if err != nil {
		return nil, fmt.Errorf("add task router branch: %w", err)
	}

	// 子任务路由：分析 / 可视化 / 直答
	err = g.AddBranch(NodeSubtaskClassifier, compose.NewGraphBranch(routeSubtask, map[string]bool{
		NodeAnalysisPlanner: true,
		NodeVizPlanner:      true,
		NodeDirectResponder: true,
	}))
	if err != nil {
		return nil, fmt.Errorf("add subtask classifier branch: %w", err)
	}

	// 执行结果路由：成功按子任务类别汇报，预算耗尽走兜底
	err = g.AddBranch(NodeCodeExecutor, compose.NewGraphBranch(routeExecution, map[string]bool{
		NodeReporter:   true,
		NodeVizDisplay: true,
		NodeFallback:   true,
	}))
	if err != nil {
		return nil, fmt.Errorf("add code executor branch: %w", err)
	}

	// 收尾分支：三个成功收尾节点共用，这是图中唯一的回边
	resolutionTargets := map[string]bool{
		NodeSubtaskClassifier: true,
		NodeMemorySaver:       true,
	}
	for _, from := range []string{NodeReporter, NodeVizDisplay, NodeDirectResponder} {
		if err := g.AddBranch(from, compose.NewGraphBranch(routeAfterResolution, resolutionTargets)); err != nil {
			return nil, fmt.Errorf("add resolution branch for %s: %w", from, err)
		}
	}

	runnable, err := g.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile graph: %w", err)
	}
	return runnable, nil
}

// 分支函数只读状态，纯函数，同一状态永远给出同一路由。

func routeTask(_ context.Context, state AgentState) (string, error) {
	switch state.TaskFlow {
	case TaskFlowAdvisory:
		return NodeContextAdvisor, nil
	case TaskFlowExploratory:
		return NodeTaskDecomposer, nil
	default:
		return "", fmt.Errorf("unknown task flow %q", state.TaskFlow)
	}
}

func routeSubtask(_ context.Context, state AgentState) (string, error) {
	switch state.SubtaskFlow {
	case SubtaskAnalysis:
		return NodeAnalysisPlanner, nil
	case SubtaskVisualization:
		return NodeVizPlanner, nil
	case SubtaskDirect:
		return NodeDirectResponder, nil
	default:
		return "", fmt.Errorf("unknown subtask flow %q", state.SubtaskFlow)
	}
}

func routeExecution(_ context.Context, state AgentState) (string, error) {
	if state.ExecutionError != "" {
		return NodeFallback, nil
	}
	switch state.SubtaskFlow {
	case SubtaskAnalysis:
		return NodeReporter, nil
	case SubtaskVisualization:
		return NodeVizDisplay, nil
	default:
		return "", fmt.Errorf("executor reached with subtask flow %q", state.SubtaskFlow)
	}
}

func routeAfterResolution(_ context.Context, state AgentState) (string, error) {
	if len(state.Subtasks) > 0 {
		return NodeSubtaskClassifier, nil
	}
	return NodeMemorySaver, nil
}
