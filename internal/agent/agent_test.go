package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hzliu/datapilot/internal/dataset"
	"github.com/hzliu/datapilot/internal/gateway"
	"github.com/hzliu/datapilot/internal/memory"
	"github.com/hzliu/datapilot/internal/sandbox"
	"github.com/hzliu/datapilot/internal/storage"
)

// scriptedGW 按模板名回放预设回复，队列耗尽后粘住最后一条。
// 未注册的模板被调用视为接线错误，直接报错。
type scriptedGW struct {
	mu      sync.Mutex
	replies map[string][]string
	calls   map[string]int
}

func newScriptedGW(replies map[string][]string) *scriptedGW {
	return &scriptedGW{replies: replies, calls: map[string]int{}}
}

func (g *scriptedGW) next(template string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	queue, ok := g.replies[template]
	if !ok || len(queue) == 0 {
		return "", fmt.Errorf("unexpected template call %q", template)
	}
	g.calls[template]++
	reply := queue[0]
	if len(queue) > 1 {
		g.replies[template] = queue[1:]
	}
	return reply, nil
}

func (g *scriptedGW) Invoke(_ context.Context, template string, _ map[string]any) (string, error) {
	return g.next(template)
}

func (g *scriptedGW) Stream(_ context.Context, template string, _ map[string]any, sink func(string)) (string, error) {
	reply, err := g.next(template)
	if err != nil {
		return "", err
	}
	if sink != nil {
		sink(reply)
	}
	return reply, nil
}

func (g *scriptedGW) callCount(template string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[template]
}

// mapCache 进程内缓存，供图级测试使用。
type mapCache struct {
	mu      sync.Mutex
	entries map[string]*memory.Record
}

func (c *mapCache) Get(_ context.Context, key memory.SessionKey) (*memory.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[key.String()]
	if !ok {
		return nil, memory.ErrCacheMiss
	}
	cp := *rec
	return &cp, nil
}

func (c *mapCache) Set(_ context.Context, key memory.SessionKey, rec *memory.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *rec
	c.entries[key.String()] = &cp
	return nil
}

func (c *mapCache) Delete(_ context.Context, key memory.SessionKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key.String())
	return nil
}

type stubLoader struct{}

func (stubLoader) Load(string) (*dataset.Frame, error) {
	return &dataset.Frame{
		Columns: []string{"region", "sales"},
		Records: [][]any{{"north", int64(120)}, {"south", nil}},
	}, nil
}

// stubRunner 按调用序返回结果，并记录看到的命名空间。
type stubRunner struct {
	mu      sync.Mutex
	results []*sandbox.Result
	calls   int
}

func (r *stubRunner) Run(_ context.Context, _ string, namespace map[string]any) (*sandbox.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.calls
	r.calls++
	if idx >= len(r.results) {
		idx = len(r.results) - 1
	}
	res := r.results[idx]
	if res.Faulted() {
		return res, nil
	}
	// 成功路径在输入之上叠加新变量，模拟命名空间进出
	ns := map[string]any{}
	for k, v := range namespace {
		ns[k] = v
	}
	for k, v := range res.Namespace {
		ns[k] = v
	}
	return &sandbox.Result{Namespace: ns, Stdout: res.Stdout}, nil
}

type testEnv struct {
	svc    *Service
	gw     *scriptedGW
	runner *stubRunner
	store  *storage.Storage
}

func newTestEnv(t *testing.T, gw *scriptedGW, runner *stubRunner, maxRepairs int) *testEnv {
	t.Helper()

	store, err := storage.Open(context.Background(), storage.Config{
		Path: t.TempDir() + "/agent.db",
	})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := zap.NewNop()
	mem := memory.NewService(&mapCache{entries: map[string]*memory.Record{}}, store, stubLoader{}, log)
	loop := sandbox.NewLoop(runner, gw, store, sandbox.LoopConfig{MaxRepairs: maxRepairs}, log)

	svc, err := NewService(context.Background(), Deps{
		Gateway: gw,
		Memory:  mem,
		Sandbox: loop,
		Log:     log,
	})
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	return &testEnv{svc: svc, gw: gw, runner: runner, store: store}
}

func turnRequest(q string) TurnRequest {
	return TurnRequest{
		Question:       q,
		UserID:         1,
		SessionID:      uuid.New(),
		FileID:         "sales-q3",
		StorageURI:     "file:///data/sales.csv",
		DatasetSummary: "columns: region, sales",
	}
}

func TestAnalysisTurnCommitsMemory(t *testing.T) {
	gw := newScriptedGW(map[string][]string{
		gateway.TemplateModeClassifier:   {"DEEP"},
		gateway.TemplateTaskRouter:       {"DECOMPOSE"},
		gateway.TemplateTaskDecomposer:   {`["填补缺失值"]`},
		gateway.TemplateDecompositionSum: {"我会先填补缺失值。"},
		gateway.TemplateSubtaskClass:     {"ANALYSIS"},
		gateway.TemplateAnalysisPlanner:  {"用 0 填补 sales 列缺失值"},
		gateway.TemplateAnalysisCodeGen:  {"```python\ndf = df.fillna(0)\n```"},
		gateway.TemplateReporter:         {"缺失值已填补完成。"},
		gateway.TemplateMemorySummary:    {"摘要已更新"},
	})
	runner := &stubRunner{results: []*sandbox.Result{
		{Namespace: map[string]any{"filled_rows": float64(1)}, Stdout: "done"},
	}}
	env := newTestEnv(t, gw, runner, 0)

	req := turnRequest("帮我填补缺失值")
	res, err := env.svc.RunTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}

	if res.Mode != ModeDeep {
		t.Fatalf("mode = %s, want DEEP", res.Mode)
	}
	if !res.Committed {
		t.Fatalf("successful turn did not commit memory")
	}
	if runner.calls != 1 {
		t.Fatalf("sandbox runs = %d, want 1", runner.calls)
	}
	if !strings.Contains(res.Answer, "我会先填补缺失值") || !strings.Contains(res.Answer, "缺失值已填补完成") {
		t.Fatalf("answer missing streamed sections: %q", res.Answer)
	}

	// 提交后的耐久行带上了更新摘要与新变量
	row, err := env.store.GetMemory(context.Background(), req.SessionID.String(), req.FileID)
	if err != nil {
		t.Fatalf("get durable row: %v", err)
	}
	if row.AnalysisSummary == nil || row.CodeSummary == nil || row.PreferenceSummary == nil {
		t.Fatalf("summaries not flushed: %+v", row)
	}
	if !strings.Contains(string(row.Variables), "filled_rows") {
		t.Fatalf("execution variables not flushed: %s", row.Variables)
	}
}

func TestMultiSubtaskQueueDrainsInOrder(t *testing.T) {
	gw := newScriptedGW(map[string][]string{
		gateway.TemplateModeClassifier:   {"DEEP"},
		gateway.TemplateTaskRouter:       {"DECOMPOSE"},
		gateway.TemplateTaskDecomposer:   {`["统计各地区销售总额", "绘制销售额柱状图"]`},
		gateway.TemplateDecompositionSum: {"先统计，再画图。"},
		gateway.TemplateSubtaskClass:     {"ANALYSIS", "VISUALIZATION"},
		gateway.TemplateAnalysisPlanner:  {"按 region 分组求和"},
		gateway.TemplateAnalysisCodeGen:  {"```python\ntotal = df.groupby('region').sum()\n```"},
		gateway.TemplateVizPlanner:       {"柱状图，x 轴 region"},
		gateway.TemplateVizCodeGen:       {"```python\nplt.bar(...)\nchart_path = 'chart.png'\n```"},
		gateway.TemplateReporter:         {"北区销售额最高。"},
		gateway.TemplateMemorySummary:    {"摘要已更新"},
	})
	runner := &stubRunner{results: []*sandbox.Result{
		{Namespace: map[string]any{"total": float64(215)}, Stdout: "total computed"},
		{Namespace: map[string]any{"chart_path": "chart.png"}},
	}}
	env := newTestEnv(t, gw, runner, 0)

	res, err := env.svc.RunTurn(context.Background(), turnRequest("各地区销售情况，并画图"))
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if runner.calls != 2 {
		t.Fatalf("sandbox runs = %d, want 2", runner.calls)
	}
	if gw.callCount(gateway.TemplateSubtaskClass) != 2 {
		t.Fatalf("classifier calls = %d, want 2", gw.callCount(gateway.TemplateSubtaskClass))
	}
	if len(res.Results) != 2 {
		t.Fatalf("results = %d, want 2 (report + chart)", len(res.Results))
	}
	if len(res.Charts) != 1 || res.Charts[0] != "chart.png" {
		t.Fatalf("charts = %v", res.Charts)
	}
	if !res.Committed {
		t.Fatalf("turn did not commit")
	}
}

func TestAdvisoryTurnSkipsSandbox(t *testing.T) {
	gw := newScriptedGW(map[string][]string{
		gateway.TemplateModeClassifier:  {"FAST"},
		gateway.TemplateTaskRouter:      {"DIRECT"},
		gateway.TemplateContextAdvisor:  {"用户此前在看销售数据。"},
		gateway.TemplateDirectResponder: {"数据集共有 region、sales 两列。"},
		gateway.TemplateMemorySummary:   {"摘要已更新"},
	})
	runner := &stubRunner{results: []*sandbox.Result{{Namespace: map[string]any{}}}}
	env := newTestEnv(t, gw, runner, 0)

	res, err := env.svc.RunTurn(context.Background(), turnRequest("这个数据集有哪些列"))
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Mode != ModeFast {
		t.Fatalf("mode = %s, want FAST", res.Mode)
	}
	if runner.calls != 0 {
		t.Fatalf("advisory turn ran the sandbox %d times", runner.calls)
	}
	if !strings.Contains(res.Answer, "两列") {
		t.Fatalf("answer = %q", res.Answer)
	}
	if !res.Committed {
		t.Fatalf("advisory turn did not commit")
	}
}

func TestExhaustedRepairFallsBackWithoutCommit(t *testing.T) {
	fault := &sandbox.Result{Fault: "Traceback ...\nNameError: name 'sale' is not defined"}
	gw := newScriptedGW(map[string][]string{
		gateway.TemplateModeClassifier:   {"DEEP"},
		gateway.TemplateTaskRouter:       {"DECOMPOSE"},
		gateway.TemplateTaskDecomposer:   {`["统计总额"]`},
		gateway.TemplateDecompositionSum: {"我会统计总额。"},
		gateway.TemplateSubtaskClass:     {"ANALYSIS"},
		gateway.TemplateAnalysisPlanner:  {"求和"},
		gateway.TemplateAnalysisCodeGen:  {"```python\ntotal = sale.sum()\n```"},
		gateway.TemplateCodeRepair:       {"```python\ntotal = sale.sum()\n```"},
		gateway.TemplateFallback:         {"抱歉，这次分析多次尝试后仍然失败了。"},
	})
	runner := &stubRunner{results: []*sandbox.Result{fault}}
	env := newTestEnv(t, gw, runner, 2)

	req := turnRequest("统计总额")
	res, err := env.svc.RunTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("exhausted turn should not error: %v", err)
	}
	// 上限 2 → 首次执行 + 恰好 2 次修复执行
	if runner.calls != 3 {
		t.Fatalf("sandbox runs = %d, want 3", runner.calls)
	}
	if gw.callCount(gateway.TemplateCodeRepair) != 2 {
		t.Fatalf("repair calls = %d, want 2", gw.callCount(gateway.TemplateCodeRepair))
	}
	if res.Committed {
		t.Fatalf("failed turn must not commit memory")
	}
	if !strings.Contains(res.Answer, "失败") {
		t.Fatalf("fallback answer missing: %q", res.Answer)
	}

	// 兜底路径不写摘要：耐久行保持建档初态
	row, err := env.store.GetMemory(context.Background(), req.SessionID.String(), req.FileID)
	if err != nil {
		t.Fatalf("get durable row: %v", err)
	}
	if row.AnalysisSummary != nil {
		t.Fatalf("failed turn leaked summary into durable store")
	}
}

func TestStreamDeliversAnswerTokens(t *testing.T) {
	gw := newScriptedGW(map[string][]string{
		gateway.TemplateModeClassifier:  {"FAST"},
		gateway.TemplateTaskRouter:      {"DIRECT"},
		gateway.TemplateContextAdvisor:  {"无历史上下文。"},
		gateway.TemplateDirectResponder: {"共有两列。"},
		gateway.TemplateMemorySummary:   {"摘要已更新"},
	})
	env := newTestEnv(t, gw, &stubRunner{results: []*sandbox.Result{{Namespace: map[string]any{}}}}, 0)

	var tokens []string
	res, err := env.svc.RunTurnStream(context.Background(), turnRequest("有哪些列"), func(tok string) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	if len(tokens) == 0 {
		t.Fatalf("no tokens streamed")
	}
	if strings.Join(tokens, "") != res.Answer {
		t.Fatalf("streamed tokens diverge from final answer: %q vs %q",
			strings.Join(tokens, ""), res.Answer)
	}
}

func TestTurnRequestValidation(t *testing.T) {
	env := newTestEnv(t, newScriptedGW(map[string][]string{}), &stubRunner{results: []*sandbox.Result{{}}}, 0)

	_, err := env.svc.RunTurn(context.Background(), TurnRequest{Question: "q"})
	if err == nil {
		t.Fatalf("missing session id accepted")
	}
	_, err = env.svc.RunTurn(context.Background(), TurnRequest{SessionID: uuid.New(), FileID: "f"})
	if err == nil {
		t.Fatalf("missing question accepted")
	}
}

// 路由函数是纯函数：同一状态快照永远给出同一目标，
// 未知标签立即报错而不是悄悄落到默认分支。
func TestRoutingDeterminism(t *testing.T) {
	ctx := context.Background()

	state := AgentState{TaskFlow: TaskFlowExploratory}
	for i := 0; i < 5; i++ {
		got, err := routeTask(ctx, state)
		if err != nil || got != NodeTaskDecomposer {
			t.Fatalf("routeTask iteration %d: %q %v", i, got, err)
		}
	}

	if _, err := routeTask(ctx, AgentState{TaskFlow: "WAT"}); err == nil {
		t.Fatalf("unknown task flow accepted")
	}
	if _, err := routeSubtask(ctx, AgentState{SubtaskFlow: "WAT"}); err == nil {
		t.Fatalf("unknown subtask flow accepted")
	}

	faulted := AgentState{SubtaskFlow: SubtaskAnalysis, ExecutionError: "boom"}
	if got, _ := routeExecution(ctx, faulted); got != NodeFallback {
		t.Fatalf("faulted execution routed to %q", got)
	}
	ok := AgentState{SubtaskFlow: SubtaskVisualization}
	if got, _ := routeExecution(ctx, ok); got != NodeVizDisplay {
		t.Fatalf("viz execution routed to %q", got)
	}

	if got, _ := routeAfterResolution(ctx, AgentState{Subtasks: []string{"a"}}); got != NodeSubtaskClassifier {
		t.Fatalf("non-empty queue routed to %q", got)
	}
	if got, _ := routeAfterResolution(ctx, AgentState{}); got != NodeMemorySaver {
		t.Fatalf("empty queue routed to %q", got)
	}
}

func TestResolveSubtaskIsOnlyPopSite(t *testing.T) {
	state := AgentState{Subtasks: []string{"a", "b"}, SubtaskFlow: SubtaskAnalysis, Plan: "p", Code: "c"}
	state.ResolveSubtask()
	if len(state.Subtasks) != 1 || state.Subtasks[0] != "b" {
		t.Fatalf("queue after resolve: %v", state.Subtasks)
	}
	if state.Plan != "" || state.Code != "" || state.SubtaskFlow != "" {
		t.Fatalf("subtask-scoped fields not cleared")
	}
	// 空队列上调用无害
	state.ResolveSubtask()
	state.ResolveSubtask()
	if len(state.Subtasks) != 0 {
		t.Fatalf("queue underflow")
	}
}

func TestMissingNodeWiringFailsFast(t *testing.T) {
	nodes := DeepModeNodes(Deps{Gateway: newScriptedGW(nil), Log: zap.NewNop()})
	nodes.Reporter = nil
	if _, err := BuildGraph(context.Background(), nodes); err == nil {
		t.Fatalf("missing node wiring accepted")
	}
}
