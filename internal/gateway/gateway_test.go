package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

type fakeModel struct {
	reply  string
	chunks []string
	err    error

	lastMessages []*schema.Message
}

func (m *fakeModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.lastMessages = in
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *fakeModel) Stream(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.lastMessages = in
	if m.err != nil {
		return nil, m.err
	}
	msgs := make([]*schema.Message, 0, len(m.chunks))
	for _, c := range m.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func TestInvokeFormatsNamedTemplate(t *testing.T) {
	fm := &fakeModel{reply: "DECOMPOSE"}
	g := New(fm, zap.NewNop())

	out, err := g.Invoke(context.Background(), TemplateTaskRouter, map[string]any{
		"question":        "各地区销售额对比如何",
		"dataset_summary": "columns: region, sales",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "DECOMPOSE" {
		t.Fatalf("reply = %q", out)
	}
	if len(fm.lastMessages) == 0 {
		t.Fatalf("no messages sent to model")
	}
	sys := fm.lastMessages[0].Content
	if !strings.Contains(sys, "各地区销售额对比如何") || !strings.Contains(sys, "region, sales") {
		t.Fatalf("template variables not interpolated: %q", sys)
	}
}

func TestInvokeUnknownTemplate(t *testing.T) {
	g := New(&fakeModel{}, zap.NewNop())
	if _, err := g.Invoke(context.Background(), "no_such_template", nil); err == nil {
		t.Fatalf("expected error for unknown template")
	}
}

func TestInvokePropagatesModelFailure(t *testing.T) {
	g := New(&fakeModel{err: errors.New("upstream timeout")}, zap.NewNop())
	_, err := g.Invoke(context.Background(), TemplateSubtaskClass, map[string]any{"subtask": "统计总额"})
	if err == nil || !strings.Contains(err.Error(), "upstream timeout") {
		t.Fatalf("model failure not propagated: %v", err)
	}
}

func TestStreamDeliversChunksAndFullReply(t *testing.T) {
	fm := &fakeModel{chunks: []string{"销售额", "持续", "上升"}}
	g := New(fm, zap.NewNop())

	var got []string
	full, err := g.Stream(context.Background(), TemplateReporter, map[string]any{
		"question": "趋势如何",
		"results":  "subtask 1: total 215",
	}, func(chunk string) { got = append(got, chunk) })
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if full != "销售额持续上升" {
		t.Fatalf("full reply = %q", full)
	}
	if len(got) != 3 {
		t.Fatalf("sink saw %d chunks, want 3", len(got))
	}
}

// 所有注册模板都应能用全量变量表成功格式化，
// 防止提示词正文混入裸花括号破坏 FString 插值。
func TestAllTemplatesFormat(t *testing.T) {
	vars := map[string]any{
		"question":              "q",
		"dataset_summary":       "ds",
		"analysis_summary":      "as",
		"visualization_summary": "vs",
		"preference_summary":    "ps",
		"code_summary":          "cs",
		"subtasks":              "[]",
		"subtask":               "st",
		"variable_names":        "df",
		"plan":                  "p",
		"code":                  "c",
		"fault":                 "f",
		"results":               "r",
		"advice":                "a",
		"guidance":              "g",
		"kind":                  "分析",
		"previous":              "old",
		"material":              "new",
		"history":               []*schema.Message{schema.UserMessage("hi")},
	}
	for name, tpl := range NewTemplateRegistry() {
		if _, err := tpl.Format(context.Background(), vars); err != nil {
			t.Fatalf("template %s: %v", name, err)
		}
	}
}

// 子任务分类提示词必须给出路由支持的全部三个标签，
// 否则 DIRECT 子任务永远走不到直答分支。
func TestSubtaskClassPromptOffersAllRoutes(t *testing.T) {
	fm := &fakeModel{reply: "DIRECT"}
	g := New(fm, zap.NewNop())

	if _, err := g.Invoke(context.Background(), TemplateSubtaskClass, map[string]any{
		"subtask": "数据集里有哪些列",
	}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	sys := fm.lastMessages[0].Content
	for _, label := range []string{"ANALYSIS", "VISUALIZATION", "DIRECT"} {
		if !strings.Contains(sys, label) {
			t.Fatalf("classifier prompt missing label %s: %q", label, sys)
		}
	}
}

func TestExtractCode(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  string
	}{
		{
			name:  "python fence",
			reply: "先筛选再聚合：\n```python\ntotal = df['sales'].sum()\n```\n以上。",
			want:  "total = df['sales'].sum()",
		},
		{
			name:  "bare fence",
			reply: "```\nresult = df.head()\n```",
			want:  "result = df.head()",
		},
		{
			name:  "missing closing fence",
			reply: "```python\nchart_path = 'out.png'",
			want:  "chart_path = 'out.png'",
		},
		{
			name:  "no fence at all",
			reply: "total = df['sales'].sum()\n",
			want:  "total = df['sales'].sum()",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractCode(tc.reply); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
