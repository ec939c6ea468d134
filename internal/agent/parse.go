package agent

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/hzliu/datapilot/internal/memory"
)

// 推理端的分类回复按关键词宽松解析：模型偶尔会在分类词
// 前后夹带解释文字，解析只认词不认格式，认不出时取保守分支。

func parseTaskFlow(reply string) TaskFlow {
	upper := strings.ToUpper(reply)
	if strings.Contains(upper, string(TaskFlowExploratory)) || strings.Contains(upper, "DECOMPOSE") {
		return TaskFlowExploratory
	}
	return TaskFlowAdvisory
}

func parseSubtaskFlow(reply string) SubtaskFlow {
	upper := strings.ToUpper(reply)
	switch {
	case strings.Contains(upper, "VISUAL"):
		return SubtaskVisualization
	case strings.Contains(upper, "ANALYSIS"):
		return SubtaskAnalysis
	default:
		return SubtaskDirect
	}
}

func parseMode(reply string) Mode {
	if strings.Contains(strings.ToUpper(reply), string(ModeDeep)) {
		return ModeDeep
	}
	return ModeFast
}

// parseSubtasks 解析拆解结果。优先按 JSON 字符串数组解析
// （容忍围栏包裹），失败则按行拆，仍然为空时整问题作为唯一子任务。
func parseSubtasks(reply, question string) []string {
	raw := strings.TrimSpace(reply)
	if idx := strings.Index(raw, "["); idx >= 0 {
		if end := strings.LastIndex(raw, "]"); end > idx {
			var tasks []string
			if err := json.Unmarshal([]byte(raw[idx:end+1]), &tasks); err == nil {
				tasks = compactStrings(tasks)
				if len(tasks) > 0 {
					return tasks
				}
			}
		}
	}

	var tasks []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		tasks = append(tasks, line)
	}
	if tasks = compactStrings(tasks); len(tasks) > 0 {
		return tasks
	}
	return []string{question}
}

func compactStrings(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// historyMessages 把既有对话转成模板的 history 占位消息，
// 只保留最近几轮，避免提示词无限膨胀。
const maxHistoryExchanges = 10

func historyMessages(history []memory.Exchange) []*schema.Message {
	if len(history) > maxHistoryExchanges {
		history = history[len(history)-maxHistoryExchanges:]
	}
	msgs := make([]*schema.Message, 0, len(history)*2)
	for _, ex := range history {
		msgs = append(msgs, schema.UserMessage(ex.Question))
		msgs = append(msgs, schema.AssistantMessage(ex.Answer, nil))
	}
	return msgs
}

func variableNameList(vars map[string]any) string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
