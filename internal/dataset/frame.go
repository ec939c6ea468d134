package dataset

import (
	"fmt"
	"strconv"
	"strings"
)

// Frame 是数据集在 Go 侧的轻量表格句柄。
//
// 它不承担任何计算职责：真正的分析发生在沙箱内的 DataFrame 上，
// Frame 只负责在「持久化变量」和「沙箱命名空间」之间往返。
// 两侧约定的序列化形态见 ToVariable / FrameFromVariable。
type Frame struct {
	Columns []string `json:"columns"`
	Records [][]any  `json:"records"`
}

// frameMarker 是变量快照中标识 Frame 值的类型标签。
// 沙箱 harness 依据该标签把值还原为 DataFrame，回写时再打回该标签。
const frameMarker = "frame"

// ToVariable 将 Frame 编码为可放入变量快照的通用值。
func (f *Frame) ToVariable() map[string]any {
	return map[string]any{
		"__type__": frameMarker,
		"columns":  f.Columns,
		"records":  f.Records,
	}
}

// FrameFromVariable 尝试把变量快照中的值还原为 Frame。
// 值不是 Frame 编码时返回 ok=false，由调用方决定如何处理。
func FrameFromVariable(v any) (*Frame, bool) {
	m, ok := v.(map[string]any)
	if !ok || m["__type__"] != frameMarker {
		return nil, false
	}

	f := &Frame{}
	if cols, ok := m["columns"].([]any); ok {
		for _, c := range cols {
			f.Columns = append(f.Columns, fmt.Sprint(c))
		}
	} else if cols, ok := m["columns"].([]string); ok {
		f.Columns = cols
	}

	switch recs := m["records"].(type) {
	case [][]any:
		f.Records = recs
	case []any:
		for _, r := range recs {
			if row, ok := r.([]any); ok {
				f.Records = append(f.Records, row)
			}
		}
	}
	return f, true
}

// Summary 生成数据集的简要文字描述（列名、行数与前几行采样），
// 用于在未提供 dataset_summary 时兜底填充提示词上下文。
func (f *Frame) Summary(sampleRows int) string {
	if sampleRows <= 0 {
		sampleRows = 3
	}
	if sampleRows > len(f.Records) {
		sampleRows = len(f.Records)
	}

	var sb strings.Builder
	sb.WriteString("columns: ")
	sb.WriteString(strings.Join(f.Columns, ", "))
	sb.WriteString("\nrows: ")
	sb.WriteString(strconv.Itoa(len(f.Records)))
	for i := 0; i < sampleRows; i++ {
		sb.WriteString("\nsample: ")
		parts := make([]string, 0, len(f.Records[i]))
		for _, v := range f.Records[i] {
			parts = append(parts, fmt.Sprint(v))
		}
		sb.WriteString(strings.Join(parts, ", "))
	}
	return sb.String()
}
