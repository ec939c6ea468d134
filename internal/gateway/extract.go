package gateway

import "strings"

// ExtractCode 从模型回复中抽取代码块。
//
// 优先取第一个 python 围栏块；没有语言标注时取第一个任意围栏块；
// 缺少收尾围栏时取到回复末尾；完全没有围栏时把整段回复当作代码。
// 模型偶尔在围栏外夹带说明文字，这个顺序能稳定剥离。
func ExtractCode(reply string) string {
	for _, fence := range []string{"```python", "```py", "```"} {
		idx := strings.Index(reply, fence)
		if idx < 0 {
			continue
		}
		body := reply[idx+len(fence):]
		// 语言标注后的换行不属于代码
		body = strings.TrimPrefix(body, "\n")
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(reply)
}
