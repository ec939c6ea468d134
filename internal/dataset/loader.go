package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Loader 负责把存储地址解析为 Frame。
// 只在 Memory Record 首次创建时被调用一次，用于播种初始的 df 变量。
type Loader interface {
	Load(storageURI string) (*Frame, error)
}

// LocalLoader 从本地文件系统读取 CSV 数据集。
// storageURI 支持裸路径或 file:// 前缀；云端存储由上游文件服务负责下载落地。
type LocalLoader struct{}

func (LocalLoader) Load(storageURI string) (*Frame, error) {
	path := strings.TrimPrefix(storageURI, "file://")
	if path == "" {
		return nil, errors.New("dataset: storage uri is empty")
	}

	if ext := strings.ToLower(filepath.Ext(path)); ext != ".csv" {
		return nil, fmt.Errorf("dataset: unsupported file type %q (csv only)", ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("dataset: read csv %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("dataset: %s has no header row", path)
	}

	frame := &Frame{Columns: rows[0]}
	for _, row := range rows[1:] {
		rec := make([]any, len(row))
		for i, cell := range row {
			rec[i] = parseCell(cell)
		}
		frame.Records = append(frame.Records, rec)
	}
	return frame, nil
}

// parseCell 将 CSV 单元格还原为数值或字符串。
// 数值尽量还原，保证变量快照往返 JSON 后类型稳定。
func parseCell(cell string) any {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return nil
	}
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return cell
}
