package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCSV(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func TestLoadCSV(t *testing.T) {
	path := writeCSV(t, "sales.csv", "region,amount,rate\n华东,100,0.5\n华南,200,1.25\n")

	frame, err := LocalLoader{}.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := strings.Join(frame.Columns, ","); got != "region,amount,rate" {
		t.Fatalf("columns = %q", got)
	}
	if len(frame.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(frame.Records))
	}
	// 数值单元格要还原为数值类型
	if v, ok := frame.Records[0][1].(int64); !ok || v != 100 {
		t.Errorf("amount cell = %#v, want int64(100)", frame.Records[0][1])
	}
	if v, ok := frame.Records[1][2].(float64); !ok || v != 1.25 {
		t.Errorf("rate cell = %#v, want float64(1.25)", frame.Records[1][2])
	}
	if frame.Records[0][0] != "华东" {
		t.Errorf("region cell = %#v", frame.Records[0][0])
	}
}

func TestLoadCSVFileURI(t *testing.T) {
	path := writeCSV(t, "data.csv", "a\n1\n")
	if _, err := (LocalLoader{}).Load("file://" + path); err != nil {
		t.Fatalf("load with file:// prefix: %v", err)
	}
}

func TestLoadRejectsNonCSV(t *testing.T) {
	if _, err := (LocalLoader{}).Load("data.parquet"); err == nil {
		t.Fatal("expected error for non-csv file")
	}
	if _, err := (LocalLoader{}).Load(""); err == nil {
		t.Fatal("expected error for empty uri")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeCSV(t, "empty.csv", "")
	if _, err := (LocalLoader{}).Load(path); err == nil {
		t.Fatal("expected error for file without header")
	}
}

func TestFrameVariableRoundTrip(t *testing.T) {
	f := &Frame{
		Columns: []string{"x", "y"},
		Records: [][]any{{int64(1), "a"}, {int64(2), "b"}},
	}

	got, ok := FrameFromVariable(f.ToVariable())
	if !ok {
		t.Fatal("round trip lost frame marker")
	}
	if len(got.Columns) != 2 || len(got.Records) != 2 {
		t.Fatalf("round trip shape: %+v", got)
	}

	// JSON 反序列化后的宽松形态（[]any 套 []any）也要能还原
	loose := map[string]any{
		"__type__": "frame",
		"columns":  []any{"x", "y"},
		"records":  []any{[]any{1.0, "a"}},
	}
	got, ok = FrameFromVariable(loose)
	if !ok || len(got.Records) != 1 || got.Columns[1] != "y" {
		t.Fatalf("loose decode: ok=%v frame=%+v", ok, got)
	}

	if _, ok := FrameFromVariable("not a frame"); ok {
		t.Fatal("non-frame value decoded as frame")
	}
	if _, ok := FrameFromVariable(map[string]any{"__type__": "other"}); ok {
		t.Fatal("wrong marker decoded as frame")
	}
}

func TestFrameSummary(t *testing.T) {
	f := &Frame{
		Columns: []string{"a", "b"},
		Records: [][]any{{int64(1), "x"}, {int64(2), "y"}, {int64(3), "z"}},
	}

	s := f.Summary(2)
	if !strings.Contains(s, "columns: a, b") {
		t.Errorf("summary missing columns: %q", s)
	}
	if !strings.Contains(s, "rows: 3") {
		t.Errorf("summary missing row count: %q", s)
	}
	if strings.Count(s, "sample:") != 2 {
		t.Errorf("summary sample lines = %d, want 2: %q", strings.Count(s, "sample:"), s)
	}

	// 采样数超过行数时全量采样，不越界
	if s := f.Summary(10); strings.Count(s, "sample:") != 3 {
		t.Errorf("oversized sample request: %q", s)
	}
}
