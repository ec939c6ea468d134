package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "datapilot.db")
	s, err := Open(ctx, Config{
		Path:      dbPath,
		EnableWAL: true,
	})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryRecordRoundtrip(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	rec := &MemoryRecord{
		SessionID:    "sess-1",
		FileID:       "sales.csv",
		UserID:       7,
		Conversation: []byte(`{"v":1}`),
		Variables:    []byte(`{"v":1,"df":true}`),
	}
	created, err := s.CreateMemoryIfAbsent(ctx, rec)
	if err != nil {
		t.Fatalf("create memory: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected assigned primary key")
	}

	got, err := s.GetMemory(ctx, "sess-1", "sales.csv")
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if string(got.Conversation) != `{"v":1}` {
		t.Fatalf("unexpected conversation blob: %s", got.Conversation)
	}

	got.CodeSummary = []byte(`{"v":1,"s":"loaded df"}`)
	if err := s.UpdateMemory(ctx, got); err != nil {
		t.Fatalf("update memory: %v", err)
	}

	got2, err := s.GetMemory(ctx, "sess-1", "sales.csv")
	if err != nil {
		t.Fatalf("get memory after update: %v", err)
	}
	if string(got2.CodeSummary) != `{"v":1,"s":"loaded df"}` {
		t.Fatalf("unexpected code summary blob: %s", got2.CodeSummary)
	}
	// nil 字段在 Update 时不应清空已有值
	if string(got2.Variables) != `{"v":1,"df":true}` {
		t.Fatalf("variables blob lost on partial update: %s", got2.Variables)
	}

	if err := s.DeleteMemory(ctx, "sess-1", "sales.csv"); err != nil {
		t.Fatalf("delete memory: %v", err)
	}
	if _, err := s.GetMemory(ctx, "sess-1", "sales.csv"); err != ErrMemoryNotFound {
		t.Fatalf("expected ErrMemoryNotFound, got %v", err)
	}
}

func TestCreateMemoryIfAbsentIsIdempotent(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	first := &MemoryRecord{
		SessionID: "sess-2",
		FileID:    "trips.csv",
		UserID:    1,
		Variables: []byte(`{"v":1,"df":"first"}`),
	}
	if _, err := s.CreateMemoryIfAbsent(ctx, first); err != nil {
		t.Fatalf("first create: %v", err)
	}

	// 竞态中后到的创建不得覆盖先到者已写入的内容
	second := &MemoryRecord{
		SessionID: "sess-2",
		FileID:    "trips.csv",
		UserID:    1,
		Variables: []byte(`{"v":1,"df":"second"}`),
	}
	got, err := s.CreateMemoryIfAbsent(ctx, second)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if string(got.Variables) != `{"v":1,"df":"first"}` {
		t.Fatalf("duplicate create overwrote existing record: %s", got.Variables)
	}

	var count int64
	if err := s.DB().WithContext(ctx).Model(&MemoryRecord{}).
		Where("session_id = ?", "sess-2").Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 row, got %d", count)
	}
}

func TestCreateMemoryConcurrentFirstAccess(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateMemoryIfAbsent(ctx, &MemoryRecord{
				SessionID: "sess-3",
				FileID:    "iris.csv",
				UserID:    2,
				Variables: []byte(`{"v":1}`),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent create: %v", err)
		}
	}

	var count int64
	if err := s.DB().WithContext(ctx).Model(&MemoryRecord{}).
		Where("session_id = ?", "sess-3").Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 row after race, got %d", count)
	}
}

func TestExecutionAttemptsQuery(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-5 * time.Minute).UTC()
	atts := []ExecutionAttempt{
		{SessionID: "sess-4", FileID: "a.csv", Subtask: "impute", Attempt: 0, Fault: "NameError: x", Status: "faulted", CreatedAt: base},
		{SessionID: "sess-4", FileID: "a.csv", Subtask: "impute", Attempt: 1, Status: "succeeded", CreatedAt: base.Add(10 * time.Second)},
		{SessionID: "sess-5", FileID: "b.csv", Subtask: "plot", Attempt: 0, Status: "succeeded", CreatedAt: base.Add(20 * time.Second)},
	}
	if err := s.InsertExecutionAttempts(ctx, atts); err != nil {
		t.Fatalf("insert attempts: %v", err)
	}

	got, err := s.QueryExecutionAttempts(ctx, AttemptQuery{
		SessionID: "sess-4",
		Limit:     10,
		Desc:      true,
	})
	if err != nil {
		t.Fatalf("query attempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(got))
	}
	if got[0].Attempt != 1 || got[0].Status != "succeeded" {
		t.Fatalf("unexpected newest attempt: %+v", got[0])
	}

	faulted, err := s.QueryExecutionAttempts(ctx, AttemptQuery{Status: "faulted"})
	if err != nil {
		t.Fatalf("query faulted: %v", err)
	}
	if len(faulted) != 1 || faulted[0].Fault != "NameError: x" {
		t.Fatalf("unexpected faulted attempts: %+v", faulted)
	}
}
