package memory

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hzliu/datapilot/internal/storage"
)

// codecVersion 是当前 blob 信封版本。持久层里的每个 blob 都带版本号，
// 解码时版本不符立即报错，绝不猜测旧格式。
const codecVersion = 1

type envelope struct {
	Version int             `json:"v"`
	Data    json.RawMessage `json:"data"`
}

func encodeBlob(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode memory blob: %w", err)
	}
	raw, err := json.Marshal(envelope{Version: codecVersion, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode memory envelope: %w", err)
	}
	return raw, nil
}

// decodeBlob 将信封 blob 解码到 out。空 blob 视为零值，不报错。
func decodeBlob(b []byte, out any) error {
	if len(b) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("decode memory envelope: %w", err)
	}
	if env.Version != codecVersion {
		return fmt.Errorf("unsupported memory blob version %d, want %d", env.Version, codecVersion)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode memory blob: %w", err)
	}
	return nil
}

func encodeText(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return encodeBlob(s)
}

func decodeText(b []byte) (string, error) {
	var s string
	if err := decodeBlob(b, &s); err != nil {
		return "", err
	}
	return s, nil
}

// encodeRecord 把解码后的 Record 转换成持久层行。
func encodeRecord(rec *Record) (*storage.MemoryRecord, error) {
	row := &storage.MemoryRecord{
		SessionID: rec.SessionID.String(),
		FileID:    rec.FileID,
		UserID:    rec.UserID,
	}
	var err error
	if row.Conversation, err = encodeBlob(rec.Conversation); err != nil {
		return nil, err
	}
	if row.AnalysisSummary, err = encodeText(rec.AnalysisSummary); err != nil {
		return nil, err
	}
	if row.VisualizationSummary, err = encodeText(rec.VisualizationSummary); err != nil {
		return nil, err
	}
	if row.CodeSummary, err = encodeText(rec.CodeSummary); err != nil {
		return nil, err
	}
	if row.PreferenceSummary, err = encodeText(rec.PreferenceSummary); err != nil {
		return nil, err
	}
	if row.Variables, err = encodeBlob(rec.Variables); err != nil {
		return nil, err
	}
	return row, nil
}

// decodeRecord 把持久层行还原成 Record。任一 blob 版本不符即整体失败。
func decodeRecord(row *storage.MemoryRecord) (*Record, error) {
	sid, err := uuid.Parse(row.SessionID)
	if err != nil {
		return nil, fmt.Errorf("parse session id %q: %w", row.SessionID, err)
	}
	rec := &Record{
		SessionID: sid,
		FileID:    row.FileID,
		UserID:    row.UserID,
	}
	if err := decodeBlob(row.Conversation, &rec.Conversation); err != nil {
		return nil, err
	}
	if rec.AnalysisSummary, err = decodeText(row.AnalysisSummary); err != nil {
		return nil, err
	}
	if rec.VisualizationSummary, err = decodeText(row.VisualizationSummary); err != nil {
		return nil, err
	}
	if rec.CodeSummary, err = decodeText(row.CodeSummary); err != nil {
		return nil, err
	}
	if rec.PreferenceSummary, err = decodeText(row.PreferenceSummary); err != nil {
		return nil, err
	}
	if err := decodeBlob(row.Variables, &rec.Variables); err != nil {
		return nil, err
	}
	if rec.Conversation == nil {
		rec.Conversation = []Exchange{}
	}
	if rec.Variables == nil {
		rec.Variables = map[string]any{}
	}
	return rec, nil
}
