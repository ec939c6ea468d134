package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hzliu/datapilot/internal/agent"
	"github.com/hzliu/datapilot/internal/memory"
)

type chatRequest struct {
	Question       string `json:"question"`
	UserID         int64  `json:"user_id"`
	SessionID      string `json:"session_id"`
	FileID         string `json:"file_id"`
	StorageURI     string `json:"storage_uri"`
	DatasetSummary string `json:"dataset_summary"`
}

func (r chatRequest) toTurnRequest() (agent.TurnRequest, error) {
	sid, err := uuid.Parse(r.SessionID)
	if err != nil {
		return agent.TurnRequest{}, fmt.Errorf("invalid session_id: %w", err)
	}
	return agent.TurnRequest{
		Question:       r.Question,
		UserID:         r.UserID,
		SessionID:      sid,
		FileID:         r.FileID,
		StorageURI:     r.StorageURI,
		DatasetSummary: r.DatasetSummary,
	}, nil
}

type sessionKeyRequest struct {
	SessionID string `json:"session_id"`
	FileID    string `json:"file_id"`
}

func (r sessionKeyRequest) toKey() (memory.SessionKey, error) {
	sid, err := uuid.Parse(r.SessionID)
	if err != nil {
		return memory.SessionKey{}, fmt.Errorf("invalid session_id: %w", err)
	}
	if r.FileID == "" {
		return memory.SessionKey{}, fmt.Errorf("file_id is required")
	}
	return memory.SessionKey{SessionID: sid, FileID: r.FileID}, nil
}

// sseFrame 流式回合的单帧。type：text（回答增量）、done（收尾，
// 携带完整结果）、error（终态失败说明）。
type sseFrame struct {
	Type   string            `json:"type"`
	Data   string            `json:"data,omitempty"`
	Result *agent.TurnResult `json:"result,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	req, err := body.toTurnRequest()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if r.URL.Query().Get("stream") == "1" {
		s.streamChat(w, r, req)
		return
	}

	result, err := s.agent.RunTurn(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req agent.TurnRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeFrame := func(f sseFrame) {
		raw, err := json.Marshal(f)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", raw)
		flusher.Flush()
	}

	result, err := s.agent.RunTurnStream(r.Context(), req, func(token string) {
		writeFrame(sseFrame{Type: "text", Data: token})
	})
	if err != nil {
		s.log.Error("stream turn failed", zap.Error(err))
		writeFrame(sseFrame{Type: "error", Data: err.Error()})
		return
	}
	writeFrame(sseFrame{Type: "done", Result: result})
}

func (s *Server) handleMemorySave(w http.ResponseWriter, r *http.Request) {
	var body sessionKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	key, err := body.toKey()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.memory.Flush(r.Context(), key); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	var body sessionKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	key, err := body.toKey()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.memory.Delete(r.Context(), key); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
