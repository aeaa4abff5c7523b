// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/waveforge/internal/config"
	"github.com/nishisan-dev/waveforge/internal/sysinfo"
)

const tusVersion = "1.0.0"

// Handler implementa as rotas HTTP do protocolo de upload. Toda validação
// de identificador acontece aqui, na porta; store e registry assumem
// identificadores já validados.
type Handler struct {
	cfg         *config.ServerConfig
	store       *ChunkStore
	registry    *SessionRegistry
	assembler   *Assembler
	coordinator *CompletionCoordinator
	monitor     *sysinfo.SystemMonitor
	limiter     *rate.Limiter
	logger      *slog.Logger

	stats     serverStats
	startedAt time.Time
	version   string
}

// NewHandler cria o handler HTTP. monitor pode ser nil (health responde
// sem os números de disco).
func NewHandler(cfg *config.ServerConfig, store *ChunkStore, registry *SessionRegistry, assembler *Assembler, coordinator *CompletionCoordinator, monitor *sysinfo.SystemMonitor, version string, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		assembler:   assembler,
		coordinator: coordinator,
		monitor:     monitor,
		limiter:     NewIngestLimiter(cfg.Limits.RxBytesPerSecRaw),
		logger:      logger,
		startedAt:   time.Now(),
		version:     version,
	}
}

// errorBody é o shape de toda resposta de erro.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError traduz o kind do erro para status HTTP e body JSON. Offset
// mismatch carrega o offset real no header para o client retomar.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var mismatch *OffsetMismatchError
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.As(err, &mismatch):
		w.Header().Set("Upload-Offset", strconv.FormatInt(mismatch.Actual, 10))
		status, code = http.StatusConflict, "offset_mismatch"
	case errors.Is(err, ErrBadIdentifier):
		status, code = http.StatusBadRequest, "bad_identifier"
	case errors.Is(err, ErrMetadataConflict):
		status, code = http.StatusConflict, "metadata_conflict"
	case errors.Is(err, ErrUnknownSession):
		status, code = http.StatusNotFound, "unknown_session"
	case errors.Is(err, ErrUnknownChunk):
		status, code = http.StatusNotFound, "unknown_chunk"
	case errors.Is(err, ErrPayloadTooLarge):
		status, code = http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, ErrStorageFull):
		status, code = http.StatusInsufficientStorage, "storage_full"
	case errors.Is(err, ErrAssemblyInProgress):
		status, code = http.StatusConflict, "assembly_in_progress"
	default:
		h.logger.Error("request failed", "error", err)
	}

	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// sessionID valida e retorna o {session} do path.
func (h *Handler) sessionID(r *http.Request) (string, error) {
	id := r.PathValue("session")
	if err := validateSessionID(id, h.cfg.Storage.SessionAlphabet); err != nil {
		return "", err
	}
	return id, nil
}

// chunkIndex valida e retorna o {index} do path.
func chunkIndex(r *http.Request) (int, error) {
	raw := r.PathValue("index")
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("%w: chunk index %q", ErrUnknownChunk, raw)
	}
	return index, nil
}

// HandleCreateChunk trata POST /files/{session}/chunks/. Cria (ou adota) a
// sessão e reserva o slot do chunk. Idempotente: repetir o create de um
// chunk já iniciado responde o offset atual.
func (h *Handler) HandleCreateChunk(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sessionID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	cm, err := parseCreateMetadata(r.Header.Get("Upload-Metadata"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	rec, created := h.registry.GetOrCreate(sessionID, func(rec *SessionRecord) {
		rec.MetadataKnown = true
		rec.TotalChunks = cm.TotalChunks
		rec.RecordingName = cm.RecordingName
		rec.Format = cm.Format
		rec.ExpectedTotalBytes = cm.TotalBytes
		rec.Passthrough = cm.Passthrough
	})

	adopted := false
	if !created {
		if rec.MetadataKnown && rec.TotalChunks != cm.TotalChunks {
			h.writeError(w, fmt.Errorf("%w: totalChunks %d does not match declared %d",
				ErrMetadataConflict, cm.TotalChunks, rec.TotalChunks))
			return
		}
		// Sessão semi-conhecida (re-hidratada): o create adota a metadata
		rec, err = h.registry.Update(sessionID, func(rec *SessionRecord) error {
			if !rec.MetadataKnown {
				rec.MetadataKnown = true
				rec.TotalChunks = cm.TotalChunks
				rec.RecordingName = cm.RecordingName
				rec.Format = cm.Format
				rec.ExpectedTotalBytes = cm.TotalBytes
				rec.Passthrough = cm.Passthrough
				adopted = true
			}
			if cm.ChunkSize > 0 {
				rec.AnnouncedSizes[cm.ChunkIndex] = cm.ChunkSize
			}
			rec.LastActivityAt = time.Now()
			return nil
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
	} else if cm.ChunkSize > 0 {
		h.registry.Update(sessionID, func(rec *SessionRecord) error {
			rec.AnnouncedSizes[cm.ChunkIndex] = cm.ChunkSize
			return nil
		})
	}

	// Metadata nova (sessão criada ou adotada) vai para o disco, para a
	// re-hidratação recuperar total_chunks após um restart
	if created || adopted {
		if err := h.store.WriteSessionMeta(sessionID, SessionMeta{
			SessionID:          sessionID,
			TotalChunks:        cm.TotalChunks,
			RecordingName:      cm.RecordingName,
			Format:             cm.Format,
			ExpectedTotalBytes: cm.TotalBytes,
			Passthrough:        cm.Passthrough,
			CreatedAt:          rec.CreatedAt,
		}); err != nil {
			h.logger.Warn("could not persist session metadata", "session", sessionID, "error", err)
		}
	}

	if _, err := h.store.EnsureChunkSlot(sessionID, cm.ChunkIndex); err != nil {
		h.writeError(w, err)
		return
	}
	offset, _, err := h.store.SizeOf(sessionID, cm.ChunkIndex)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Debug("chunk slot created",
		"session", sessionID,
		"chunk", cm.ChunkIndex,
		"total_chunks", cm.TotalChunks)

	w.Header().Set("Location", fmt.Sprintf("/files/%s/chunks/%d", sessionID, cm.ChunkIndex))
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Upload-Offset", strconv.FormatInt(offset, 10))
	w.WriteHeader(http.StatusCreated)
}

// HandleAppendChunk trata PATCH /files/{session}/chunks/{index}: append de
// bytes no offset declarado, com verificação contra o tamanho em disco.
func (h *Handler) HandleAppendChunk(w http.ResponseWriter, r *http.Request) {
	h.stats.ActiveRequests.Add(1)
	defer h.stats.ActiveRequests.Add(-1)

	sessionID, err := h.sessionID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	index, err := chunkIndex(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "application/offset+octet-stream" {
		writeJSON(w, http.StatusUnsupportedMediaType, errorBody{
			Error: fmt.Sprintf("unsupported content type %q", ct),
			Code:  "unsupported_media_type",
		})
		return
	}
	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		h.writeError(w, fmt.Errorf("%w: invalid Upload-Offset header", ErrBadIdentifier))
		return
	}

	rec, ok := h.registry.Get(sessionID)
	if !ok {
		h.writeError(w, fmt.Errorf("session %q: %w", sessionID, ErrUnknownSession))
		return
	}
	if rec.MetadataKnown && index >= rec.TotalChunks {
		h.writeError(w, fmt.Errorf("%w: chunk %d outside [0,%d)", ErrUnknownChunk, index, rec.TotalChunks))
		return
	}

	maxBytes := h.cfg.Storage.MaxChunkBytesRaw
	if r.ContentLength > maxBytes {
		h.writeError(w, fmt.Errorf("%w: body of %d bytes exceeds limit %d",
			ErrPayloadTooLarge, r.ContentLength, maxBytes))
		return
	}

	body := NewThrottledReader(r.Context(), http.MaxBytesReader(w, r.Body, maxBytes), h.limiter)
	newSize, err := h.store.AppendAt(sessionID, index, offset, body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			err = fmt.Errorf("%w: body exceeds limit %d", ErrPayloadTooLarge, maxBytes)
		}
		h.writeError(w, err)
		return
	}

	received := newSize - offset
	h.stats.TrafficIn.Add(received)
	h.stats.DiskWrite.Add(received)

	// Tamanho final anunciado: do create (chunkSize) ou do próprio PATCH
	announced := rec.AnnouncedSizes[index]
	if v := r.Header.Get("Upload-Length"); v != "" {
		if parsed, perr := strconv.ParseInt(v, 10, 64); perr == nil && parsed > 0 {
			announced = parsed
		}
	}

	// Persistido: atingiu o tamanho anunciado, o client declarou o fim do
	// chunk, ou não há anúncio (client de PATCH único)
	persisted := r.Header.Get("Upload-Final") == "1" ||
		(announced > 0 && newSize >= announced) ||
		announced <= 0

	snapshot, err := h.registry.Update(sessionID, func(rec *SessionRecord) error {
		rec.ChunkSizes[index] = newSize
		if announced > 0 {
			rec.AnnouncedSizes[index] = announced
		}
		if persisted {
			rec.ChunksPersisted[index] = true
		}
		rec.LastActivityAt = time.Now()
		return nil
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Debug("chunk appended",
		"session", sessionID,
		"chunk", index,
		"offset", offset,
		"bytes", received,
		"persisted", persisted)

	// Completion já sinalizada e o último chunk chegou: montagem sai agora
	if snapshot.CompletionSignalled && snapshot.AssemblyState == AssemblyPending && snapshot.AllChunksPersisted() {
		h.assembler.Enqueue(sessionID)
	}

	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Upload-Offset", strconv.FormatInt(newSize, 10))
	w.WriteHeader(http.StatusNoContent)
}

// HandleProbeChunk trata HEAD /files/{session}/chunks/{index}: devolve o
// offset atual em disco para o client decidir de onde retomar.
func (h *Handler) HandleProbeChunk(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sessionID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	index, err := chunkIndex(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	rec, ok := h.registry.Get(sessionID)
	if !ok {
		h.writeError(w, fmt.Errorf("session %q: %w", sessionID, ErrUnknownSession))
		return
	}
	if rec.MetadataKnown && index >= rec.TotalChunks {
		h.writeError(w, fmt.Errorf("%w: chunk %d outside [0,%d)", ErrUnknownChunk, index, rec.TotalChunks))
		return
	}

	size, _, err := h.store.SizeOf(sessionID, index)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Upload-Offset", strconv.FormatInt(size, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// statusBody é a resposta de GET /files/{session}/status.
type statusBody struct {
	SessionID           string        `json:"session_id"`
	MetadataKnown       bool          `json:"metadata_known"`
	TotalChunks         int           `json:"total_chunks"`
	ChunksPersisted     int           `json:"chunks_persisted"`
	MissingChunks       []int         `json:"missing_chunks"`
	BytesReceived       int64         `json:"bytes_received"`
	AssemblyState       AssemblyState `json:"assembly_state"`
	CompletionSignalled bool          `json:"completion_signalled"`
	RecordingName       string        `json:"recording_name,omitempty"`
	Format              string        `json:"format,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	LastActivityAt      time.Time     `json:"last_activity_at"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
	ArtifactPath        string        `json:"artifact_path,omitempty"`
}

// HandleStatus trata GET /files/{session}/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sessionID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	rec, ok := h.registry.Get(sessionID)
	if !ok {
		h.writeError(w, fmt.Errorf("session %q: %w", sessionID, ErrUnknownSession))
		return
	}

	var bytesReceived int64
	for _, size := range rec.ChunkSizes {
		bytesReceived += size
	}

	body := statusBody{
		SessionID:           rec.SessionID,
		MetadataKnown:       rec.MetadataKnown,
		TotalChunks:         rec.TotalChunks,
		ChunksPersisted:     rec.PersistedCount(),
		MissingChunks:       rec.MissingChunks(),
		BytesReceived:       bytesReceived,
		AssemblyState:       rec.AssemblyState,
		CompletionSignalled: rec.CompletionSignalled,
		RecordingName:       rec.RecordingName,
		Format:              rec.Format,
		CreatedAt:           rec.CreatedAt,
		LastActivityAt:      rec.LastActivityAt,
	}
	if !rec.CompletedAt.IsZero() {
		body.CompletedAt = &rec.CompletedAt
	}
	if rec.AssemblyState == AssemblyDone {
		body.ArtifactPath = rec.AssemblyResult
	}
	if body.MissingChunks == nil {
		body.MissingChunks = []int{}
	}

	writeJSON(w, http.StatusOK, body)
}

// HandleComplete trata POST /recording/complete: o sinal durável de que o
// client terminou o upload. Campos de form: session_id, file_name e um
// blob opcional metadata (JSON de strings).
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		if err := r.ParseForm(); err != nil {
			h.writeError(w, fmt.Errorf("%w: unparseable form", ErrBadIdentifier))
			return
		}
	}

	sessionID := r.FormValue("session_id")
	if err := validateSessionID(sessionID, h.cfg.Storage.SessionAlphabet); err != nil {
		h.writeError(w, err)
		return
	}
	fileName := r.FormValue("file_name")

	var metadata map[string]string
	if blob := r.FormValue("metadata"); blob != "" {
		if err := json.Unmarshal([]byte(blob), &metadata); err != nil {
			h.writeError(w, fmt.Errorf("%w: metadata is not a JSON string map", ErrBadIdentifier))
			return
		}
	}

	if err := h.coordinator.Signal(sessionID, fileName, metadata); err != nil {
		h.writeError(w, err)
		return
	}

	rec, _ := h.registry.Get(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "queued",
		"session_id":           sessionID,
		"all_chunks_persisted": rec.AllChunksPersisted(),
	})
}

// HandleAssemble trata POST /files/{session}/assemble: gatilho manual,
// idempotente. done responde com o artefato; qualquer outro estado vira
// pending e entra na fila.
func (h *Handler) HandleAssemble(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sessionID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	rec, ok := h.registry.Get(sessionID)
	if !ok {
		h.writeError(w, fmt.Errorf("session %q: %w", sessionID, ErrUnknownSession))
		return
	}

	switch rec.AssemblyState {
	case AssemblyDone:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "done",
			"artifact": rec.AssemblyResult,
		})
		return
	case AssemblyInProgress:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "in_progress"})
		return
	case AssemblyPending:
	default:
		h.registry.Update(sessionID, func(rec *SessionRecord) error {
			if rec.AssemblyState == AssemblyNone || rec.AssemblyState == AssemblyFailed {
				rec.AssemblyState = AssemblyPending
			}
			return nil
		})
	}

	h.assembler.Enqueue(sessionID)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

// HandleCancel trata DELETE /files/{session}: descarta a sessão e todos os
// dados em disco. Recusado durante a montagem.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sessionID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	rec, ok := h.registry.Get(sessionID)
	if !ok {
		// Sessão só em disco (meio-órfã): some do mesmo jeito
		if _, statErr := os.Stat(filepath.Join(h.store.Root(), sessionID)); statErr != nil {
			h.writeError(w, fmt.Errorf("session %q: %w", sessionID, ErrUnknownSession))
			return
		}
	}
	if ok && rec.AssemblyState == AssemblyInProgress {
		h.writeError(w, fmt.Errorf("session %q: %w", sessionID, ErrAssemblyInProgress))
		return
	}

	if err := h.store.DeleteSession(sessionID); err != nil {
		h.writeError(w, err)
		return
	}
	h.registry.Delete(sessionID)
	h.coordinator.Forget(sessionID)
	if ok && rec.CompletionSignalled && rec.AssemblyState != AssemblyDone {
		h.coordinator.journal.RecordResolution(sessionID, "cancelled")
	}

	h.logger.Info("session cancelled", "session", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleVerifyChunk trata GET /files/{session}/chunks/{index}/verify.
func (h *Handler) HandleVerifyChunk(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sessionID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	index, err := chunkIndex(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if rec, ok := h.registry.Get(sessionID); ok && rec.MetadataKnown && index >= rec.TotalChunks {
		h.writeError(w, fmt.Errorf("%w: chunk %d outside [0,%d)", ErrUnknownChunk, index, rec.TotalChunks))
		return
	}

	size, exists, err := h.store.SizeOf(sessionID, index)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"exists":    exists,
		"size":      size,
		"path_hint": fmt.Sprintf("chunks/shard_%04d/%d", index/chunksPerShard, index),
	})
}

// HandleFallbackUpload trata POST /upload/chunk: o caminho multipart para
// clients sem PATCH. O chunk inteiro chega de uma vez e é gravado com
// temp + rename; repetir o mesmo chunk é um no-op.
func (h *Handler) HandleFallbackUpload(w http.ResponseWriter, r *http.Request) {
	h.stats.ActiveRequests.Add(1)
	defer h.stats.ActiveRequests.Add(-1)

	maxBytes := h.cfg.Storage.MaxChunkBytesRaw
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20)) // folga para o envelope multipart
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, fmt.Errorf("%w: body exceeds limit %d", ErrPayloadTooLarge, maxBytes))
			return
		}
		h.writeError(w, fmt.Errorf("%w: unparseable multipart form", ErrBadIdentifier))
		return
	}

	sessionID := r.FormValue("session_id")
	if err := validateSessionID(sessionID, h.cfg.Storage.SessionAlphabet); err != nil {
		h.writeError(w, err)
		return
	}
	index, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil || index < 0 {
		h.writeError(w, fmt.Errorf("%w: chunk_index %q", ErrUnknownChunk, r.FormValue("chunk_index")))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: missing file part", ErrBadIdentifier))
		return
	}
	defer file.Close()

	h.registry.GetOrCreate(sessionID, nil)

	if size, exists, err := h.store.SizeOf(sessionID, index); err == nil && exists && size > 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "chunk_already_exists",
			"session_id":  sessionID,
			"chunk_index": index,
			"size":        size,
		})
		return
	}

	body := NewThrottledReader(r.Context(), io.LimitReader(file, maxBytes), h.limiter)
	written, err := h.store.PutChunk(sessionID, index, body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.stats.TrafficIn.Add(written)
	h.stats.DiskWrite.Add(written)

	snapshot, err := h.registry.Update(sessionID, func(rec *SessionRecord) error {
		rec.ChunkSizes[index] = written
		rec.ChunksPersisted[index] = true
		rec.LastActivityAt = time.Now()
		return nil
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Debug("fallback chunk received",
		"session", sessionID,
		"chunk", index,
		"bytes", written)

	if snapshot.CompletionSignalled && snapshot.AssemblyState == AssemblyPending && snapshot.AllChunksPersisted() {
		h.assembler.Enqueue(sessionID)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "chunk_received",
		"session_id":  sessionID,
		"chunk_index": index,
		"size":        written,
	})
}

// HandleHealth trata GET|HEAD /health: liveness + folga de disco, para o
// client distinguir "server fora" de "disco cheio".
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	body := map[string]any{
		"status":          "ok",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"version":         h.version,
		"uptime_seconds":  int64(time.Since(h.startedAt).Seconds()),
		"active_sessions": h.registry.Len(),
	}
	if h.monitor != nil {
		stats := h.monitor.Stats()
		body["disk_free_bytes"] = stats.DiskFreeBytes
		body["disk_total_bytes"] = stats.DiskTotalBytes
		body["disk_used_percent"] = stats.DiskUsagePercent
		body["memory_used_percent"] = stats.MemoryPercent
	}

	writeJSON(w, http.StatusOK, body)
}

// HandleDownload trata GET /recordings/{session}/{file}: serve um artefato
// montado. O nome passa pela mesma validação dos uploads.
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.sessionID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	fileName := r.PathValue("file")
	if err := validateFileName(fileName); err != nil {
		h.writeError(w, err)
		return
	}

	path := h.store.CompletedPath(sessionID, fileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			h.writeError(w, fmt.Errorf("artifact %q: %w", fileName, ErrUnknownSession))
			return
		}
		h.writeError(w, err)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", artifactExt(fileName))
	http.ServeContent(w, r, fileName, fi.ModTime(), f)
}
