// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ArtifactMirror recebe o artefato montado para espelhamento offsite.
// Falhas do mirror nunca afetam o estado da sessão.
type ArtifactMirror interface {
	MirrorArtifact(ctx context.Context, sessionID, artifactPath, sidecarPath string) error
}

// artifactMeta é o shape do sidecar .meta gravado ao lado do artefato.
type artifactMeta struct {
	SessionID   string            `json:"session_id"`
	FileName    string            `json:"file_name"`
	TotalChunks int               `json:"total_chunks"`
	TotalBytes  int64             `json:"total_bytes"`
	Format      string            `json:"format,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Assembler concatena os chunks de uma sessão no artefato final. Um pool
// fixo de workers consome a fila; a transição pending -> in_progress é um
// CAS no registry, então no máximo um worker monta cada sessão por vez.
type Assembler struct {
	store    *ChunkStore
	registry *SessionRegistry
	journal  *CompletionJournal
	mirror   ArtifactMirror // nil = sem espelhamento
	logger   *slog.Logger

	bufSize int64
	jobs    chan string
	wg      sync.WaitGroup
}

// NewAssembler cria o assembler. bufSize é o tamanho do buffer de streaming
// da concatenação; mirror pode ser nil.
func NewAssembler(store *ChunkStore, registry *SessionRegistry, journal *CompletionJournal, mirror ArtifactMirror, bufSize int64, logger *slog.Logger) *Assembler {
	if bufSize <= 0 {
		bufSize = 1 << 20
	}
	return &Assembler{
		store:    store,
		registry: registry,
		journal:  journal,
		mirror:   mirror,
		logger:   logger,
		bufSize:  bufSize,
		jobs:     make(chan string, 64),
	}
}

// Start lança workers que consomem a fila até o contexto encerrar. O
// cancelamento só barra novos dequeues; uma montagem já admitida roda
// até o fim e o shutdown espera por ela via Wait.
func (a *Assembler) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go func(id int) {
			defer a.wg.Done()
			logger := a.logger.With("worker", id)
			for {
				select {
				case <-ctx.Done():
					return
				case session := <-a.jobs:
					if err := a.runJob(ctx, session); err != nil {
						logger.Warn("assembly attempt failed", "session", session, "error", err)
					}
				}
			}
		}(i)
	}
}

// runJob monta a sessão desacoplada do contexto do servidor: depois de
// admitido, o job atravessa o shutdown inteiro em vez de falhar no meio.
func (a *Assembler) runJob(ctx context.Context, session string) error {
	return a.Assemble(context.WithoutCancel(ctx), session)
}

// Wait bloqueia até todos os workers terminarem (após cancel do contexto).
func (a *Assembler) Wait() {
	a.wg.Wait()
}

// Enqueue coloca a sessão na fila de montagem. Não bloqueia: com a fila
// cheia o job é descartado e o retry do coordinator re-enfileira depois.
func (a *Assembler) Enqueue(session string) bool {
	select {
	case a.jobs <- session:
		return true
	default:
		return false
	}
}

// Assemble monta o artefato da sessão. Idempotente: estados done e
// in_progress retornam nil sem trabalho. A entrada exige assembly_state
// pending; o CAS pending -> in_progress é o gate de exclusão.
func (a *Assembler) Assemble(ctx context.Context, sessionID string) error {
	rec, ok := a.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, ErrUnknownSession)
	}

	switch rec.AssemblyState {
	case AssemblyDone, AssemblyInProgress:
		return nil
	case AssemblyPending:
	default:
		return fmt.Errorf("session %q not pending assembly (state %s)", sessionID, rec.AssemblyState)
	}

	if !a.registry.CompareAndSwapAssembly(sessionID, AssemblyPending, AssemblyInProgress) {
		// Outro worker levou o job
		return nil
	}

	logger := a.logger.With("session", sessionID)
	start := time.Now()

	if err := a.assemble(ctx, sessionID, logger); err != nil {
		return err
	}

	logger.Info("assembly finished", "elapsed", time.Since(start).String())
	return nil
}

// assemble roda com a sessão já em in_progress e é responsável por toda
// transição de saída desse estado.
func (a *Assembler) assemble(ctx context.Context, sessionID string, logger *slog.Logger) error {
	rec, _ := a.registry.Get(sessionID)

	// Sessão semi-conhecida (re-hidratada sem create posterior) não tem
	// total_chunks confiável; fica pending até a metadata chegar
	if !rec.MetadataKnown || rec.TotalChunks <= 0 {
		a.registry.CompareAndSwapAssembly(sessionID, AssemblyInProgress, AssemblyPending)
		logger.Warn("assembly postponed, session metadata unknown")
		return fmt.Errorf("%w: session metadata unknown", ErrMissingChunks)
	}

	// Verificação de completude contra o disco e contra os tamanhos
	// anunciados. Um chunk abaixo do tamanho anunciado é um append
	// interrompido no meio; montar com ele truncaria o artefato.
	var missing []int
	for i := 0; i < rec.TotalChunks; i++ {
		size, ok, err := a.store.SizeOf(sessionID, i)
		if err != nil {
			a.fail(sessionID, logger, fmt.Errorf("checking chunk %d: %w", i, err))
			return err
		}
		if !ok || size == 0 || (rec.AnnouncedSizes[i] > 0 && size < rec.AnnouncedSizes[i]) {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		// Volta para pending: o coordinator re-agenda quando os chunks
		// que faltam chegarem (ou no retry com backoff)
		a.registry.CompareAndSwapAssembly(sessionID, AssemblyInProgress, AssemblyPending)
		logger.Warn("assembly postponed, chunks missing", "missing", len(missing), "first", missing[0])
		return fmt.Errorf("%w: %d of %d", ErrMissingChunks, len(missing), rec.TotalChunks)
	}

	fileName := assemblyFileName(&rec)
	if err := validateFileName(fileName); err != nil {
		a.fail(sessionID, logger, err)
		return err
	}

	buf := make([]byte, a.bufSize)
	artifactPath, written, err := a.store.PublishCompleted(sessionID, fileName, func(w io.Writer) error {
		for i := 0; i < rec.TotalChunks; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			rc, err := a.store.StreamRange(sessionID, i, 0, -1)
			if err != nil {
				return err
			}
			_, err = io.CopyBuffer(w, rc, buf)
			rc.Close()
			if err != nil {
				return fmt.Errorf("streaming chunk %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		a.fail(sessionID, logger, err)
		return err
	}

	now := time.Now()
	meta := artifactMeta{
		SessionID:   sessionID,
		FileName:    fileName,
		TotalChunks: rec.TotalChunks,
		TotalBytes:  written,
		Format:      rec.Format,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: now,
		Metadata:    mergeMetadata(rec.Passthrough, rec.CompletionMetadata),
	}
	sidecarPath, err := a.store.WriteSidecar(sessionID, fileName, meta)
	if err != nil {
		// Artefato já publicado: loga e segue, o sidecar é acessório
		logger.Warn("sidecar write failed", "error", err)
	}

	a.registry.Update(sessionID, func(r *SessionRecord) error {
		r.AssemblyState = AssemblyDone
		r.AssemblyResult = artifactPath
		r.CompletedAt = now
		r.LastActivityAt = now
		return nil
	})

	if a.journal != nil {
		if err := a.journal.RecordResolution(sessionID, "done"); err != nil {
			logger.Warn("journal resolution failed", "error", err)
		}
	}

	// Chunks viram lixo depois do artefato publicado
	if err := a.store.DeleteSessionChunks(sessionID); err != nil {
		logger.Warn("chunk cleanup failed", "error", err)
	}

	logger.Info("artifact published",
		"file", fileName,
		"bytes", written,
		"chunks", rec.TotalChunks)

	if a.mirror != nil {
		go func() {
			if err := a.mirror.MirrorArtifact(context.Background(), sessionID, artifactPath, sidecarPath); err != nil {
				logger.Warn("offsite mirror failed, artifact remains local", "error", err)
			}
		}()
	}

	return nil
}

// fail marca a sessão como failed e registra a resolution no journal.
func (a *Assembler) fail(sessionID string, logger *slog.Logger, cause error) {
	a.registry.Update(sessionID, func(r *SessionRecord) error {
		r.AssemblyState = AssemblyFailed
		r.AssemblyResult = cause.Error()
		r.LastActivityAt = time.Now()
		return nil
	})
	if a.journal != nil {
		a.journal.RecordResolution(sessionID, "failed")
	}
	logger.Error("assembly failed", "error", cause)
}

// assemblyFileName resolve o nome do artefato: o nome do completion signal
// vence, depois o recordingName do create, depois um fallback derivado da
// sessão e do formato.
func assemblyFileName(rec *SessionRecord) string {
	if rec.CompletionFileName != "" {
		return rec.CompletionFileName
	}
	if rec.RecordingName != "" {
		return rec.RecordingName
	}
	ext := strings.ToLower(strings.TrimPrefix(rec.Format, "."))
	if ext == "" {
		ext = "webm"
	}
	return rec.SessionID + "." + ext
}

// mergeMetadata junta passthrough do create com metadata do completion
// signal; o signal vence em conflito.
func mergeMetadata(create, completion map[string]string) map[string]string {
	if len(create) == 0 && len(completion) == 0 {
		return nil
	}
	out := make(map[string]string, len(create)+len(completion))
	for k, v := range create {
		out[k] = v
	}
	for k, v := range completion {
		out[k] = v
	}
	return out
}

// artifactExt mapeia o nome do artefato para o media type de download.
func artifactExt(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".webm":
		return "audio/webm"
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}
