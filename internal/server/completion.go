// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CompletionCoordinator recebe o sinal "gravação completa" do client,
// torna a promessa durável no journal e garante que a montagem acontece:
// enfileira imediatamente e re-enfileira com backoff exponencial enquanto
// a sessão continuar pending (chunks atrasados, fila cheia, restart).
type CompletionCoordinator struct {
	registry  *SessionRegistry
	journal   *CompletionJournal
	assembler *Assembler
	logger    *slog.Logger

	retryInit time.Duration
	retryMax  time.Duration
	ttlActive time.Duration

	mu      sync.Mutex
	retries map[string]*retryState
}

type retryState struct {
	nextAt   time.Time
	interval time.Duration
}

// NewCompletionCoordinator cria o coordinator. retryInit e retryMax
// delimitam o backoff de re-enfileiramento; ttlActive é o prazo máximo de
// inatividade antes de desistir e marcar a sessão como failed.
func NewCompletionCoordinator(registry *SessionRegistry, journal *CompletionJournal, assembler *Assembler, retryInit, retryMax, ttlActive time.Duration, logger *slog.Logger) *CompletionCoordinator {
	if retryInit <= 0 {
		retryInit = 3 * time.Second
	}
	if retryMax < retryInit {
		retryMax = time.Minute
	}
	if ttlActive <= 0 {
		ttlActive = 24 * time.Hour
	}
	return &CompletionCoordinator{
		registry:  registry,
		journal:   journal,
		assembler: assembler,
		logger:    logger,
		retryInit: retryInit,
		retryMax:  retryMax,
		ttlActive: ttlActive,
		retries:   make(map[string]*retryState),
	}
}

// Signal processa um completion signal. Só retorna nil depois que o signal
// está durável no journal; a resposta ao client carrega essa garantia.
// Idempotente: sessão já done retorna nil sem re-enfileirar.
func (c *CompletionCoordinator) Signal(sessionID, fileName string, metadata map[string]string) error {
	rec, ok := c.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, ErrUnknownSession)
	}
	if rec.AssemblyState == AssemblyDone {
		return nil
	}
	if fileName != "" {
		if err := validateFileName(fileName); err != nil {
			return err
		}
	}

	if err := c.journal.RecordSignal(sessionID, fileName, metadata); err != nil {
		return fmt.Errorf("persisting completion signal: %w", err)
	}

	_, err := c.registry.Update(sessionID, func(r *SessionRecord) error {
		r.CompletionSignalled = true
		if fileName != "" {
			r.CompletionFileName = fileName
		}
		if len(metadata) > 0 {
			r.CompletionMetadata = metadata
		}
		if r.AssemblyState == AssemblyNone || r.AssemblyState == AssemblyFailed {
			r.AssemblyState = AssemblyPending
		}
		r.LastActivityAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}

	c.schedule(sessionID, time.Now())
	c.assembler.Enqueue(sessionID)

	c.logger.Info("completion signal accepted",
		"session", sessionID,
		"file", fileName)
	return nil
}

// schedule (re)arma o retry da sessão no intervalo inicial.
func (c *CompletionCoordinator) schedule(sessionID string, now time.Time) {
	c.mu.Lock()
	c.retries[sessionID] = &retryState{
		nextAt:   now.Add(c.retryInit),
		interval: c.retryInit,
	}
	c.mu.Unlock()
}

// Forget descarta o estado de retry da sessão. Chamado pelo cancel.
func (c *CompletionCoordinator) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.retries, sessionID)
	c.mu.Unlock()
}

// Run gira o loop de retry até o contexto encerrar.
func (c *CompletionCoordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.poll(now)
		}
	}
}

// poll re-enfileira sessões cujo retry venceu e descarta as encerradas.
// Separado do Run para os testes dirigirem o relógio.
func (c *CompletionCoordinator) poll(now time.Time) {
	c.mu.Lock()
	due := make([]string, 0, len(c.retries))
	for sessionID, st := range c.retries {
		if !now.Before(st.nextAt) {
			due = append(due, sessionID)
		}
	}
	c.mu.Unlock()

	for _, sessionID := range due {
		rec, ok := c.registry.Get(sessionID)
		if !ok || rec.AssemblyState == AssemblyDone || rec.AssemblyState == AssemblyFailed {
			c.Forget(sessionID)
			continue
		}

		// TTL vencido sem os chunks que faltam: desiste e deixa o failed
		// visível no status até o sweeper recolher
		if rec.AssemblyState == AssemblyPending && now.Sub(rec.LastActivityAt) > c.ttlActive {
			c.registry.Update(sessionID, func(r *SessionRecord) error {
				r.AssemblyState = AssemblyFailed
				r.AssemblyResult = "completion retries expired before all chunks arrived"
				r.LastActivityAt = now
				return nil
			})
			c.journal.RecordResolution(sessionID, "failed")
			c.Forget(sessionID)
			c.logger.Warn("completion retries expired, session failed", "session", sessionID)
			continue
		}

		if rec.AssemblyState == AssemblyPending {
			c.assembler.Enqueue(sessionID)
		}

		c.mu.Lock()
		if st, live := c.retries[sessionID]; live {
			st.interval *= 2
			if st.interval > c.retryMax {
				st.interval = c.retryMax
			}
			st.nextAt = now.Add(st.interval)
		}
		c.mu.Unlock()
	}
}

// ReplayJournal re-dispara os sinais não resolvidos após um restart.
// Sessões sem diretório no disco (sumiram junto com o processo ou foram
// varridas) são resolvidas como cancelled para não re-tentar para sempre.
func (c *CompletionCoordinator) ReplayJournal() {
	for _, entry := range c.journal.Unresolved() {
		rec, ok := c.registry.Get(entry.SessionID)
		if !ok {
			c.logger.Warn("journaled completion for vanished session, resolving as cancelled",
				"session", entry.SessionID)
			c.journal.RecordResolution(entry.SessionID, "cancelled")
			continue
		}
		if rec.AssemblyState == AssemblyDone {
			c.journal.RecordResolution(entry.SessionID, "done")
			continue
		}

		c.registry.Update(entry.SessionID, func(r *SessionRecord) error {
			r.CompletionSignalled = true
			if entry.FileName != "" {
				r.CompletionFileName = entry.FileName
			}
			if len(entry.Metadata) > 0 {
				r.CompletionMetadata = entry.Metadata
			}
			// in_progress de antes do crash volta para pending
			if r.AssemblyState != AssemblyDone {
				r.AssemblyState = AssemblyPending
			}
			return nil
		})

		c.schedule(entry.SessionID, time.Now())
		c.assembler.Enqueue(entry.SessionID)
		c.logger.Info("replaying journaled completion", "session", entry.SessionID)
	}
}
