// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper remove sessões expiradas em um agendamento cron. Sessões ativas
// (sem montagem concluída) expiram por ttlActive desde a última atividade;
// sessões done expiram por ttlCompleted desde a conclusão. Sessões em
// in_progress nunca são tocadas, qualquer que seja a idade.
type Sweeper struct {
	store       *ChunkStore
	registry    *SessionRegistry
	coordinator *CompletionCoordinator
	logger      *slog.Logger

	ttlActive    time.Duration
	ttlCompleted time.Duration

	cron    *cron.Cron
	mu      sync.Mutex // garante apenas uma varredura por vez
	running bool
}

// NewSweeper cria o sweeper com a expressão cron fornecida ("@every 1h",
// specs de 5 campos etc).
func NewSweeper(schedule string, store *ChunkStore, registry *SessionRegistry, coordinator *CompletionCoordinator, ttlActive, ttlCompleted time.Duration, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		store:        store,
		registry:     registry,
		coordinator:  coordinator,
		logger:       logger,
		ttlActive:    ttlActive,
		ttlCompleted: ttlCompleted,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.execute); err != nil {
		return nil, err
	}

	s.cron = c
	return s, nil
}

// Start inicia o agendamento.
func (s *Sweeper) Start() {
	s.logger.Info("sweeper started")
	s.cron.Start()
}

// Stop para o agendamento e aguarda a varredura em andamento.
func (s *Sweeper) Stop(ctx context.Context) {
	s.logger.Info("sweeper stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("sweeper stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("sweeper stop timed out")
	}
}

func (s *Sweeper) execute() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("sweep already running, skipping scheduled execution")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	removed := s.Sweep(time.Now())
	if removed > 0 {
		s.logger.Info("sweep finished", "removed", removed)
	}
}

// Sweep remove as sessões expiradas em relação a now e retorna quantas
// foram removidas. Separado do cron para os testes dirigirem o relógio.
func (s *Sweeper) Sweep(now time.Time) int {
	removed := 0
	for _, rec := range s.registry.All() {
		if !s.expired(&rec, now) {
			continue
		}

		if err := s.store.DeleteSession(rec.SessionID); err != nil {
			s.logger.Warn("sweep could not remove session directory",
				"session", rec.SessionID, "error", err)
			continue
		}
		s.registry.Delete(rec.SessionID)
		if s.coordinator != nil {
			s.coordinator.Forget(rec.SessionID)
		}

		s.logger.Info("expired session removed",
			"session", rec.SessionID,
			"state", string(rec.AssemblyState),
			"age", now.Sub(rec.LastActivityAt).String())
		removed++
	}
	return removed
}

func (s *Sweeper) expired(rec *SessionRecord, now time.Time) bool {
	switch rec.AssemblyState {
	case AssemblyInProgress:
		// Montagem rodando: intocável
		return false
	case AssemblyDone:
		ref := rec.CompletedAt
		if ref.IsZero() {
			ref = rec.LastActivityAt
		}
		return now.Sub(ref) > s.ttlCompleted
	default:
		return now.Sub(rec.LastActivityAt) > s.ttlActive
	}
}
