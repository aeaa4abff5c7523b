// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o servidor de upload resumável do waveforge.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/nishisan-dev/waveforge/internal/config"
	"github.com/nishisan-dev/waveforge/internal/offsite"
	"github.com/nishisan-dev/waveforge/internal/sysinfo"
)

// Version é injetada no build via -ldflags.
var Version = "dev"

// Engine amarra store, registry, journal, assembler, coordinator, sweeper
// e handler. Montado uma vez no boot e exposto inteiro para os testes.
type Engine struct {
	cfg         *config.ServerConfig
	logger      *slog.Logger
	store       *ChunkStore
	registry    *SessionRegistry
	journal     *CompletionJournal
	assembler   *Assembler
	coordinator *CompletionCoordinator
	sweeper     *Sweeper
	monitor     *sysinfo.SystemMonitor
	handler     *Handler
}

// NewEngine constrói o engine completo a partir da configuração validada.
// monitor pode ser nil (testes); com withMonitor o health ganha os números
// de disco e memória.
func NewEngine(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger, withMonitor bool) (*Engine, error) {
	store, err := NewChunkStore(cfg.Storage.Root, logger)
	if err != nil {
		return nil, err
	}

	journalPath := cfg.Sessions.JournalFile
	if !filepath.IsAbs(journalPath) {
		journalPath = filepath.Join(cfg.Storage.Root, journalPath)
	}
	journal, err := NewCompletionJournal(journalPath, cfg.Sessions.JournalMaxLines)
	if err != nil {
		return nil, err
	}

	registry := NewSessionRegistry(logger)

	var mirror ArtifactMirror
	if cfg.Offsite.Enabled {
		uploader, err := offsite.New(ctx, cfg.Offsite, logger)
		if err != nil {
			journal.Close()
			return nil, fmt.Errorf("configuring offsite mirror: %w", err)
		}
		mirror = uploader
	}

	assembler := NewAssembler(store, registry, journal, mirror,
		cfg.Storage.AssemblyBufferBytesRaw, logger)
	coordinator := NewCompletionCoordinator(registry, journal, assembler,
		cfg.Sessions.CompletionRetryInit, cfg.Sessions.CompletionRetryMax,
		cfg.Sessions.TTLActive, logger)
	sweeper, err := NewSweeper(cfg.Sessions.SweeperSchedule, store, registry, coordinator,
		cfg.Sessions.TTLActive, cfg.Sessions.TTLCompleted, logger)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("configuring sweeper: %w", err)
	}

	var monitor *sysinfo.SystemMonitor
	if withMonitor {
		monitor = sysinfo.NewSystemMonitor(cfg.Storage.Root, logger)
	}

	handler := NewHandler(cfg, store, registry, assembler, coordinator, monitor, Version, logger)

	return &Engine{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		registry:    registry,
		journal:     journal,
		assembler:   assembler,
		coordinator: coordinator,
		sweeper:     sweeper,
		monitor:     monitor,
		handler:     handler,
	}, nil
}

// Handler retorna o http.Handler raiz (rotas + CORS). Usado pelos testes
// com httptest.Server.
func (e *Engine) Handler() http.Handler {
	return NewRouter(e.handler)
}

// Start sobe o estado e os workers: re-hidrata o registry do disco,
// replaya sinais de completion pendentes e lança assembler, coordinator,
// sweeper, stats reporter e monitor.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.registry.Rehydrate(e.store); err != nil {
		return fmt.Errorf("rehydrating sessions: %w", err)
	}
	e.coordinator.ReplayJournal()

	e.assembler.Start(ctx, e.cfg.Sessions.AssemblyWorkers)
	go e.coordinator.Run(ctx)
	go e.handler.StartStatsReporter(ctx)
	e.sweeper.Start()
	if e.monitor != nil {
		e.monitor.Start()
	}
	return nil
}

// Stop encerra os componentes que não param sozinhos com o contexto.
func (e *Engine) Stop(ctx context.Context) {
	e.sweeper.Stop(ctx)
	if e.monitor != nil {
		e.monitor.Stop()
	}
	e.assembler.Wait()
	e.journal.Close()
}

// Run inicia o servidor de upload e bloqueia até o context ser cancelado.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	engine, err := NewEngine(ctx, cfg, logger, true)
	if err != nil {
		return err
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      engine.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Goroutine para o shutdown gracioso quando o context for cancelado
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
		engine.Stop(shutdownCtx)
	}()

	logger.Info("server listening", "address", cfg.Server.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}

	<-shutdownDone
	logger.Info("server shutdown complete")
	return nil
}
