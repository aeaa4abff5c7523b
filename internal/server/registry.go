// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// AssemblyState é o estado de montagem de uma sessão. Transições são
// monótonas: none -> pending -> in_progress -> done|failed, com a única
// volta permitida in_progress -> pending (chunks ausentes detectados no
// início da montagem, ou demote na re-hidratação pós-crash).
type AssemblyState string

const (
	AssemblyNone       AssemblyState = "none"
	AssemblyPending    AssemblyState = "pending"
	AssemblyInProgress AssemblyState = "in_progress"
	AssemblyDone       AssemblyState = "done"
	AssemblyFailed     AssemblyState = "failed"
)

// SessionRecord é o estado em memória de uma sessão de upload. O disco é a
// autoridade para conteúdo de chunks; o record é um cache reconstituível.
type SessionRecord struct {
	SessionID string

	// Metadata declarada no primeiro create. MetadataKnown=false marca uma
	// sessão semi-conhecida: re-hidratada do disco sem total_chunks.
	MetadataKnown      bool
	TotalChunks        int
	RecordingName      string
	Format             string
	ExpectedTotalBytes int64
	Passthrough        map[string]string

	// Estado por chunk. ChunkSizes espelha o tamanho em disco;
	// AnnouncedSizes guarda o tamanho final declarado pelo client para
	// decidir quando um chunk conta como persistido.
	ChunksPersisted map[int]bool
	ChunkSizes      map[int]int64
	AnnouncedSizes  map[int]int64

	CreatedAt      time.Time
	LastActivityAt time.Time
	CompletedAt    time.Time

	// Completion signal
	CompletionSignalled bool
	CompletionFileName  string
	CompletionMetadata  map[string]string

	AssemblyState  AssemblyState
	AssemblyResult string // caminho do artefato quando done, mensagem quando failed
}

// PersistedCount retorna quantos chunks estão persistidos.
func (r *SessionRecord) PersistedCount() int {
	n := 0
	for _, ok := range r.ChunksPersisted {
		if ok {
			n++
		}
	}
	return n
}

// AllChunksPersisted reporta se todos os total_chunks estão persistidos.
// Sempre falso quando a metadata ainda não é conhecida.
func (r *SessionRecord) AllChunksPersisted() bool {
	if !r.MetadataKnown || r.TotalChunks <= 0 {
		return false
	}
	for i := 0; i < r.TotalChunks; i++ {
		if !r.ChunksPersisted[i] {
			return false
		}
	}
	return true
}

// MissingChunks retorna os índices ainda não persistidos, em ordem.
func (r *SessionRecord) MissingChunks() []int {
	var missing []int
	for i := 0; i < r.TotalChunks; i++ {
		if !r.ChunksPersisted[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// snapshot retorna uma cópia profunda do record, segura para ler fora do
// lock da entry.
func (r *SessionRecord) snapshot() SessionRecord {
	out := *r
	out.Passthrough = maps.Clone(r.Passthrough)
	out.ChunksPersisted = maps.Clone(r.ChunksPersisted)
	out.ChunkSizes = maps.Clone(r.ChunkSizes)
	out.AnnouncedSizes = maps.Clone(r.AnnouncedSizes)
	out.CompletionMetadata = maps.Clone(r.CompletionMetadata)
	return out
}

type sessionEntry struct {
	mu  sync.Mutex
	rec SessionRecord
}

// SessionRegistry mantém os records de sessão em memória. O mutex global
// protege apenas o mapa; mutações de um record rodam sob o mutex da entry,
// o que serializa operações da mesma sessão sem bloquear as demais.
type SessionRegistry struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry
	logger  *slog.Logger
}

// NewSessionRegistry cria um registry vazio.
func NewSessionRegistry(logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		entries: make(map[string]*sessionEntry),
		logger:  logger,
	}
}

func (reg *SessionRegistry) entry(id string) (*sessionEntry, bool) {
	reg.mu.RLock()
	e, ok := reg.entries[id]
	reg.mu.RUnlock()
	return e, ok
}

// GetOrCreate retorna o record da sessão, criando-o com init na primeira
// vez. created indica se a sessão nasceu nesta chamada. init roda sob o
// lock da entry, antes de qualquer outra operação enxergar o record.
func (reg *SessionRegistry) GetOrCreate(id string, init func(rec *SessionRecord)) (SessionRecord, bool) {
	reg.mu.Lock()
	e, ok := reg.entries[id]
	if !ok {
		e = &sessionEntry{rec: newSessionRecord(id)}
		reg.entries[id] = e
	}
	reg.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !ok && init != nil {
		init(&e.rec)
	}
	return e.rec.snapshot(), !ok
}

func newSessionRecord(id string) SessionRecord {
	now := time.Now()
	return SessionRecord{
		SessionID:       id,
		ChunksPersisted: make(map[int]bool),
		ChunkSizes:      make(map[int]int64),
		AnnouncedSizes:  make(map[int]int64),
		CreatedAt:       now,
		LastActivityAt:  now,
		AssemblyState:   AssemblyNone,
	}
}

// Get retorna um snapshot do record, se a sessão existe.
func (reg *SessionRegistry) Get(id string) (SessionRecord, bool) {
	e, ok := reg.entry(id)
	if !ok {
		return SessionRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.snapshot(), true
}

// Update roda fn sob o lock da entry e retorna um snapshot pós-mutação.
// Se fn retorna erro, a mutação parcial permanece: fn deve validar antes
// de mutar. Sessão desconhecida retorna ErrUnknownSession.
func (reg *SessionRegistry) Update(id string, fn func(rec *SessionRecord) error) (SessionRecord, error) {
	e, ok := reg.entry(id)
	if !ok {
		return SessionRecord{}, fmt.Errorf("session %q: %w", id, ErrUnknownSession)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(&e.rec); err != nil {
		return e.rec.snapshot(), err
	}
	return e.rec.snapshot(), nil
}

// CompareAndSwapAssembly faz a transição from -> to atomicamente.
// Retorna falso se o estado atual não é from.
func (reg *SessionRegistry) CompareAndSwapAssembly(id string, from, to AssemblyState) bool {
	e, ok := reg.entry(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.AssemblyState != from {
		return false
	}
	e.rec.AssemblyState = to
	return true
}

// Delete remove a sessão do registry. Idempotente.
func (reg *SessionRegistry) Delete(id string) {
	reg.mu.Lock()
	delete(reg.entries, id)
	reg.mu.Unlock()
}

// All retorna snapshots de todas as sessões. Usado pelo sweeper e pelo
// stats reporter.
func (reg *SessionRegistry) All() []SessionRecord {
	reg.mu.RLock()
	entries := make([]*sessionEntry, 0, len(reg.entries))
	for _, e := range reg.entries {
		entries = append(entries, e)
	}
	reg.mu.RUnlock()

	out := make([]SessionRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec.snapshot())
		e.mu.Unlock()
	}
	return out
}

// Len retorna o número de sessões registradas.
func (reg *SessionRegistry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.entries)
}

// Rehydrate reconstrói o registry a partir do disco após um restart.
// A metadata vem do session.json quando existe; sem ele a sessão fica
// semi-conhecida (MetadataKnown falso) até o próximo create. Os tamanhos
// vêm da enumeração dos shards e chunks presentes contam como persistidos,
// já que o tamanho anunciado se perdeu com o processo. Sessões com
// artefatos completed viram records done.
func (reg *SessionRegistry) Rehydrate(store *ChunkStore) error {
	sessions, err := store.Sessions()
	if err != nil {
		return fmt.Errorf("enumerating sessions for rehydration: %w", err)
	}

	for _, id := range sessions {
		chunks, err := store.ListSession(id)
		if err != nil {
			reg.logger.Warn("skipping session during rehydration", "session", id, "error", err)
			continue
		}
		completed, err := store.ListCompleted(id)
		if err != nil {
			reg.logger.Warn("skipping session during rehydration", "session", id, "error", err)
			continue
		}

		rec := newSessionRecord(id)
		if meta, found, err := store.ReadSessionMeta(id); err == nil && found {
			rec.MetadataKnown = true
			rec.TotalChunks = meta.TotalChunks
			rec.RecordingName = meta.RecordingName
			rec.Format = meta.Format
			rec.ExpectedTotalBytes = meta.ExpectedTotalBytes
			rec.Passthrough = meta.Passthrough
			if !meta.CreatedAt.IsZero() {
				rec.CreatedAt = meta.CreatedAt
			}
		} else if err != nil {
			reg.logger.Warn("ignoring unreadable session metadata", "session", id, "error", err)
		}
		for _, c := range chunks {
			rec.ChunkSizes[c.Index] = c.Size
			rec.ChunksPersisted[c.Index] = true
		}
		if len(completed) > 0 {
			rec.AssemblyState = AssemblyDone
			rec.AssemblyResult = store.CompletedPath(id, completed[0])
			rec.CompletedAt = time.Now()
		}

		reg.mu.Lock()
		if _, exists := reg.entries[id]; !exists {
			reg.entries[id] = &sessionEntry{rec: rec}
		}
		reg.mu.Unlock()

		reg.logger.Info("session rehydrated",
			"session", id,
			"chunks", len(chunks),
			"completed", len(completed))
	}

	return nil
}
