// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kinds de entrada no journal de completion.
const (
	journalKindSignal     = "signal"
	journalKindResolution = "resolution"
)

// JournalEntry é uma linha do journal JSONL de completion. Um signal marca
// "o client declarou a gravação completa"; uma resolution fecha o signal
// com o desfecho da montagem (done, failed ou cancelled).
type JournalEntry struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	SessionID string            `json:"session_id"`
	FileName  string            `json:"file_name,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	At        time.Time         `json:"at"`
}

// CompletionJournal persiste sinais de completion em JSONL com append +
// fsync, para que o ack "todos os chunks enfileirados" sobreviva a um
// crash antes da montagem. No startup os sinais sem resolution são
// re-expostos via Unresolved para replay.
//
// Rotação: quando o arquivo excede maxLines, reescreve mantendo os sinais
// ainda não resolvidos mais as últimas maxLines/2 linhas.
type CompletionJournal struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxLines   int
	lineCount  int
	unresolved map[string]JournalEntry // por session_id, último signal vence
}

// NewCompletionJournal abre (ou cria) o journal e reconstrói o conjunto de
// sinais não resolvidos a partir das linhas existentes.
func NewCompletionJournal(path string, maxLines int) (*CompletionJournal, error) {
	if maxLines <= 0 {
		maxLines = 10000
	}

	entries, lineCount, err := loadJournalLines(path)
	if err != nil {
		return nil, fmt.Errorf("loading completion journal: %w", err)
	}

	unresolved := make(map[string]JournalEntry)
	for _, e := range entries {
		switch e.Kind {
		case journalKindSignal:
			unresolved[e.SessionID] = e
		case journalKindResolution:
			delete(unresolved, e.SessionID)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening completion journal for append: %w", err)
	}

	return &CompletionJournal{
		file:       f,
		path:       path,
		maxLines:   maxLines,
		lineCount:  lineCount,
		unresolved: unresolved,
	}, nil
}

// loadJournalLines lê o arquivo JSONL e retorna as entradas válidas.
// Linhas malformadas são ignoradas silenciosamente.
func loadJournalLines(path string) ([]JournalEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []JournalEntry
	lineCount := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineCount++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e JournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // ignora linhas corrompidas
		}
		entries = append(entries, e)
	}

	return entries, lineCount, scanner.Err()
}

// RecordSignal persiste um signal de completion com fsync. O retorno só é
// nil depois que a linha está durável, então o handler pode responder 200
// com a promessa garantida.
func (j *CompletionJournal) RecordSignal(sessionID, fileName string, metadata map[string]string) error {
	entry := JournalEntry{
		ID:        uuid.NewString(),
		Kind:      journalKindSignal,
		SessionID: sessionID,
		FileName:  fileName,
		Metadata:  metadata,
		At:        time.Now(),
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.appendLocked(entry, true); err != nil {
		return err
	}
	j.unresolved[sessionID] = entry
	return nil
}

// RecordResolution fecha o signal da sessão com o desfecho dado.
// Resolution é best-effort quanto a durabilidade (sem fsync): perdê-la num
// crash só causa um replay idempotente da montagem.
func (j *CompletionJournal) RecordResolution(sessionID, outcome string) error {
	entry := JournalEntry{
		ID:        uuid.NewString(),
		Kind:      journalKindResolution,
		SessionID: sessionID,
		Outcome:   outcome,
		At:        time.Now(),
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.appendLocked(entry, false); err != nil {
		return err
	}
	delete(j.unresolved, sessionID)
	return nil
}

func (j *CompletionJournal) appendLocked(entry JournalEntry, sync bool) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending journal entry: %w", err)
	}
	if sync {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("syncing journal: %w", err)
		}
	}

	j.lineCount++
	if j.lineCount > j.maxLines {
		j.rotateLocked()
	}
	return nil
}

// Unresolved retorna os sinais ainda sem resolution, um por sessão.
func (j *CompletionJournal) Unresolved() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]JournalEntry, 0, len(j.unresolved))
	for _, e := range j.unresolved {
		out = append(out, e)
	}
	return out
}

// Close fecha o file handle do journal.
func (j *CompletionJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

// rotateLocked reescreve o arquivo mantendo os sinais não resolvidos mais
// as últimas maxLines/2 linhas. Sinais pendentes nunca são descartados.
func (j *CompletionJournal) rotateLocked() {
	keep := j.maxLines / 2

	entries, _, err := loadJournalLines(j.path)
	if err != nil || len(entries) <= keep {
		return
	}

	kept := make([]JournalEntry, 0, keep+len(j.unresolved))
	pendingIDs := make(map[string]bool, len(j.unresolved))
	for _, e := range j.unresolved {
		pendingIDs[e.ID] = true
	}

	tailStart := len(entries) - keep
	for i, e := range entries {
		if i >= tailStart || pendingIDs[e.ID] {
			kept = append(kept, e)
		}
	}

	j.file.Close()

	f, err := os.Create(j.path)
	if err != nil {
		j.file, _ = os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}

	w := bufio.NewWriter(f)
	for _, e := range kept {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Sync()
	f.Close()

	j.file, err = os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	j.lineCount = len(kept)
}
