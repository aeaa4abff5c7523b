// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/nishisan-dev/waveforge/internal/logging"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	reg := NewSessionRegistry(logging.NewDiscard())

	rec, created := reg.GetOrCreate("sess1", func(r *SessionRecord) {
		r.MetadataKnown = true
		r.TotalChunks = 3
		r.RecordingName = "rec.webm"
	})
	if !created {
		t.Fatal("first GetOrCreate should create")
	}
	if rec.TotalChunks != 3 || rec.AssemblyState != AssemblyNone {
		t.Errorf("unexpected record: %+v", rec)
	}

	rec, created = reg.GetOrCreate("sess1", func(r *SessionRecord) {
		t.Error("init must not run for an existing session")
	})
	if created {
		t.Error("second GetOrCreate should not create")
	}
	if rec.TotalChunks != 3 {
		t.Errorf("record lost state: %+v", rec)
	}
}

func TestRegistry_Update_UnknownSession(t *testing.T) {
	reg := NewSessionRegistry(logging.NewDiscard())

	_, err := reg.Update("ghost", func(r *SessionRecord) error { return nil })
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	reg := NewSessionRegistry(logging.NewDiscard())
	reg.GetOrCreate("sess1", nil)

	snap, _ := reg.Update("sess1", func(r *SessionRecord) error {
		r.ChunksPersisted[0] = true
		r.ChunkSizes[0] = 42
		return nil
	})

	// Mutar o snapshot não pode vazar para o registry
	snap.ChunksPersisted[1] = true
	snap.ChunkSizes[0] = 99

	rec, _ := reg.Get("sess1")
	if rec.ChunksPersisted[1] {
		t.Error("snapshot mutation leaked into registry")
	}
	if rec.ChunkSizes[0] != 42 {
		t.Errorf("ChunkSizes[0] = %d, want 42", rec.ChunkSizes[0])
	}
}

func TestRegistry_CompareAndSwapAssembly(t *testing.T) {
	reg := NewSessionRegistry(logging.NewDiscard())
	reg.GetOrCreate("sess1", func(r *SessionRecord) {
		r.AssemblyState = AssemblyPending
	})

	if !reg.CompareAndSwapAssembly("sess1", AssemblyPending, AssemblyInProgress) {
		t.Fatal("CAS pending->in_progress should succeed")
	}
	if reg.CompareAndSwapAssembly("sess1", AssemblyPending, AssemblyInProgress) {
		t.Fatal("second CAS should fail, state already in_progress")
	}
	if reg.CompareAndSwapAssembly("ghost", AssemblyPending, AssemblyInProgress) {
		t.Fatal("CAS on unknown session should fail")
	}

	rec, _ := reg.Get("sess1")
	if rec.AssemblyState != AssemblyInProgress {
		t.Errorf("state = %s, want in_progress", rec.AssemblyState)
	}
}

func TestRegistry_CASUnderContention(t *testing.T) {
	reg := NewSessionRegistry(logging.NewDiscard())
	reg.GetOrCreate("sess1", func(r *SessionRecord) {
		r.AssemblyState = AssemblyPending
	})

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.CompareAndSwapAssembly("sess1", AssemblyPending, AssemblyInProgress) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("CAS won %d times, want exactly 1", wins)
	}
}

func TestRecord_AllChunksPersisted(t *testing.T) {
	rec := newSessionRecord("sess1")
	rec.MetadataKnown = true
	rec.TotalChunks = 3

	if rec.AllChunksPersisted() {
		t.Error("empty record reports all persisted")
	}
	rec.ChunksPersisted[0] = true
	rec.ChunksPersisted[2] = true
	if rec.AllChunksPersisted() {
		t.Error("partial record reports all persisted")
	}
	if missing := rec.MissingChunks(); len(missing) != 1 || missing[0] != 1 {
		t.Errorf("MissingChunks = %v, want [1]", missing)
	}

	rec.ChunksPersisted[1] = true
	if !rec.AllChunksPersisted() {
		t.Error("complete record reports missing chunks")
	}

	// Sessão semi-conhecida nunca reporta completa
	rec.MetadataKnown = false
	if rec.AllChunksPersisted() {
		t.Error("half-known record reports all persisted")
	}
}

func TestRegistry_Rehydrate(t *testing.T) {
	store := newTestStore(t)
	for _, index := range []int{0, 1, 1001} {
		if _, err := store.AppendAt("sess1", index, 0, strings.NewReader("data")); err != nil {
			t.Fatalf("seed chunk %d: %v", index, err)
		}
	}
	if _, _, err := store.PublishCompleted("done-sess", "rec.webm", func(w io.Writer) error {
		_, err := w.Write([]byte("x"))
		return err
	}); err != nil {
		t.Fatalf("seed completed: %v", err)
	}

	reg := NewSessionRegistry(logging.NewDiscard())
	if err := reg.Rehydrate(store); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	rec, ok := reg.Get("sess1")
	if !ok {
		t.Fatal("sess1 not rehydrated")
	}
	if rec.MetadataKnown {
		t.Error("session without session.json must be half-known")
	}
	if !rec.ChunksPersisted[1001] || rec.ChunkSizes[1001] != 4 {
		t.Errorf("chunk 1001 not recovered: %+v", rec)
	}
	if rec.AssemblyState != AssemblyNone {
		t.Errorf("sess1 state = %s, want none", rec.AssemblyState)
	}

	done, ok := reg.Get("done-sess")
	if !ok {
		t.Fatal("done-sess not rehydrated")
	}
	if done.AssemblyState != AssemblyDone {
		t.Errorf("done-sess state = %s, want done", done.AssemblyState)
	}
}

func TestRegistry_RehydrateWithSessionMeta(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.AppendAt("sess1", 0, 0, strings.NewReader("data")); err != nil {
		t.Fatalf("seed chunk: %v", err)
	}
	if err := store.WriteSessionMeta("sess1", SessionMeta{
		SessionID:     "sess1",
		TotalChunks:   4,
		RecordingName: "rec.webm",
		Format:        "webm",
	}); err != nil {
		t.Fatalf("WriteSessionMeta: %v", err)
	}

	reg := NewSessionRegistry(logging.NewDiscard())
	if err := reg.Rehydrate(store); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	rec, ok := reg.Get("sess1")
	if !ok {
		t.Fatal("sess1 not rehydrated")
	}
	if !rec.MetadataKnown || rec.TotalChunks != 4 || rec.RecordingName != "rec.webm" {
		t.Errorf("metadata not recovered: %+v", rec)
	}
	if !rec.ChunksPersisted[0] {
		t.Error("chunk 0 not recovered")
	}
}
