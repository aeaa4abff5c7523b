// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// chunksPerShard define quantos chunks vivem em cada subdiretório shard.
// Mantém qualquer diretório abaixo de ~1000 entradas, o que é barato para
// qualquer filesystem e para a enumeração na montagem.
const chunksPerShard = 1000

// ChunkStore é a camada de conteúdo em disco. Dona exclusiva do layout
//
//	{root}/{session}/chunks/shard_{NNNN}/{chunk_index}
//	{root}/{session}/completed/{recording_name}(.meta)
//
// Nenhum outro componente escreve sob o root.
type ChunkStore struct {
	root   string
	logger *slog.Logger
}

// ChunkInfo descreve um chunk persistido: index e tamanho em disco.
// O tamanho em disco é autoritativo; o registry mantém apenas um cache.
type ChunkInfo struct {
	Index int
	Size  int64
}

// NewChunkStore cria o store e garante que o root existe.
func NewChunkStore(root string, logger *slog.Logger) (*ChunkStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &ChunkStore{root: root, logger: logger}, nil
}

// Root retorna o diretório base do store.
func (s *ChunkStore) Root() string {
	return s.root
}

func (s *ChunkStore) sessionDir(session string) string {
	return filepath.Join(s.root, session)
}

func (s *ChunkStore) chunksDir(session string) string {
	return filepath.Join(s.root, session, "chunks")
}

func (s *ChunkStore) completedDir(session string) string {
	return filepath.Join(s.root, session, "completed")
}

// chunkPath retorna o caminho sharded do chunk: shard_{index/1000:04d}/{index}.
func (s *ChunkStore) chunkPath(session string, index int) string {
	shard := fmt.Sprintf("shard_%04d", index/chunksPerShard)
	return filepath.Join(s.chunksDir(session), shard, strconv.Itoa(index))
}

// CompletedPath retorna o caminho do artefato final com o nome dado.
func (s *ChunkStore) CompletedPath(session, name string) string {
	return filepath.Join(s.completedDir(session), name)
}

// EnsureChunkSlot cria o diretório shard do chunk se ausente e retorna o
// caminho onde o chunk vai viver. Idempotente.
func (s *ChunkStore) EnsureChunkSlot(session string, index int) (string, error) {
	path := s.chunkPath(session, index)
	if err := validatePathInRoot(s.root, path); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating shard directory: %w", err)
	}
	return path, nil
}

// AppendAt abre o chunk, confere que o tamanho atual em disco é igual ao
// offset declarado, escreve os bytes de r a partir dali e faz fsync.
// Retorna o tamanho pós-escrita. Falha com OffsetMismatchError se o tamanho
// atual difere do offset (inclusive offset além do fim — sem sparse files)
// e com ErrStorageFull em erros classe-ENOSPC.
func (s *ChunkStore) AppendAt(session string, index int, offset int64, r io.Reader) (int64, error) {
	path, err := s.EnsureChunkSlot(session, index)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, mapStorageErr(err, "opening chunk file")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stating chunk file: %w", err)
	}
	if fi.Size() != offset {
		return fi.Size(), &OffsetMismatchError{Actual: fi.Size()}
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fi.Size(), fmt.Errorf("seeking to offset %d: %w", offset, err)
	}

	written, err := io.Copy(f, r)
	if err != nil {
		// Bytes já escritos e sincronizados permanecem válidos: o client
		// descobre o offset real no próximo probe e retoma dali.
		f.Sync()
		return offset + written, mapStorageErr(err, "writing chunk data")
	}

	if err := f.Sync(); err != nil {
		return offset + written, mapStorageErr(err, "syncing chunk file")
	}

	return offset + written, nil
}

// SessionMeta é a metadata de sessão persistida em {session}/session.json
// no primeiro create. Permite re-hidratar total_chunks após um restart; os
// chunks em si continuam sendo a autoridade de conteúdo.
type SessionMeta struct {
	SessionID          string            `json:"session_id"`
	TotalChunks        int               `json:"total_chunks"`
	RecordingName      string            `json:"recording_name,omitempty"`
	Format             string            `json:"format,omitempty"`
	ExpectedTotalBytes int64             `json:"expected_total_bytes,omitempty"`
	Passthrough        map[string]string `json:"passthrough,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// WriteSessionMeta grava a metadata da sessão com temp + rename.
func (s *ChunkStore) WriteSessionMeta(session string, meta SessionMeta) error {
	dir := s.sessionDir(session)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session metadata: %w", err)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".session-%s.tmp", uuid.NewString()))
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0644); err != nil {
		return mapStorageErr(err, "writing session metadata")
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, "session.json")); err != nil {
		os.Remove(tmpPath)
		return mapStorageErr(err, "renaming session metadata")
	}
	return nil
}

// ReadSessionMeta lê a metadata da sessão, se existir.
func (s *ChunkStore) ReadSessionMeta(session string) (*SessionMeta, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(session), "session.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading session metadata: %w", err)
	}
	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, false, fmt.Errorf("parsing session metadata: %w", err)
	}
	return &meta, true, nil
}

// PutChunk grava o chunk inteiro de uma vez, com temp + fsync + rename no
// mesmo shard. Usado pelo fallback multipart: ou o chunk aparece completo
// ou não aparece. Retorna o tamanho gravado.
func (s *ChunkStore) PutChunk(session string, index int, r io.Reader) (int64, error) {
	path, err := s.EnsureChunkSlot(session, index)
	if err != nil {
		return 0, err
	}

	tmpPath := filepath.Join(filepath.Dir(path), fmt.Sprintf(".put-%s.tmp", uuid.NewString()))
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, mapStorageErr(err, "creating temp chunk")
	}

	written, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, mapStorageErr(err, "writing chunk data")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, mapStorageErr(err, "syncing chunk")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, mapStorageErr(err, "closing chunk")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, mapStorageErr(err, "renaming chunk")
	}
	return written, nil
}

// SizeOf retorna o tamanho em disco do chunk, ou ok=false se não existe.
func (s *ChunkStore) SizeOf(session string, index int) (int64, bool, error) {
	fi, err := os.Stat(s.chunkPath(session, index))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stating chunk: %w", err)
	}
	return fi.Size(), true, nil
}

// StreamRange abre o chunk e retorna um reader para o intervalo [start, end).
// end < 0 significa até o fim do arquivo. O caller é dono do Close.
func (s *ChunkStore) StreamRange(session string, index int, start, end int64) (io.ReadCloser, error) {
	f, err := os.Open(s.chunkPath(session, index))
	if err != nil {
		return nil, fmt.Errorf("opening chunk %d: %w", index, err)
	}

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seeking chunk %d to %d: %w", index, start, err)
		}
	}

	if end < 0 {
		return f, nil
	}

	return &limitedReadCloser{r: io.LimitReader(f, end-start), c: f}, nil
}

// limitedReadCloser combina um LimitReader com o Close do arquivo subjacente.
type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

// ListSession enumera os chunks persistidos da sessão em ordem de index.
// Arquivos com nomes que não parseiam como índice são ignorados (ex: .tmp
// sobrando de um crash no fallback multipart).
func (s *ChunkStore) ListSession(session string) ([]ChunkInfo, error) {
	chunksDir := s.chunksDir(session)
	shards, err := os.ReadDir(chunksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading chunks directory: %w", err)
	}

	var chunks []ChunkInfo
	for _, shard := range shards {
		if !shard.IsDir() || !strings.HasPrefix(shard.Name(), "shard_") {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(chunksDir, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading shard %s: %w", shard.Name(), err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			index, err := strconv.Atoi(e.Name())
			if err != nil {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			chunks = append(chunks, ChunkInfo{Index: index, Size: fi.Size()})
		}
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// DeleteSessionChunks remove apenas a subárvore chunks/ da sessão.
// Best-effort: usada pelo Assembler após publicar o artefato.
func (s *ChunkStore) DeleteSessionChunks(session string) error {
	return os.RemoveAll(s.chunksDir(session))
}

// DeleteSession remove todo o diretório da sessão (chunks + completed).
// Usada por cancel e pelo sweeper.
func (s *ChunkStore) DeleteSession(session string) error {
	dir := s.sessionDir(session)
	if err := validatePathInRoot(s.root, dir); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// PublishCompleted escreve o artefato final: write escreve o conteúdo em um
// arquivo temporário no diretório completed, fsync, e então rename atômico
// para o nome final. Em erro o temp é removido (best-effort) e nada parcial
// fica visível sob o nome final.
func (s *ChunkStore) PublishCompleted(session, name string, write func(w io.Writer) error) (string, int64, error) {
	if err := validateFileName(name); err != nil {
		return "", 0, err
	}

	dir := s.completedDir(session)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", 0, fmt.Errorf("creating completed directory: %w", err)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".publish-%s.tmp", uuid.NewString()))
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, mapStorageErr(err, "creating temp artifact")
	}

	counter := &countingWriter{w: bufio.NewWriterSize(f, 256*1024)}
	if err := write(counter); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", 0, err
	}
	if err := counter.w.(*bufio.Writer).Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", 0, mapStorageErr(err, "flushing artifact")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", 0, mapStorageErr(err, "syncing artifact")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, mapStorageErr(err, "closing artifact")
	}

	finalPath := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, mapStorageErr(err, "renaming artifact")
	}

	return finalPath, counter.n, nil
}

// WriteSidecar grava o sidecar JSON `{name}.meta` com a mesma disciplina
// de temp + rename do artefato.
func (s *ChunkStore) WriteSidecar(session, name string, meta any) (string, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling sidecar metadata: %w", err)
	}
	path, _, err := s.PublishCompleted(session, name+".meta", func(w io.Writer) error {
		_, werr := w.Write(append(data, '\n'))
		return werr
	})
	return path, err
}

// ListCompleted enumera os artefatos finais da sessão (exclui sidecars).
func (s *ChunkStore) ListCompleted(session string) ([]string, error) {
	entries, err := os.ReadDir(s.completedDir(session))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading completed directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".meta") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Sessions enumera os diretórios de sessão existentes sob o root.
// Usada na re-hidratação do registry após restart.
func (s *ChunkStore) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading storage root: %w", err)
	}
	var sessions []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			sessions = append(sessions, e.Name())
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}

// countingWriter conta os bytes escritos no writer subjacente.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// mapStorageErr traduz erros classe-ENOSPC para ErrStorageFull; o resto
// sobe wrapped com contexto.
func mapStorageErr(err error, op string) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%s: %w", op, ErrStorageFull)
	}
	return fmt.Errorf("%s: %w", op, err)
}
