// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/waveforge/internal/config"
	"github.com/nishisan-dev/waveforge/internal/logging"
)

func testConfig(t *testing.T, root string) *config.ServerConfig {
	t.Helper()
	cfg := &config.ServerConfig{}
	cfg.Storage.Root = root
	cfg.Sessions.CompletionRetryInit = 50 * time.Millisecond
	cfg.Sessions.CompletionRetryMax = 200 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config: %v", err)
	}
	return cfg
}

// newTestEngine sobe um engine completo (workers incluídos) sobre um
// tempdir e devolve o httptest.Server por cima do router.
func newTestEngine(t *testing.T, cfg *config.ServerConfig) (*Engine, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	engine, err := NewEngine(ctx, cfg, logging.NewDiscard(), false)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("engine.Start: %v", err)
	}
	ts := httptest.NewServer(engine.Handler())

	t.Cleanup(func() {
		ts.Close()
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		engine.Stop(stopCtx)
		stopCancel()
	})
	return engine, ts
}

func createChunk(t *testing.T, ts *httptest.Server, session string, index, total int, extra map[string]string) *http.Response {
	t.Helper()
	meta := map[string]string{
		"chunkIndex":    fmt.Sprintf("%d", index),
		"totalChunks":   fmt.Sprintf("%d", total),
		"recordingName": "rec.webm",
		"format":        "webm",
	}
	for k, v := range extra {
		meta[k] = v
	}
	req, _ := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/files/%s/chunks/", ts.URL, session), nil)
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Upload-Metadata", encodeUploadMetadata(meta))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create chunk %d: %v", index, err)
	}
	resp.Body.Close()
	return resp
}

func appendChunk(t *testing.T, ts *httptest.Server, session string, index int, offset int64, data string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPatch,
		fmt.Sprintf("%s/files/%s/chunks/%d", ts.URL, session, index),
		strings.NewReader(data))
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Upload-Offset", fmt.Sprintf("%d", offset))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("append chunk %d: %v", index, err)
	}
	resp.Body.Close()
	return resp
}

func signalComplete(t *testing.T, ts *httptest.Server, session, fileName string) *http.Response {
	t.Helper()
	form := url.Values{"session_id": {session}, "file_name": {fileName}}
	resp, err := http.PostForm(ts.URL+"/recording/complete", form)
	if err != nil {
		t.Fatalf("completion signal: %v", err)
	}
	resp.Body.Close()
	return resp
}

func sessionStatus(t *testing.T, ts *httptest.Server, session string) (statusBody, int) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("%s/files/%s/status", ts.URL, session))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var body statusBody
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decoding status: %v", err)
		}
	}
	return body, resp.StatusCode
}

func waitForState(t *testing.T, ts *httptest.Server, session string, want AssemblyState) statusBody {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		body, code := sessionStatus(t, ts, session)
		if code == http.StatusOK && body.AssemblyState == want {
			return body
		}
		time.Sleep(20 * time.Millisecond)
	}
	body, _ := sessionStatus(t, ts, session)
	t.Fatalf("session %s never reached %s, last state %s", session, want, body.AssemblyState)
	return statusBody{}
}

// Fluxo completo: create + append de todos os chunks, completion signal,
// montagem em background, download do artefato.
func TestUploadFlow_HappyPath(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	_, ts := newTestEngine(t, cfg)
	session := "rec-2026-001"

	var want strings.Builder
	for i := 0; i < 3; i++ {
		resp := createChunk(t, ts, session, i, 3, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create chunk %d: status %d", i, resp.StatusCode)
		}
		if loc := resp.Header.Get("Location"); loc != fmt.Sprintf("/files/%s/chunks/%d", session, i) {
			t.Errorf("chunk %d Location = %q", i, loc)
		}

		data := fmt.Sprintf("audio-%d|", i)
		want.WriteString(data)
		resp = appendChunk(t, ts, session, i, 0, data)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("append chunk %d: status %d", i, resp.StatusCode)
		}
		if got := resp.Header.Get("Upload-Offset"); got != fmt.Sprintf("%d", len(data)) {
			t.Errorf("chunk %d Upload-Offset = %q", i, got)
		}
	}

	if resp := signalComplete(t, ts, session, "meeting.webm"); resp.StatusCode != http.StatusOK {
		t.Fatalf("completion signal: status %d", resp.StatusCode)
	}

	body := waitForState(t, ts, session, AssemblyDone)
	if body.ChunksPersisted != 3 {
		t.Errorf("chunks_persisted = %d", body.ChunksPersisted)
	}

	// Download do artefato montado
	resp, err := http.Get(fmt.Sprintf("%s/recordings/%s/meeting.webm", ts.URL, session))
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/webm" {
		t.Errorf("download content type %q", ct)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != want.String() {
		t.Errorf("artifact = %q, want %q", data, want.String())
	}
}

// Retomada após queda de rede: offset errado leva 409 com o offset real, o
// probe confirma e o append certo completa o chunk.
func TestUploadFlow_ResumeAfterMismatch(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	_, ts := newTestEngine(t, cfg)
	session := "resume-sess"

	createChunk(t, ts, session, 0, 1, map[string]string{"chunkSize": "10"})
	if resp := appendChunk(t, ts, session, 0, 0, "01234"); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("first append: %d", resp.StatusCode)
	}

	// Replay do mesmo append: mismatch com o offset real no header
	resp := appendChunk(t, ts, session, 0, 0, "01234")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replayed append: status %d, want 409", resp.StatusCode)
	}
	if got := resp.Header.Get("Upload-Offset"); got != "5" {
		t.Errorf("mismatch Upload-Offset = %q, want 5", got)
	}

	// O chunk parcial não conta como persistido (chunkSize anunciado = 10)
	body, _ := sessionStatus(t, ts, session)
	if body.ChunksPersisted != 0 {
		t.Errorf("partial chunk counted as persisted")
	}

	// Probe e retomada
	probeReq, _ := http.NewRequest(http.MethodHead,
		fmt.Sprintf("%s/files/%s/chunks/0", ts.URL, session), nil)
	probeResp, err := http.DefaultClient.Do(probeReq)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	probeResp.Body.Close()
	if got := probeResp.Header.Get("Upload-Offset"); got != "5" {
		t.Fatalf("probe Upload-Offset = %q, want 5", got)
	}

	if resp := appendChunk(t, ts, session, 0, 5, "56789"); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("resumed append: %d", resp.StatusCode)
	}
	body, _ = sessionStatus(t, ts, session)
	if body.ChunksPersisted != 1 {
		t.Errorf("completed chunk not persisted: %+v", body)
	}
}

// Completion antes do último chunk: o signal responde na hora, a sessão
// fica pending e a montagem sai quando o chunk atrasado chega.
func TestUploadFlow_CompletionBeforeLastChunk(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	_, ts := newTestEngine(t, cfg)
	session := "straggler-sess"

	createChunk(t, ts, session, 0, 2, nil)
	appendChunk(t, ts, session, 0, 0, "first|")

	resp := signalComplete(t, ts, session, "late.webm")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("completion with missing chunk: status %d", resp.StatusCode)
	}

	body, _ := sessionStatus(t, ts, session)
	if body.AssemblyState == AssemblyDone {
		t.Fatal("assembled with a missing chunk")
	}
	if !body.CompletionSignalled {
		t.Fatal("completion not recorded")
	}

	// O chunk atrasado chega e destrava a montagem
	createChunk(t, ts, session, 1, 2, nil)
	appendChunk(t, ts, session, 1, 0, "second|")

	waitForState(t, ts, session, AssemblyDone)
}

// Append interrompido no meio do chunk: mesmo com o arquivo presente no
// disco, o completion signal não pode montar antes dos bytes anunciados
// chegarem inteiros.
func TestUploadFlow_PartialChunkBlocksAssembly(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	_, ts := newTestEngine(t, cfg)
	session := "partial-sess"

	createChunk(t, ts, session, 0, 1, map[string]string{"chunkSize": "10"})
	appendChunk(t, ts, session, 0, 0, "0123")

	if resp := signalComplete(t, ts, session, "partial.webm"); resp.StatusCode != http.StatusOK {
		t.Fatalf("completion signal: status %d", resp.StatusCode)
	}

	// Janela para os retries rodarem; nada pode sair montado
	time.Sleep(300 * time.Millisecond)
	body, _ := sessionStatus(t, ts, session)
	if body.AssemblyState == AssemblyDone {
		t.Fatal("assembled with a partial chunk")
	}
	if body.ChunksPersisted != 0 {
		t.Errorf("partial chunk counted as persisted: %+v", body)
	}

	// O resto do chunk chega e a montagem destrava
	appendChunk(t, ts, session, 0, 4, "456789")
	waitForState(t, ts, session, AssemblyDone)
}

func TestUploadFlow_Cancel(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	engine, ts := newTestEngine(t, cfg)
	session := "cancel-sess"

	createChunk(t, ts, session, 0, 2, nil)
	appendChunk(t, ts, session, 0, 0, "data")

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/files/%s", ts.URL, session), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status %d", resp.StatusCode)
	}

	if _, code := sessionStatus(t, ts, session); code != http.StatusNotFound {
		t.Errorf("status after cancel = %d, want 404", code)
	}

	// Cancel durante montagem é recusado
	other := "busy-sess"
	createChunk(t, ts, other, 0, 1, nil)
	appendChunk(t, ts, other, 0, 0, "x")
	engine.registry.Update(other, func(r *SessionRecord) error {
		r.AssemblyState = AssemblyInProgress
		return nil
	})
	req, _ = http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/files/%s", ts.URL, other), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cancel busy: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel during assembly = %d, want 409", resp.StatusCode)
	}
}

// Restart: um engine novo sobre o mesmo root re-hidrata as sessões e
// replaya o journal, completando o upload interrompido.
func TestUploadFlow_SurvivesRestart(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	session := "restart-sess"

	func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		engine, err := NewEngine(ctx, cfg, logging.NewDiscard(), false)
		if err != nil {
			t.Fatalf("first engine: %v", err)
		}
		ts := httptest.NewServer(engine.Handler())
		defer ts.Close()

		// Workers NÃO iniciados: o signal fica journaled mas nada monta,
		// como num crash logo após o ack
		for i := 0; i < 2; i++ {
			createChunk(t, ts, session, i, 2, nil)
			appendChunk(t, ts, session, i, 0, fmt.Sprintf("part-%d|", i))
		}
		signalComplete(t, ts, session, "restored.webm")
		engine.journal.Close()
	}()

	// Segundo processo sobre o mesmo root
	_, ts := newTestEngine(t, cfg)

	body := waitForState(t, ts, session, AssemblyDone)
	if body.AssemblyState != AssemblyDone {
		t.Fatalf("state after restart = %s", body.AssemblyState)
	}

	resp, err := http.Get(fmt.Sprintf("%s/recordings/%s/restored.webm", ts.URL, session))
	if err != nil {
		t.Fatalf("download after restart: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "part-0|part-1|" {
		t.Errorf("artifact after restart = %q", data)
	}
}

func TestFallbackUpload(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	_, ts := newTestEngine(t, cfg)
	session := "fallback-sess"

	post := func(data string) map[string]any {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("session_id", session)
		mw.WriteField("chunk_index", "0")
		fw, _ := mw.CreateFormFile("file", "blob")
		fw.Write([]byte(data))
		mw.Close()

		resp, err := http.Post(ts.URL+"/upload/chunk", mw.FormDataContentType(), &buf)
		if err != nil {
			t.Fatalf("fallback upload: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("fallback status %d", resp.StatusCode)
		}
		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		return body
	}

	if body := post("whole-chunk-bytes"); body["status"] != "chunk_received" {
		t.Errorf("first fallback = %v", body)
	}
	// Repetição é no-op
	if body := post("different-bytes"); body["status"] != "chunk_already_exists" {
		t.Errorf("repeated fallback = %v", body)
	}

	status, _ := sessionStatus(t, ts, session)
	if status.ChunksPersisted != 1 {
		t.Errorf("fallback chunk not persisted: %+v", status)
	}
	// Sessão criada só pelo fallback não tem total_chunks; o status expõe
	// isso para o client saber que precisa de um create antes de montar
	if status.MetadataKnown {
		t.Error("fallback-only session reports metadata as known")
	}
}

func TestHandler_Rejections(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Storage.MaxChunkBytes = "1kb"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("revalidating: %v", err)
	}
	_, ts := newTestEngine(t, cfg)

	// Session id fora do alfabeto
	resp := createChunk(t, ts, "bad!!id", 0, 1, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad session id: status %d, want 400", resp.StatusCode)
	}

	// Metadata conflitante no segundo create
	createChunk(t, ts, "conflict-sess", 0, 3, nil)
	resp = createChunk(t, ts, "conflict-sess", 1, 5, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("conflicting totalChunks: status %d, want 409", resp.StatusCode)
	}

	// Append em sessão desconhecida
	resp = appendChunk(t, ts, "ghost-sess", 0, 0, "data")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("append to unknown session: status %d, want 404", resp.StatusCode)
	}

	// Chunk fora do range declarado
	createChunk(t, ts, "range-sess", 0, 2, nil)
	resp = appendChunk(t, ts, "range-sess", 7, 0, "data")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("append out of range: status %d, want 404", resp.StatusCode)
	}

	// Body acima do limite
	resp = appendChunk(t, ts, "range-sess", 0, 0, strings.Repeat("x", 2048))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: status %d, want 413", resp.StatusCode)
	}

	// Content-Type errado no PATCH
	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/files/range-sess/chunks/0",
		strings.NewReader("data"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Upload-Offset", "0")
	ctResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bad content type: %v", err)
	}
	ctResp.Body.Close()
	if ctResp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("bad content type: status %d, want 415", ctResp.StatusCode)
	}

	// Probe e verify fora do range declarado
	probeReq, _ := http.NewRequest(http.MethodHead, ts.URL+"/files/range-sess/chunks/7", nil)
	probeResp, err := http.DefaultClient.Do(probeReq)
	if err != nil {
		t.Fatalf("probe out of range: %v", err)
	}
	probeResp.Body.Close()
	if probeResp.StatusCode != http.StatusNotFound {
		t.Errorf("probe out of range: status %d, want 404", probeResp.StatusCode)
	}

	verifyResp, err := http.Get(ts.URL + "/files/range-sess/chunks/7/verify")
	if err != nil {
		t.Fatalf("verify out of range: %v", err)
	}
	verifyResp.Body.Close()
	if verifyResp.StatusCode != http.StatusNotFound {
		t.Errorf("verify out of range: status %d, want 404", verifyResp.StatusCode)
	}
}

func TestHandler_VerifyChunk(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	_, ts := newTestEngine(t, cfg)
	session := "verify-sess"

	createChunk(t, ts, session, 0, 2, nil)
	appendChunk(t, ts, session, 0, 0, "12345")

	get := func(index int) map[string]any {
		resp, err := http.Get(fmt.Sprintf("%s/files/%s/chunks/%d/verify", ts.URL, session, index))
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		defer resp.Body.Close()
		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		return body
	}

	body := get(0)
	if body["exists"] != true || body["size"].(float64) != 5 {
		t.Errorf("verify existing chunk = %v", body)
	}
	if body["path_hint"] != "chunks/shard_0000/0" {
		t.Errorf("path_hint = %v", body["path_hint"])
	}

	if body := get(1); body["exists"] != false {
		t.Errorf("verify missing chunk = %v", body)
	}
}

func TestHandler_Health(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	_, ts := newTestEngine(t, cfg)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}

	// HEAD também responde
	headResp, err := http.Head(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health HEAD: %v", err)
	}
	headResp.Body.Close()
	if headResp.StatusCode != http.StatusOK {
		t.Errorf("health HEAD status %d", headResp.StatusCode)
	}
}

func TestHandler_CORSPreflight(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	_, ts := newTestEngine(t, cfg)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/files/sess/chunks/", nil)
	req.Header.Set("Origin", "https://recorder.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS allow-origin")
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "Upload-Offset") {
		t.Error("CORS allow-headers missing tus headers")
	}
}

func TestHandler_ManualAssemble(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	_, ts := newTestEngine(t, cfg)
	session := "manual-sess"

	createChunk(t, ts, session, 0, 1, nil)
	appendChunk(t, ts, session, 0, 0, "only-chunk")

	resp, err := http.Post(fmt.Sprintf("%s/files/%s/assemble", ts.URL, session), "", nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("assemble status %d, want 202", resp.StatusCode)
	}

	waitForState(t, ts, session, AssemblyDone)

	// Repetir o gatilho com a sessão done responde o artefato
	resp, err = http.Post(fmt.Sprintf("%s/files/%s/assemble", ts.URL, session), "", nil)
	if err != nil {
		t.Fatalf("assemble rerun: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assemble rerun status %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "done" || body["artifact"] == "" {
		t.Errorf("assemble rerun body = %v", body)
	}
}
