// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestThrottledReader_Bypass(t *testing.T) {
	src := strings.NewReader("payload")
	r := NewThrottledReader(context.Background(), src, nil)
	if r != src {
		t.Error("nil limiter should bypass the wrapper")
	}
	if NewIngestLimiter(0) != nil {
		t.Error("NewIngestLimiter(0) should return nil")
	}
}

func TestThrottledReader_ReadsAll(t *testing.T) {
	limiter := NewIngestLimiter(1 << 20) // 1MB/s, folgado para o payload
	r := NewThrottledReader(context.Background(), strings.NewReader("0123456789"), limiter)

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "0123456789" {
		t.Errorf("data = %q", data)
	}
}

func TestThrottledReader_LimitsRate(t *testing.T) {
	// 1KB/s com burst igual à taxa: ler 2KB precisa de ~1s de espera
	limiter := NewIngestLimiter(1024)
	payload := strings.Repeat("x", 2048)
	r := NewThrottledReader(context.Background(), strings.NewReader(payload), limiter)

	start := time.Now()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(data) != 2048 {
		t.Fatalf("read %d bytes, want 2048", len(data))
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("2KB at 1KB/s finished in %s, throttle not applied", elapsed)
	}
}

func TestThrottledReader_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	limiter := NewIngestLimiter(16) // lento o bastante para bloquear
	r := NewThrottledReader(ctx, strings.NewReader(strings.Repeat("x", 1024)), limiter)

	cancel()
	buf := make([]byte, 512)
	// A primeira leitura consome o burst; a seguinte precisa esperar e
	// observa o contexto cancelado.
	r.Read(buf)
	_, err := r.Read(buf)
	if err == nil {
		t.Error("expected context error after cancel")
	}
}
