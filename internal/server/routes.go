// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import "net/http"

// NewRouter monta o mux de rotas do protocolo e envolve tudo no
// middleware de CORS. O client é um browser gravando áudio; os headers do
// protocolo tus precisam estar liberados no preflight.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /files/{session}/chunks/{$}", h.HandleCreateChunk)
	mux.HandleFunc("PATCH /files/{session}/chunks/{index}", h.HandleAppendChunk)
	mux.HandleFunc("HEAD /files/{session}/chunks/{index}", h.HandleProbeChunk)
	mux.HandleFunc("GET /files/{session}/chunks/{index}/verify", h.HandleVerifyChunk)
	mux.HandleFunc("GET /files/{session}/status", h.HandleStatus)
	mux.HandleFunc("POST /files/{session}/assemble", h.HandleAssemble)
	mux.HandleFunc("DELETE /files/{session}", h.HandleCancel)
	mux.HandleFunc("POST /recording/complete", h.HandleComplete)
	mux.HandleFunc("POST /upload/chunk", h.HandleFallbackUpload)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /recordings/{session}/{file}", h.HandleDownload)

	return corsMiddleware(mux)
}

// corsMiddleware libera o acesso cross-origin para o recorder no browser.
// Sem credenciais envolvidas, a política permissiva é suficiente.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Upload-Offset, Upload-Length, Upload-Metadata, Upload-Final, Tus-Resumable")
		w.Header().Set("Access-Control-Expose-Headers",
			"Upload-Offset, Location, Tus-Resumable")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
