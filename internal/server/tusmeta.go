// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Chaves reconhecidas no Upload-Metadata do create. Qualquer outra chave é
// preservada como passthrough e acaba no sidecar .meta do artefato final.
const (
	metaChunkIndex    = "chunkIndex"
	metaTotalChunks   = "totalChunks"
	metaRecordingName = "recordingName"
	metaFormat        = "format"
	metaChunkSize     = "chunkSize"
	metaTotalBytes    = "totalBytes"
)

// parseUploadMetadata decodifica o header Upload-Metadata do protocolo tus:
// pares "key base64value" separados por vírgula. Chave sem valor é válida e
// vira string vazia. Chave duplicada é rejeitada.
func parseUploadMetadata(header string) (map[string]string, error) {
	meta := make(map[string]string)
	if strings.TrimSpace(header) == "" {
		return meta, nil
	}

	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, encoded, _ := strings.Cut(pair, " ")
		if key == "" {
			return nil, fmt.Errorf("upload-metadata: empty key in pair %q", pair)
		}
		if _, dup := meta[key]; dup {
			return nil, fmt.Errorf("upload-metadata: duplicate key %q", key)
		}
		if encoded == "" {
			meta[key] = ""
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("upload-metadata: key %q has invalid base64 value: %w", key, err)
		}
		meta[key] = string(decoded)
	}

	return meta, nil
}

// encodeUploadMetadata é o inverso de parseUploadMetadata, com chaves em
// ordem estável. Usado em testes e no Location de respostas de create.
func encodeUploadMetadata(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if meta[k] == "" {
			parts = append(parts, k)
			continue
		}
		parts = append(parts, k+" "+base64.StdEncoding.EncodeToString([]byte(meta[k])))
	}
	return strings.Join(parts, ",")
}

// createMetadata é a metadata do create já tipada e validada.
type createMetadata struct {
	ChunkIndex    int
	TotalChunks   int
	RecordingName string
	Format        string
	ChunkSize     int64 // 0 = não anunciado
	TotalBytes    int64 // 0 = não anunciado
	Passthrough   map[string]string
}

// parseCreateMetadata extrai e valida os campos obrigatórios do create.
// totalChunks <= 0 e chunkIndex fora de [0, totalChunks) são rejeitados na
// porta, antes de tocar registry ou disco.
func parseCreateMetadata(header string) (*createMetadata, error) {
	raw, err := parseUploadMetadata(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIdentifier, err)
	}

	cm := &createMetadata{Passthrough: make(map[string]string)}

	cm.ChunkIndex, err = requireIntField(raw, metaChunkIndex)
	if err != nil {
		return nil, err
	}
	cm.TotalChunks, err = requireIntField(raw, metaTotalChunks)
	if err != nil {
		return nil, err
	}
	if cm.TotalChunks <= 0 {
		return nil, fmt.Errorf("%w: totalChunks must be > 0, got %d", ErrBadIdentifier, cm.TotalChunks)
	}
	if cm.ChunkIndex < 0 || cm.ChunkIndex >= cm.TotalChunks {
		return nil, fmt.Errorf("%w: chunkIndex %d outside [0,%d)", ErrUnknownChunk, cm.ChunkIndex, cm.TotalChunks)
	}

	cm.RecordingName = raw[metaRecordingName]
	if cm.RecordingName != "" {
		if err := validateFileName(cm.RecordingName); err != nil {
			return nil, err
		}
	}
	cm.Format = raw[metaFormat]

	if v := raw[metaChunkSize]; v != "" {
		cm.ChunkSize, err = strconv.ParseInt(v, 10, 64)
		if err != nil || cm.ChunkSize < 0 {
			return nil, fmt.Errorf("%w: chunkSize %q is not a valid size", ErrBadIdentifier, v)
		}
	}
	if v := raw[metaTotalBytes]; v != "" {
		cm.TotalBytes, err = strconv.ParseInt(v, 10, 64)
		if err != nil || cm.TotalBytes < 0 {
			return nil, fmt.Errorf("%w: totalBytes %q is not a valid size", ErrBadIdentifier, v)
		}
	}

	for k, v := range raw {
		switch k {
		case metaChunkIndex, metaTotalChunks, metaRecordingName, metaFormat, metaChunkSize, metaTotalBytes:
		default:
			cm.Passthrough[k] = v
		}
	}

	return cm, nil
}

func requireIntField(raw map[string]string, key string) (int, error) {
	v, ok := raw[key]
	if !ok || v == "" {
		return 0, fmt.Errorf("%w: upload-metadata missing required key %q", ErrBadIdentifier, key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: upload-metadata key %q is not an integer: %q", ErrBadIdentifier, key, v)
	}
	return n, nil
}
