// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"testing"
)

func TestParseUploadMetadata(t *testing.T) {
	header := encodeUploadMetadata(map[string]string{
		"chunkIndex":    "0",
		"totalChunks":   "3",
		"recordingName": "meeting notes.webm",
		"flag":          "",
	})

	meta, err := parseUploadMetadata(header)
	if err != nil {
		t.Fatalf("parseUploadMetadata: %v", err)
	}
	if meta["chunkIndex"] != "0" || meta["totalChunks"] != "3" {
		t.Errorf("numeric fields lost: %v", meta)
	}
	if meta["recordingName"] != "meeting notes.webm" {
		t.Errorf("recordingName = %q", meta["recordingName"])
	}
	if v, ok := meta["flag"]; !ok || v != "" {
		t.Errorf("valueless key not preserved: %v", meta)
	}
}

func TestParseUploadMetadata_Errors(t *testing.T) {
	cases := []string{
		"chunkIndex !!!not-base64!!!",
		"chunkIndex MA==,chunkIndex MQ==",
	}
	for _, header := range cases {
		if _, err := parseUploadMetadata(header); err == nil {
			t.Errorf("header %q: expected error", header)
		}
	}

	meta, err := parseUploadMetadata("   ")
	if err != nil || len(meta) != 0 {
		t.Errorf("blank header should yield empty map, got %v, %v", meta, err)
	}
}

func TestParseCreateMetadata(t *testing.T) {
	header := encodeUploadMetadata(map[string]string{
		"chunkIndex":    "2",
		"totalChunks":   "5",
		"recordingName": "rec.webm",
		"format":        "webm",
		"chunkSize":     "1048576",
		"speaker":       "alice",
	})

	cm, err := parseCreateMetadata(header)
	if err != nil {
		t.Fatalf("parseCreateMetadata: %v", err)
	}
	if cm.ChunkIndex != 2 || cm.TotalChunks != 5 {
		t.Errorf("indices: %+v", cm)
	}
	if cm.ChunkSize != 1048576 {
		t.Errorf("ChunkSize = %d", cm.ChunkSize)
	}
	if cm.Passthrough["speaker"] != "alice" {
		t.Errorf("passthrough lost: %v", cm.Passthrough)
	}
	if _, reserved := cm.Passthrough["chunkIndex"]; reserved {
		t.Error("reserved key leaked into passthrough")
	}
}

func TestParseCreateMetadata_Rejections(t *testing.T) {
	cases := []struct {
		name string
		meta map[string]string
		kind error
	}{
		{"missing totalChunks", map[string]string{"chunkIndex": "0"}, ErrBadIdentifier},
		{"zero totalChunks", map[string]string{"chunkIndex": "0", "totalChunks": "0"}, ErrBadIdentifier},
		{"negative index", map[string]string{"chunkIndex": "-1", "totalChunks": "3"}, ErrUnknownChunk},
		{"index past range", map[string]string{"chunkIndex": "3", "totalChunks": "3"}, ErrUnknownChunk},
		{"non-integer index", map[string]string{"chunkIndex": "abc", "totalChunks": "3"}, ErrBadIdentifier},
		{"traversal name", map[string]string{"chunkIndex": "0", "totalChunks": "3", "recordingName": "../etc"}, ErrBadIdentifier},
		{"bad chunkSize", map[string]string{"chunkIndex": "0", "totalChunks": "3", "chunkSize": "-5"}, ErrBadIdentifier},
	}

	for _, tc := range cases {
		_, err := parseCreateMetadata(encodeUploadMetadata(tc.meta))
		if !errors.Is(err, tc.kind) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.kind)
		}
	}
}
