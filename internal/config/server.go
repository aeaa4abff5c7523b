// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do waveforge-server.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultSessionAlphabet é o conjunto conservador de caracteres aceitos em
// identificadores de sessão gerados pelo browser (hex, dashes, underscores e
// alfanuméricos).
const defaultSessionAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_"

// ServerConfig representa a configuração completa do waveforge-server.
type ServerConfig struct {
	Server   ServerListen   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Sessions SessionsConfig `yaml:"sessions"`
	Limits   LimitsConfig   `yaml:"limits"`
	Logging  LoggingInfo    `yaml:"logging"`
	Offsite  OffsiteConfig  `yaml:"offsite"`
}

// ServerListen contém o endereço de escuta e os timeouts do listener HTTP.
// TLS é responsabilidade do ingress; o server escuta HTTP puro.
type ServerListen struct {
	Listen       string        `yaml:"listen"`        // default: "0.0.0.0:8000"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5m (appends grandes em redes lentas)
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 1m
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 2m
}

// StorageConfig contém o layout de armazenamento e os limites de escrita.
type StorageConfig struct {
	Root                string `yaml:"root"`                  // base de todos os dados de sessão
	MaxChunkBytes       string `yaml:"max_chunk_bytes"`       // cap de um body de append (default: 16mb)
	AssemblyBufferBytes string `yaml:"assembly_buffer_bytes"` // buffer de streaming na montagem (default: 1mb)
	SessionAlphabet     string `yaml:"session_id_alphabet"`   // caracteres permitidos em session IDs

	MaxChunkBytesRaw       int64 `yaml:"-"`
	AssemblyBufferBytesRaw int64 `yaml:"-"`
}

// SessionsConfig contém TTLs, o agendamento do sweeper e o retry do
// coordinator de completion.
type SessionsConfig struct {
	TTLActive           time.Duration `yaml:"ttl_active"`               // default: 24h
	TTLCompleted        time.Duration `yaml:"ttl_completed"`            // default: 72h
	SweeperSchedule     string        `yaml:"sweeper_schedule"`         // cron spec (default: "@every 1h")
	CompletionRetryInit time.Duration `yaml:"completion_retry_initial"` // default: 3s
	CompletionRetryMax  time.Duration `yaml:"completion_retry_max"`     // default: 1m
	AssemblyWorkers     int           `yaml:"assembly_workers"`         // default: 2
	JournalFile         string        `yaml:"journal_file"`             // default: {root}/completion-journal.jsonl
	JournalMaxLines     int           `yaml:"journal_max_lines"`        // default: 10000
}

// LimitsConfig contém rate limiting de ingestão.
type LimitsConfig struct {
	RxBytesPerSec string `yaml:"rx_bytes_per_sec"` // 0 ou vazio = sem throttle

	RxBytesPerSecRaw int64 `yaml:"-"`
}

// LoggingInfo contém o nível, formato e arquivo opcional de log.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // debug|info|warn|error (default: info)
	Format string `yaml:"format"` // json|text (default: json)
	File   string `yaml:"file"`   // opcional: stdout + arquivo
}

// OffsiteConfig configura o espelhamento de artefatos montados para S3.
// Desabilitado por default; falhas de espelhamento nunca afetam o estado
// da sessão.
type OffsiteConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`    // opcional: S3 compatível (MinIO etc)
	AccessKey   string `yaml:"access_key"`  // opcional: credenciais estáticas
	SecretKey   string `yaml:"secret_key"`
	Compression string `yaml:"compression"` // none|gzip|zstd (default: none)
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do server.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// Validate aplica defaults e valida a configuração. Exportado porque os
// testes e embedders constroem a config em memória.
func (c *ServerConfig) Validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:8000"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 5 * time.Minute
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = time.Minute
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 2 * time.Minute
	}

	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}

	if c.Storage.MaxChunkBytes == "" {
		c.Storage.MaxChunkBytes = "16mb"
	}
	parsed, err := ParseByteSize(c.Storage.MaxChunkBytes)
	if err != nil {
		return fmt.Errorf("storage.max_chunk_bytes: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("storage.max_chunk_bytes must be > 0, got %s", c.Storage.MaxChunkBytes)
	}
	c.Storage.MaxChunkBytesRaw = parsed

	if c.Storage.AssemblyBufferBytes == "" {
		c.Storage.AssemblyBufferBytes = "1mb"
	}
	parsed, err = ParseByteSize(c.Storage.AssemblyBufferBytes)
	if err != nil {
		return fmt.Errorf("storage.assembly_buffer_bytes: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("storage.assembly_buffer_bytes must be > 0, got %s", c.Storage.AssemblyBufferBytes)
	}
	c.Storage.AssemblyBufferBytesRaw = parsed

	if c.Storage.SessionAlphabet == "" {
		c.Storage.SessionAlphabet = defaultSessionAlphabet
	}

	if c.Sessions.TTLActive <= 0 {
		c.Sessions.TTLActive = 24 * time.Hour
	}
	if c.Sessions.TTLCompleted <= 0 {
		c.Sessions.TTLCompleted = 72 * time.Hour
	}
	if c.Sessions.SweeperSchedule == "" {
		c.Sessions.SweeperSchedule = "@every 1h"
	}
	if c.Sessions.CompletionRetryInit <= 0 {
		c.Sessions.CompletionRetryInit = 3 * time.Second
	}
	if c.Sessions.CompletionRetryMax <= 0 {
		c.Sessions.CompletionRetryMax = time.Minute
	}
	if c.Sessions.CompletionRetryMax < c.Sessions.CompletionRetryInit {
		return fmt.Errorf("sessions.completion_retry_max (%s) must be >= completion_retry_initial (%s)",
			c.Sessions.CompletionRetryMax, c.Sessions.CompletionRetryInit)
	}
	if c.Sessions.AssemblyWorkers <= 0 {
		c.Sessions.AssemblyWorkers = 2
	}
	if c.Sessions.JournalFile == "" {
		c.Sessions.JournalFile = "completion-journal.jsonl"
	}
	if c.Sessions.JournalMaxLines <= 0 {
		c.Sessions.JournalMaxLines = 10000
	}

	if c.Limits.RxBytesPerSec != "" {
		parsed, err = ParseByteSize(c.Limits.RxBytesPerSec)
		if err != nil {
			return fmt.Errorf("limits.rx_bytes_per_sec: %w", err)
		}
		if parsed < 0 {
			return fmt.Errorf("limits.rx_bytes_per_sec must be >= 0, got %s", c.Limits.RxBytesPerSec)
		}
		c.Limits.RxBytesPerSecRaw = parsed
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Offsite.Enabled {
		if c.Offsite.Bucket == "" {
			return fmt.Errorf("offsite.bucket is required when offsite is enabled")
		}
		if c.Offsite.Region == "" && c.Offsite.Endpoint == "" {
			return fmt.Errorf("offsite.region or offsite.endpoint is required when offsite is enabled")
		}
		if c.Offsite.Compression == "" {
			c.Offsite.Compression = "none"
		}
		c.Offsite.Compression = strings.ToLower(strings.TrimSpace(c.Offsite.Compression))
		switch c.Offsite.Compression {
		case "none", "gzip", "zstd":
		default:
			return fmt.Errorf("offsite.compression must be none, gzip or zstd, got %q", c.Offsite.Compression)
		}
	}

	return nil
}
