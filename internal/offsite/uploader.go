// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package offsite espelha artefatos montados para um bucket S3 (ou
// compatível). O espelhamento é best-effort: falhas são logadas e o
// artefato permanece íntegro no storage local.
package offsite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"runtime"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/waveforge/internal/config"
)

// Uploader espelha artefatos para S3 usando o manager (multipart upload
// com streaming via io.Pipe, sem materializar o payload em memória).
type Uploader struct {
	client      *s3.Client
	uploader    *manager.Uploader
	bucket      string
	prefix      string
	compression string
	logger      *slog.Logger
}

// New constrói o uploader a partir da configuração offsite. Credenciais
// estáticas (MinIO etc) têm prioridade; sem elas vale a chain default do
// SDK (env, profile, IMDS).
func New(ctx context.Context, cfg config.OffsiteConfig, logger *slog.Logger) (*Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Uploader{
		client:      client,
		uploader:    manager.NewUploader(client),
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		compression: cfg.Compression,
		logger:      logger.With("component", "offsite"),
	}, nil
}

// MirrorArtifact envia o artefato e o sidecar (se existir) para o bucket.
// A chave fica {prefix}/{session}/{file}, com sufixo .gz ou .zst quando a
// compressão está ativa. O sidecar sobe sempre sem compressão.
func (u *Uploader) MirrorArtifact(ctx context.Context, sessionID, artifactPath, sidecarPath string) error {
	if err := u.uploadFile(ctx, sessionID, artifactPath, u.compression); err != nil {
		return fmt.Errorf("mirroring artifact: %w", err)
	}
	if sidecarPath != "" {
		if _, err := os.Stat(sidecarPath); err == nil {
			if err := u.uploadFile(ctx, sessionID, sidecarPath, "none"); err != nil {
				return fmt.Errorf("mirroring sidecar: %w", err)
			}
		}
	}
	return nil
}

func (u *Uploader) uploadFile(ctx context.Context, sessionID, filePath, compression string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filePath, err)
	}
	defer f.Close()

	key := path.Join(u.prefix, sessionID, path.Base(filePath))
	body := io.Reader(f)

	var pipeDone chan error
	if compression != "none" && compression != "" {
		key += compressionSuffix(compression)

		pr, pw := io.Pipe()
		pipeDone = make(chan error, 1)
		go func() {
			compressor, err := newCompressor(pw, compression)
			if err != nil {
				pw.CloseWithError(err)
				pipeDone <- err
				return
			}
			_, copyErr := io.Copy(compressor, f)
			closeErr := compressor.Close()
			if copyErr == nil {
				copyErr = closeErr
			}
			pw.CloseWithError(copyErr)
			pipeDone <- copyErr
		}()
		body = pr
	}

	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if pipeDone != nil {
		if perr := <-pipeDone; err == nil && perr != nil {
			err = perr
		}
	}
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", u.bucket, key, err)
	}

	u.logger.Info("artifact mirrored", "session", sessionID, "key", key)
	return nil
}

func compressionSuffix(mode string) string {
	switch mode {
	case "zstd":
		return ".zst"
	case "gzip":
		return ".gz"
	default:
		return ""
	}
}

// newCompressor cria um io.WriteCloser para compressão com base no mode.
func newCompressor(w io.Writer, mode string) (io.WriteCloser, error) {
	switch mode {
	case "zstd":
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case "gzip":
		gzWriter, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		if err := gzWriter.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, fmt.Errorf("configuring gzip concurrency: %w", err)
		}
		return gzWriter, nil
	default:
		return nil, fmt.Errorf("unknown compression mode %q", mode)
	}
}
