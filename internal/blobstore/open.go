package blobstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/upengage/transmigrate/internal/config"
)

// Open создаёт хранилище по конфигурации (TM_BLOB_BACKEND).
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.BlobBackend {
	case config.BlobBackendS3:
		return NewS3Store(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			UsePathStyle:    cfg.S3UsePathStyle,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		}, logger)
	case config.BlobBackendFS:
		s, err := NewFSStore(cfg.BlobFSDir)
		if err != nil {
			return nil, err
		}
		logger.Info("Файловое хранилище снимков", slog.String("dir", cfg.BlobFSDir))
		return s, nil
	default:
		return nil, fmt.Errorf("неизвестный backend хранилища: %q", cfg.BlobBackend)
	}
}
