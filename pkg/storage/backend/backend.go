// Package backend builds the configured blob storage.
package backend

import (
	"context"
	"fmt"

	"github.com/feichai0017/page-colorizer/config"
	"github.com/feichai0017/page-colorizer/pkg/logger"
	"github.com/feichai0017/page-colorizer/pkg/storage"
	"github.com/feichai0017/page-colorizer/pkg/storage/minio"
	"github.com/feichai0017/page-colorizer/pkg/storage/s3"
)

// New 创建存储实例的工厂方法
func New(ctx context.Context, cfg config.StorageConfig, log logger.Logger) (storage.Storage, error) {
	switch storage.StorageType(cfg.Backend) {
	case storage.StorageTypeLocal:
		return storage.NewLocalStorage(cfg.LocalDir, log)
	case storage.StorageTypeMemory:
		return storage.NewMemoryStorage(log), nil
	case storage.StorageTypeS3:
		return s3.NewS3Storage(ctx, cfg.S3, log)
	case storage.StorageTypeMinio:
		return minio.NewMinioStorage(ctx, cfg.Minio, log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Backend)
	}
}
