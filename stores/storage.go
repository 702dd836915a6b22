package stores

import (
	"context"
	"fmt"

	"whiteboard-server/config"
	"whiteboard-server/core"
	"whiteboard-server/stores/aws"
	"whiteboard-server/stores/filesystem"
	"whiteboard-server/stores/memory"
	"whiteboard-server/stores/postgres"
	"whiteboard-server/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// GetStore opens the backend selected by cfg.StorageType and wraps it with
// Validating.
func GetStore(ctx context.Context, cfg *config.Config) (core.DocumentStore, error) {
	var (
		store core.DocumentStore
		err   error
	)

	storageField := logrus.Fields{
		"storage_type": cfg.StorageType,
	}

	switch cfg.StorageType {
	case config.StorageFilesystem:
		storageField["base_path"] = cfg.LocalStoragePath
		store, err = filesystem.NewStore(cfg.LocalStoragePath)
	case config.StorageSQLite:
		storageField["data_source_name"] = cfg.DataSourceName
		store, err = sqlite.NewStore(cfg.DataSourceName)
	case config.StorageS3:
		storageField["bucket_name"] = cfg.S3BucketName
		store, err = aws.NewStore(ctx, cfg.S3BucketName)
	case config.StoragePostgres:
		store, err = postgres.NewStore(cfg.DatabaseURL)
	case config.StorageMemory, "":
		store = memory.NewStore()
		storageField["storage_type"] = "in-memory"
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
	if err != nil {
		logrus.WithFields(storageField).WithError(err).Error("Failed to open storage")
		return nil, err
	}

	logrus.WithFields(storageField).Info("Use storage")
	return Validating(store), nil
}
