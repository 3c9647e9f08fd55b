package backend

import (
	"context"
	"fmt"

	"github.com/copygo/uploader/internal/backend/drive"
	s3backend "github.com/copygo/uploader/internal/backend/s3"
	"github.com/copygo/uploader/internal/config"
)

// New creates a Client from the configured backend type.
func New(ctx context.Context, cfg *config.Config) (Client, error) {
	switch cfg.Backend {
	case "drive":
		return drive.New(drive.Config{
			APIBase:            cfg.DriveAPIBase,
			TokenURL:           cfg.DriveTokenURL,
			ServiceAccountJSON: cfg.ServiceAccountJSON,
			ClientEmail:        cfg.ClientEmail,
			PrivateKey:         cfg.PrivateKey,
		}), nil
	case "s3":
		return s3backend.New(ctx, s3backend.Config{
			Endpoint:     cfg.S3Endpoint,
			Bucket:       cfg.S3Bucket,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Region:       cfg.S3Region,
			UseSSL:       cfg.S3UseSSL,
			MaxFileBytes: cfg.MaxFileBytes,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend)
	}
}
