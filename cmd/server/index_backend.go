package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"crowdsim/internal/logging"
	"crowdsim/internal/persistence/indexdb"
	"crowdsim/internal/persistence/s3mirror"
)

// openRuntimeIndex opens the optional read-model index for a run. It does not
// affect simulation determinism; a nil index simply means no SQL queries.
func openRuntimeIndex(runDir string, disableDB bool, log logging.Log) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("CROWDSIM_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		log.Info("index backend disabled", logging.String("backend", backend))
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(runDir, "index", "run.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported CROWDSIM_INDEX_BACKEND: %s", backend)
	}
}

// openSnapshotMirror returns nil unless CROWDSIM_MIRROR_ENDPOINT is set.
func openSnapshotMirror(log logging.Log) (*s3mirror.Mirror, error) {
	endpoint := strings.TrimSpace(os.Getenv("CROWDSIM_MIRROR_ENDPOINT"))
	if endpoint == "" {
		return nil, nil
	}
	bucket, err := s3mirror.NewBucket(s3mirror.Config{
		Endpoint:        endpoint,
		Bucket:          os.Getenv("CROWDSIM_MIRROR_BUCKET"),
		Region:          os.Getenv("CROWDSIM_MIRROR_REGION"),
		AccessKeyID:     os.Getenv("CROWDSIM_MIRROR_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("CROWDSIM_MIRROR_SECRET_ACCESS_KEY"),
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot mirror: %w", err)
	}
	log.Info("snapshot mirror enabled", logging.String("endpoint", endpoint))
	return s3mirror.NewMirror(bucket, s3mirror.Options{
		Prefix:  os.Getenv("CROWDSIM_MIRROR_PREFIX"),
		Workers: 2,
	}, log.With(logging.String("component", "mirror"))), nil
}
