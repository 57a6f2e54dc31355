package store

import (
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"titan/internal/core"
)

// BackupConfig tunes where backups land on disk and, optionally, in S3.
type BackupConfig struct {
	Dir      string
	S3Bucket string // empty disables S3 upload
	S3Prefix string
}

// Backup snapshots the database file to a gzip-compressed, timestamped copy
// under cfg.Dir, verifies it restores cleanly, and best-effort uploads it to
// S3 if cfg.S3Bucket is set. A failed S3 upload never fails the backup: the
// local file is the source of truth.
func (s *Store) Backup(ctx context.Context, dbPath string, cfg BackupConfig) (string, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
	backupPath := filepath.Join(cfg.Dir, fmt.Sprintf("backup-%s.db.gz", stamp))

	// Fold the WAL into the main file so the copy holds every committed write.
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return "", fmt.Errorf("failed to checkpoint wal: %w", err)
	}

	if err := gzipFile(dbPath, backupPath); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	if err := verifyBackup(backupPath); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("backup integrity check failed: %w", err)
	}

	if cfg.S3Bucket != "" {
		if err := s.uploadToS3(ctx, backupPath, cfg); err != nil {
			s.logger.Warn("s3 backup upload failed, local backup retained", "path", backupPath, "error", err)
		}
	}

	return backupPath, nil
}

func gzipFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		return err
	}
	return gz.Close()
}

// verifyBackup decompresses the backup to a scratch file and opens it as a
// SQLite database, confirming the schema's core tables exist before the
// backup is trusted.
func verifyBackup(backupPath string) error {
	tmp, err := os.CreateTemp("", "titan-backup-verify-*.db")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	defer tmp.Close()

	gzFile, err := os.Open(backupPath)
	if err != nil {
		return err
	}
	defer gzFile.Close()

	gz, err := gzip.NewReader(gzFile)
	if err != nil {
		return fmt.Errorf("corrupt gzip stream: %w", err)
	}
	defer gz.Close()

	if _, err := io.Copy(tmp, gz); err != nil {
		return fmt.Errorf("corrupt backup payload: %w", err)
	}
	tmp.Close()

	db, err := sql.Open("sqlite3", tmpPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var count int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name IN ('trades','positions','system_events')`).Scan(&count); err != nil {
		return fmt.Errorf("verification query failed: %w", err)
	}
	if count < 3 {
		return fmt.Errorf("backup missing expected tables: found %d of 3", count)
	}
	return nil
}

func (s *Store) uploadToS3(ctx context.Context, backupPath string, cfg BackupConfig) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load aws config: %w", err)
	}

	f, err := os.Open(backupPath)
	if err != nil {
		return err
	}
	defer f.Close()

	key := filepath.Join(cfg.S3Prefix, filepath.Base(backupPath))
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(cfg.S3Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	s.logger.Info("backup uploaded to s3", "bucket", cfg.S3Bucket, "key", key)
	return nil
}

// Restore verifies a gzip backup and decompresses it into dbPath, creating
// the file or overwriting whatever dbPath already holds.
func Restore(backupPath, dbPath string, logger core.ILogger) error {
	if err := verifyBackup(backupPath); err != nil {
		return fmt.Errorf("refusing to restore unverified backup: %w", err)
	}

	gzFile, err := os.Open(backupPath)
	if err != nil {
		return err
	}
	defer gzFile.Close()

	gz, err := gzip.NewReader(gzFile)
	if err != nil {
		return err
	}
	defer gz.Close()

	dst, err := os.Create(dbPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, gz); err != nil {
		return err
	}
	logger.Info("database restored from backup", "backup_path", backupPath, "db_path", dbPath)
	return nil
}
