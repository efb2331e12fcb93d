/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tradelog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// ObjectStore is the slice of the S3 API the archiver needs; R2 and any other
// S3-compatible store satisfy it through the SDK client.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiverConfig points the uploader at an S3-compatible bucket. Endpoint is the R2 (or
// other S3-compatible) endpoint URL; empty means plain S3.
type ArchiverConfig struct {
	Bucket   string
	Prefix   string
	Endpoint string
	Interval time.Duration // default 1h
}

// Archiver periodically uploads rotated trade-log files and removes them locally. The
// active file is never touched.
type Archiver struct {
	log    *Log
	store  ObjectStore
	cfg    ArchiverConfig
	logger *zap.SugaredLogger
}

// NewArchiver builds an archiver against the default AWS credential chain.
func NewArchiver(ctx context.Context, log *Log, cfg ArchiverConfig, logger *zap.SugaredLogger) (*Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading object store credentials, %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewArchiverWithStore(log, client, cfg, logger), nil
}

// NewArchiverWithStore injects the object store, for tests.
func NewArchiverWithStore(log *Log, store ObjectStore, cfg ArchiverConfig, logger *zap.SugaredLogger) *Archiver {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	return &Archiver{log: log, store: store, cfg: cfg, logger: logger.Named("archiver")}
}

// Run uploads on an interval until the context is canceled, with a final sweep on the way out.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			a.sweep(sweepCtx)
			cancel()
			return nil
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Archiver) sweep(ctx context.Context) {
	rotated, err := a.log.RotatedFiles()
	if err != nil {
		a.logger.Errorw("failed to list rotated trade logs", "error", err)
		return
	}
	for _, path := range rotated {
		if err := a.upload(ctx, path); err != nil {
			a.logger.Errorw("failed to archive trade log", "file", path, "error", err)
			continue
		}
		if err := os.Remove(path); err != nil {
			a.logger.Errorw("failed to remove archived trade log", "file", path, "error", err)
		}
	}
}

func (a *Archiver) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s, %w", path, err)
	}
	defer f.Close()
	key := filepath.Base(path)
	if a.cfg.Prefix != "" {
		key = a.cfg.Prefix + "/" + key
	}
	if _, err := a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("uploading %s, %w", key, err)
	}
	a.logger.Infow("archived trade log", "file", path, "key", key)
	return nil
}
