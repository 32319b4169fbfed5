// Package archive is the optional periodic S3 upload of completed runs'
// event-log replay files (SPEC_FULL.md's DOMAIN STACK, "archive.s3-bucket"
// in the option table), off by default. Grounded on
// storage/s3aws.go's AWS-native client construction
// (config.LoadDefaultConfig + s3.NewFromConfig) and its
// manager.NewUploader/HetznerUploaderFile upload shape, trimmed to the one
// backend this repo needs (plain AWS S3, no LakeFS/MinIO/Hetzner
// endpoint juggling) and adapted from ad-hoc per-call client construction
// to a long-lived Archiver built once at startup.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/store"
)

// Config selects the destination bucket/prefix and the local source of
// replay files to archive.
type Config struct {
	Bucket        string
	Region        string // default "us-east-1"
	Prefix        string // key prefix inside the bucket, default "taskdaemon"
	ReplayDir     string // directory eventbus.New was given as replayDir
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.Prefix == "" {
		c.Prefix = "taskdaemon"
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

// Enabled reports whether archival should run at all, matching
// "archive.s3-bucket ... off by default".
func (c Config) Enabled() bool { return c.Bucket != "" }

// Archiver uploads a completed run's replay file to S3 once, marking it
// done with a local sidecar file so a restart doesn't re-upload; runs
// carry no "archived" field of their own, so this is simpler than adding
// one to every collection just for this optional feature.
type Archiver struct {
	cfg      Config
	uploader *manager.Uploader
	log      *logrus.Entry
}

// New builds an Archiver against AWS S3 using ambient credentials
// (environment, shared config file, or instance role), same resolution
// AWS SDK v2's config.LoadDefaultConfig always uses.
func New(ctx context.Context, cfg Config, log *logrus.Logger) (*Archiver, error) {
	cfg = cfg.withDefaults()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &Archiver{
		cfg:      cfg,
		uploader: manager.NewUploader(client),
		log:      log.WithField("component", "archive"),
	}, nil
}

func (a *Archiver) markerPath(runID string) string {
	return filepath.Join(a.cfg.ReplayDir, runID+".archived")
}

func (a *Archiver) alreadyArchived(runID string) bool {
	_, err := os.Stat(a.markerPath(runID))
	return err == nil
}

// ArchiveRun uploads runID's replay file to
// s3://bucket/prefix/runID.jsonl and drops a local marker so a later
// sweep skips it. A missing replay file (a run that never emitted an
// event, or was already swept and its local copy cleaned up by something
// else) is not an error.
func (a *Archiver) ArchiveRun(ctx context.Context, runID string) error {
	if a.alreadyArchived(runID) {
		return nil
	}
	srcPath := filepath.Join(a.cfg.ReplayDir, runID+".jsonl")
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("archive: open replay file: %w", err)
	}
	defer f.Close()

	key := a.cfg.Prefix + "/" + runID + ".jsonl"
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("archive: upload %s: %w", runID, err)
	}

	if err := os.WriteFile(a.markerPath(runID), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		a.log.WithError(err).WithField("run_id", runID).Warn("archive: marker write failed")
	}
	return nil
}

// Sweep scans every terminal Ralph run in st and archives any whose
// replay file hasn't been uploaded yet. It is meant to be called on a
// ticker from a long-running goroutine (see Run).
func (a *Archiver) Sweep(ctx context.Context, st *store.Store) {
	recs, err := st.List(ctx, "runs")
	if err != nil {
		a.log.WithError(err).Warn("archive: list runs failed")
		return
	}
	for _, r := range recs {
		run, ok := r.(*model.Run)
		if !ok || !run.Status.Terminal() {
			continue
		}
		if err := a.ArchiveRun(ctx, run.ID); err != nil {
			a.log.WithError(err).WithField("run_id", run.ID).Warn("archive: sweep upload failed")
		}
	}
}

// Run sweeps on cfg.SweepInterval until ctx is canceled.
func (a *Archiver) Run(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()
	a.Sweep(ctx, st)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx, st)
		}
	}
}
