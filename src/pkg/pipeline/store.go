package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"gopkg.in/yaml.v3"
)

// ErrRunNotFound is returned by Load when no record exists for the run
var ErrRunNotFound = errors.New("run not found")

var runIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func validateRunID(runID string) error {
	if !runIDRegex.MatchString(runID) {
		return apperrors.Validation("run_id", "%q is not a valid run id", runID)
	}
	return nil
}

// encodeRecord stamps a copy of rec and marshals it
func encodeRecord(rec *Record) ([]byte, error) {
	if err := validateRunID(rec.RunID); err != nil {
		return nil, err
	}
	stamped := *rec
	stamped.Outputs = rec.Outputs.Clone()
	stamped.SavedAt = time.Now().UTC()
	data, err := yaml.Marshal(&stamped)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run %s: %w", rec.RunID, err)
	}
	return data, nil
}

func decodeRecord(runID string, data []byte) (*Record, error) {
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	if rec.Outputs == nil {
		rec.Outputs = models.StageOutput{}
	}
	return &rec, nil
}

// FileStore keeps one <runID>.yaml per run under Dir
type FileStore struct {
	Dir string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (s *FileStore) recordPath(runID string) string {
	return filepath.Join(s.Dir, runID+".yaml")
}

func (s *FileStore) Save(_ context.Context, rec *Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	runID := rec.RunID
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	// write then rename so a crash never leaves a half-written record
	tmp, err := os.CreateTemp(s.Dir, runID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write run %s: %w", runID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write run %s: %w", runID, err)
	}
	if err := os.Rename(tmp.Name(), s.recordPath(runID)); err != nil {
		return fmt.Errorf("failed to write run %s: %w", runID, err)
	}
	logger.WithField("run", runID).WithField("stage", rec.Stage).WithField("state", rec.State).
		WithField("path", s.recordPath(runID)).Debug("Saved run state")
	return nil
}

func (s *FileStore) Load(_ context.Context, runID string) (*Record, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.recordPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	return decodeRecord(runID, data)
}

// S3API is the subset of the S3 client used by S3Store
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps one <prefix>/<runID>.yaml object per run. Works with any
// S3-compatible endpoint.
type S3Store struct {
	client S3API
	Bucket string
	Prefix string
}

var _ Store = (*S3Store)(nil)

func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, Bucket: bucket, Prefix: prefix}
}

// NewS3Store builds an S3 client from the default AWS credential chain. When
// S3_ACCESS_KEY and S3_SECRET_KEY are set they take precedence, for
// S3-compatible stores outside AWS.
func NewS3Store(ctx context.Context, cfg StoreConfig) (*S3Store, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if ak, sk := os.Getenv("S3_ACCESS_KEY"), os.Getenv("S3_SECRET_KEY"); ak != "" && sk != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(ak, sk, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3StoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func (s *S3Store) key(runID string) string {
	return path.Join(s.Prefix, runID+".yaml")
}

func (s *S3Store) Save(ctx context.Context, rec *Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	runID := rec.RunID
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(s.key(runID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/yaml"),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", s.Bucket, s.key(runID), err)
	}
	logger.WithField("run", runID).WithField("stage", rec.Stage).WithField("state", rec.State).
		WithField("bucket", s.Bucket).Debug("Saved run state")
	return nil
}

func (s *S3Store) Load(ctx context.Context, runID string) (*Record, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(runID)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.Bucket, s.key(runID), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	return decodeRecord(runID, data)
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	// S3-compatible services do not always return the typed error
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// NewStore builds the store selected by cfg
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Kind {
	case StoreKindS3:
		return NewS3Store(ctx, cfg)
	case StoreKindFile, "":
		dir := cfg.Dir
		if dir == "" {
			dir = DefaultStoreDir
		}
		return NewFileStore(dir), nil
	}
	return nil, apperrors.Validation("store.kind", "unsupported store kind %q", cfg.Kind)
}
