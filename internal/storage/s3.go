package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	logx "feedagent/pkg/logx"
)

const defaultS3Key = "feedagent/state.json"

// s3Store writes the state document to one object and each audit entry to
// its own object under <key dir>/audit/YYYY/MM/DD/.
type s3Store struct {
	log    logx.Logger
	client *s3.Client
	up     *manager.Uploader
	down   *manager.Downloader

	bucket string
	key    string
	format string
	seq    atomic.Uint64
}

func openS3(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("storage.bucket is required for s3 driver")
	}
	key := strings.TrimLeft(strings.TrimSpace(cfg.Key), "/")
	if key == "" {
		key = defaultS3Key
	}
	format, err := formatOf(cfg.Format, key)
	if err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
			o.BaseEndpoint = aws.String(ep)
			o.UsePathStyle = true
		}
	})

	return &s3Store{
		log:    log,
		client: client,
		up:     manager.NewUploader(client),
		down:   manager.NewDownloader(client),
		bucket: bucket,
		key:    key,
		format: format,
	}, nil
}

func (s *s3Store) Close() error { return nil }

func (s *s3Store) SaveState(ctx context.Context, st State) error {
	st.stamp()
	b, err := encodeState(s.format, st)
	if err != nil {
		return err
	}
	_, err = s.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(b),
		ContentType: aws.String(contentType(s.format)),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, s.key, err)
	}
	s.log.Debug("state saved", logx.String("bucket", s.bucket), logx.String("key", s.key), logx.Int("bytes", len(b)))
	return nil
}

func (s *s3Store) LoadState(ctx context.Context) (State, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.down.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if isS3NotFound(err) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return decodeState(s.format, buf.Bytes())
}

func (s *s3Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	e.stamp()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(auditKey(s.key, e.At, s.seq.Add(1))),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	return err
}

// auditKey sorts lexically by time within a day.
func auditKey(stateKey string, at time.Time, seq uint64) string {
	at = at.UTC()
	return path.Join(path.Dir(stateKey), "audit", at.Format("2006/01/02"),
		fmt.Sprintf("%s-%06d.json", at.Format("150405.000000000"), seq))
}

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
