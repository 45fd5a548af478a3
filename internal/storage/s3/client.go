package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
	"assetvault/internal/storage"
)

const defaultTimeout = 30 * time.Second

type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UsePathStyle    bool
}

// Client: blob-хранилище в S3-совместимом сервисе.
// Бакет создаётся при первом обращении, если его ещё нет.
type Client struct {
	client *s3.Client
	bucket string
	region string
	log    *logger.Logger

	mu    sync.Mutex
	ready bool
}

var _ storage.Backend = (*Client)(nil)

// NewClient создает новый экземпляр клиента S3
func NewClient(conf *Config, log *logger.Logger) (*Client, error) {
	if conf == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if conf.AccessKeyID == "" || conf.SecretAccessKey == "" || conf.Bucket == "" {
		return nil, fmt.Errorf("missing required configuration: accessKeyID, secretAccessKey, and bucket are required")
	}

	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		conf.AccessKeyID,
		conf.SecretAccessKey,
		"",
	))

	client := s3.New(s3.Options{
		BaseEndpoint:               aws.String(conf.Endpoint),
		Region:                     conf.Region,
		Credentials:                creds,
		UsePathStyle:               conf.UsePathStyle,
		RetryMode:                  aws.RetryModeAdaptive,
		RetryMaxAttempts:           3,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})

	return &Client{
		client: client,
		bucket: conf.Bucket,
		region: conf.Region,
		log:    log.With("component", "S3Storage", "bucket", conf.Bucket),
	}, nil
}

func (h *Client) Name() string { return "s3" }

// ensureBucket проверяет бакет и создаёт его, если он отсутствует.
func (h *Client) ensureBucket(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ready {
		return nil
	}

	_, err := h.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(h.bucket)})
	if err == nil {
		h.ready = true
		return nil
	}
	if !isNotFound(err) {
		return h.wrap("head bucket", err)
	}

	h.log.Info("bucket not found, creating")
	input := &s3.CreateBucketInput{Bucket: aws.String(h.bucket)}
	if h.region != "" && h.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(h.region),
		}
	}
	_, err = h.client.CreateBucket(ctx, input)
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if !errors.As(err, &owned) {
			return h.wrap("create bucket", err)
		}
	}
	h.ready = true
	return nil
}

func (h *Client) Get(ctx context.Context, path string) ([]byte, error) {
	key, err := storage.Key(path)
	if err != nil {
		return nil, err
	}
	if err := h.ensureBucket(ctx); err != nil {
		return nil, err
	}

	result, err := h.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.NotFound(path)
		}
		return nil, h.wrap("get object", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, h.wrap("read object", err)
	}
	return data, nil
}

func (h *Client) Put(ctx context.Context, path string, data []byte, meta storage.Metadata) error {
	key, err := storage.Key(path)
	if err != nil {
		return err
	}
	if err := h.ensureBucket(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(h.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      objectMetadata(meta),
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}
	if _, err := h.client.PutObject(ctx, input); err != nil {
		return h.wrap("put object", err)
	}
	return nil
}

func objectMetadata(meta storage.Metadata) map[string]string {
	m := map[string]string{}
	if meta.Signature != "" {
		m["signature"] = meta.Signature
	}
	if meta.Version > 0 {
		m["version"] = strconv.Itoa(meta.Version)
	}
	return m
}

func (h *Client) Delete(ctx context.Context, path string) error {
	key, err := storage.Key(path)
	if err != nil {
		return err
	}
	if err := h.ensureBucket(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	// S3 удаляет несуществующие ключи без ошибки, поэтому сначала HEAD
	_, err = h.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.NotFound(path)
		}
		return h.wrap("head object", err)
	}

	_, err = h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return h.wrap("delete object", err)
	}
	return nil
}

func (h *Client) PutMany(ctx context.Context, items []storage.Item) storage.BatchResult {
	return storage.PutEach(ctx, h, items)
}

func (h *Client) DeleteMany(ctx context.Context, paths []string) storage.BatchResult {
	return storage.DeleteEach(ctx, h, paths)
}

func (h *Client) GetLastDump(ctx context.Context, format domain.DumpFormat) (*domain.DumpFile, error) {
	if err := h.ensureBucket(ctx); err != nil {
		return nil, err
	}

	var entries []storage.DumpEntry
	paginator := s3.NewListObjectsV2Paginator(h.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(h.bucket),
		Prefix: aws.String(storage.DumpDir + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, h.wrap("list dumps", err)
		}
		for _, obj := range page.Contents {
			e, ok := storage.ParseDumpKey(aws.ToString(obj.Key), format)
			if !ok {
				continue
			}
			e.ModTime = aws.ToTime(obj.LastModified)
			entries = append(entries, e)
		}
	}

	latest, ok := storage.Latest(entries)
	if !ok {
		return nil, storage.NoDump(format)
	}
	data, err := h.Get(ctx, latest.Path)
	if err != nil {
		return nil, err
	}
	return storage.NewDumpFile(latest, format, data), nil
}

func (h *Client) wrap(op string, err error) error {
	if isBadCredential(err) {
		return fmt.Errorf("%w: s3 %s: %v", domain.ErrBadCredential, op, err)
	}
	return storage.BackendErr(h.Name(), op, err)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}

func isBadCredential(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied", "Forbidden", "Unauthorized":
		return true
	}
	return false
}
