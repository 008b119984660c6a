// Package s3store keeps remote records as objects in an S3-compatible
// bucket, one object per note with sync metadata in object headers.
package s3store

//go:generate mockgen -source=s3store.go -destination=mock_api.go -package=s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/transport"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"
)

const (
	metaVersion  = "sync-version"
	metaModified = "modified-date"

	// maxPayloadBytes caps a single object read.
	maxPayloadBytes = 64 * 1024 * 1024

	// headParallelism bounds concurrent HeadObject calls while listing.
	headParallelism = 8
)

// API is the subset of *s3.Client used by the transport.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Config holds connection settings for an S3-compatible endpoint.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// NewClient builds an S3 client with static credentials. SDK-level
// retries are disabled; transport.WithRetry owns retry policy.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}

		o.RetryMaxAttempts = 1
	}), nil
}

// Transport implements transport.Transport on an S3 bucket.
type Transport struct {
	client API
	bucket string
	prefix string
}

// New returns a transport storing objects under prefix in bucket.
func New(client API, bucket, prefix string) *Transport {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Transport{client: client, bucket: bucket, prefix: prefix}
}

// Ping checks that the bucket exists and the credentials can reach it.
func (t *Transport) Ping(ctx context.Context) error {
	_, err := t.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(t.bucket)})
	if err != nil {
		return classify("head bucket "+t.bucket, err)
	}

	return nil
}

func (t *Transport) key(id string) string {
	return t.prefix + id
}

// ListManifest lists object keys and then reads each object's metadata.
// S3 listings do not carry user metadata, so one HEAD per object is
// unavoidable. Objects with unreadable metadata are listed as Invalid.
func (t *Transport) ListManifest(ctx context.Context) ([]models.ManifestEntry, error) {
	var ids []string

	input := &s3.ListObjectsV2Input{Bucket: aws.String(t.bucket), Prefix: aws.String(t.prefix)}

	for {
		out, err := t.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, classify("list objects", err)
		}

		for _, obj := range out.Contents {
			id := strings.TrimPrefix(aws.ToString(obj.Key), t.prefix)
			if transport.ValidateID(id) == nil {
				ids = append(ids, id)
			}
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}

		input.ContinuationToken = out.NextContinuationToken
	}

	entries := make([]models.ManifestEntry, len(ids))
	keep := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(headParallelism)

	for i, id := range ids {
		g.Go(func() error {
			head, err := t.client.HeadObject(gctx, &s3.HeadObjectInput{Bucket: aws.String(t.bucket), Key: aws.String(t.key(id))})
			if err != nil {
				if isNotFound(err) {
					return nil
				}

				return classify("head object "+id, err)
			}

			entry, err := entryFromMetadata(id, head.Metadata)
			if err != nil {
				entry = models.ManifestEntry{ID: id, Invalid: true}
			}

			entries[i] = entry
			keep[i] = true

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := entries[:0]
	for i, e := range entries {
		if keep[i] {
			out = append(out, e)
		}
	}

	return out, nil
}

// GetPayload downloads one object. Metadata and body come from the same
// GET response so they always describe the same version.
func (t *Transport) GetPayload(ctx context.Context, id string) (models.RemoteRecord, error) {
	if err := transport.ValidateID(id); err != nil {
		return models.RemoteRecord{}, err
	}

	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(t.bucket), Key: aws.String(t.key(id))})
	if err != nil {
		return models.RemoteRecord{}, classify("get object "+id, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, maxPayloadBytes+1))
	if err != nil {
		return models.RemoteRecord{}, transport.Transient(fmt.Errorf("%w: reading object %s: %w", syncerr.ErrTransport, id, err))
	}

	if len(body) > maxPayloadBytes {
		return models.RemoteRecord{}, fmt.Errorf("%w: object %s exceeds %d bytes", syncerr.ErrInvalidRecord, id, maxPayloadBytes)
	}

	entry, err := entryFromMetadata(id, out.Metadata)
	if err != nil {
		return models.RemoteRecord{}, err
	}

	return models.RemoteRecord{
		ID:           id,
		SyncVersion:  entry.SyncVersion,
		ModifiedDate: entry.ModifiedDate,
		Payload:      body,
	}, nil
}

// PutRecord uploads the payload with its metadata in a single PUT, which
// S3 applies atomically.
func (t *Transport) PutRecord(ctx context.Context, rec models.RemoteRecord) error {
	if err := transport.ValidateID(rec.ID); err != nil {
		return err
	}

	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(t.key(rec.ID)),
		Body:          bytes.NewReader(rec.Payload),
		ContentLength: aws.Int64(int64(len(rec.Payload))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata: map[string]string{
			metaVersion:  strconv.FormatInt(rec.SyncVersion, 10),
			metaModified: rec.ModifiedDate.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return classify("put object "+rec.ID, err)
	}

	return nil
}

// DeleteRecord removes an object. S3 deletes are idempotent.
func (t *Transport) DeleteRecord(ctx context.Context, id string) error {
	if err := transport.ValidateID(id); err != nil {
		return err
	}

	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(t.bucket), Key: aws.String(t.key(id))})
	if err != nil && !isNotFound(err) {
		return classify("delete object "+id, err)
	}

	return nil
}

func entryFromMetadata(id string, meta map[string]string) (models.ManifestEntry, error) {
	version, err := strconv.ParseInt(lookup(meta, metaVersion), 10, 64)
	if err != nil {
		return models.ManifestEntry{}, fmt.Errorf("%w: object %s has no sync version", syncerr.ErrInvalidRecord, id)
	}

	modified, err := time.Parse(time.RFC3339Nano, lookup(meta, metaModified))
	if err != nil {
		return models.ManifestEntry{}, fmt.Errorf("%w: object %s has no modified date", syncerr.ErrInvalidRecord, id)
	}

	return models.ManifestEntry{ID: id, SyncVersion: version, ModifiedDate: modified}, nil
}

// lookup reads metadata case-insensitively; some S3-compatible servers
// return canonicalised header names.
func lookup(meta map[string]string, key string) string {
	if v, ok := meta[key]; ok {
		return v
	}

	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return v
		}
	}

	return ""
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey

	var nf *types.NotFound

	return errors.As(err, &nsk) || errors.As(err, &nf)
}

var authCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"InvalidToken":          true,
}

var transientCodes = map[string]bool{
	"SlowDown":           true,
	"InternalError":      true,
	"ServiceUnavailable": true,
	"RequestTimeout":     true,
}

// classify maps SDK errors onto the sync error taxonomy.
func classify(op string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s: %w", syncerr.ErrNotFound, op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()

		switch {
		case authCodes[code]:
			return fmt.Errorf("%w: %s: %w", syncerr.ErrAuthentication, op, err)
		case transientCodes[code]:
			return transport.Transient(fmt.Errorf("%w: %s: %w", syncerr.ErrTransport, op, err))
		default:
			return fmt.Errorf("%w: %s: %w", syncerr.ErrTransport, op, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return transport.Transient(fmt.Errorf("%w: %s: %w", syncerr.ErrTransport, op, err))
	}

	return fmt.Errorf("%w: %s: %w", syncerr.ErrTransport, op, err)
}
