// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// S3 store
// -----------------------------------------------------------------------------

// DefaultMultipartThreshold is the object size beyond which writes
// switch to multipart upload.
const DefaultMultipartThreshold = 5 << 20

// S3Store is an ObjectStore over one bucket prefix. Versions are ETags;
// conditional creates use server-side If-None-Match / If-Match headers so
// the contract holds across processes.
type S3Store struct {
	client    *s3.Client
	uploader  *manager.Uploader
	bucket    string
	prefix    string
	threshold int64
	locks     *lockTable
}

// NewS3Store builds a store using the default AWS credential chain.
func NewS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	if bucket == "" {
		return nil, errs.Validation("storage.open", "missing bucket")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "storage.open", err, "load aws config")
	}
	return NewS3StoreWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewS3StoreWithClient builds a store around an existing client, for R2
// and for tests with custom endpoints.
func NewS3StoreWithClient(client *s3.Client, bucket, prefix string) *S3Store {
	prefix = strings.Trim(prefix, "/")
	return &S3Store{
		client:    client,
		uploader:  manager.NewUploader(client),
		bucket:    bucket,
		prefix:    prefix,
		threshold: DefaultMultipartThreshold,
		locks:     newLockTable(),
	}
}

// WithMultipartThreshold overrides the multipart cutoff. Zero disables
// multipart entirely.
func (s *S3Store) WithMultipartThreshold(threshold int64) *S3Store {
	s.threshold = threshold
	return s
}

func (s *S3Store) key(path string) string {
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

func (s *S3Store) unkey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

func isNoSuchKey(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
	}
	return false
}

func trimETag(etag *string) string {
	if etag == nil {
		return ""
	}
	return strings.Trim(*etag, `"`)
}

// Read returns the whole object or a not-found error.
func (s *S3Store) Read(ctx context.Context, path string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, errs.NotFound("storage.read", path)
		}
		return nil, errs.Storage("storage.read", path, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.Storage("storage.read", path, err)
	}
	return data, nil
}

// Write stores the object unconditionally. Objects beyond the multipart
// threshold go through the multipart uploader.
func (s *S3Store) Write(ctx context.Context, path string, data []byte) error {
	if s.threshold > 0 && int64(len(data)) > s.threshold {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(path)),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return errs.Storage("storage.write", path, err)
		}
		return nil
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return errs.Storage("storage.write", path, err)
	}
	return nil
}

// ReadRange issues a ranged GET for bytes [start, end).
func (s *S3Store) ReadRange(ctx context.Context, path string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, errs.Validation("storage.range", "invalid range [%d,%d)", start, end)
	}
	if start == end {
		return []byte{}, nil
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end-1)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, errs.NotFound("storage.range", path)
		}
		var apiErr smithy.APIError
		// A start past the end of the object yields InvalidRange; the
		// contract clamps to an empty result instead.
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return []byte{}, nil
		}
		return nil, errs.Storage("storage.range", path, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.Storage("storage.range", path, err)
	}
	return data, nil
}

// List pages through ListObjectsV2 under prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errs.Storage("storage.list", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue // directory marker
			}
			keys = append(keys, s.unkey(key))
		}
	}
	return keys, nil
}

// Stat issues a HEAD request; absent objects return (nil, nil).
func (s *S3Store) Stat(ctx context.Context, path string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, errs.Storage("storage.stat", path, err)
	}
	info := &ObjectInfo{
		Size:    aws.ToInt64(out.ContentLength),
		Version: trimETag(out.ETag),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// Delete removes the object; S3 deletes are idempotent.
func (s *S3Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return errs.Storage("storage.delete", path, err)
	}
	return nil
}

// Version returns the ETag, or "" when absent.
func (s *S3Store) Version(ctx context.Context, path string) (string, error) {
	info, err := s.Stat(ctx, path)
	if err != nil || info == nil {
		return "", err
	}
	return info.Version, nil
}

// ConditionalCreate maps the version contract onto S3 conditional
// headers: If-None-Match for create-if-absent, If-Match for replacement.
func (s *S3Store) ConditionalCreate(ctx context.Context, path string, data []byte, expectedVersion string) (string, error) {
	lock := s.locks.get(path)
	lock.Lock()
	defer lock.Unlock()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   bytes.NewReader(data),
	}
	if expectedVersion == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(`"` + expectedVersion + `"`)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			current, verr := s.Version(ctx, path)
			if verr != nil {
				current = "unknown"
			}
			return "", errs.VersionMismatch("storage.conditionalCreate", path, expectedVersion, current)
		}
		return "", errs.Storage("storage.conditionalCreate", path, err)
	}
	return trimETag(out.ETag), nil
}

var _ ObjectStore = (*S3Store)(nil)
