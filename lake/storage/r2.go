// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/AleutianAI/driftlake/pkg/errs"
)

// -----------------------------------------------------------------------------
// R2 store
// -----------------------------------------------------------------------------

// R2 environment variables read when options are not supplied explicitly.
const (
	EnvR2AccountID       = "R2_ACCOUNT_ID"
	EnvR2AccessKeyID     = "R2_ACCESS_KEY_ID"
	EnvR2SecretAccessKey = "R2_SECRET_ACCESS_KEY"
)

// R2Options configures a Cloudflare R2 store. Unset fields fall back to
// the R2_* environment variables.
type R2Options struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
}

func (o R2Options) withEnv() R2Options {
	if o.AccountID == "" {
		o.AccountID = os.Getenv(EnvR2AccountID)
	}
	if o.AccessKeyID == "" {
		o.AccessKeyID = os.Getenv(EnvR2AccessKeyID)
	}
	if o.SecretAccessKey == "" {
		o.SecretAccessKey = os.Getenv(EnvR2SecretAccessKey)
	}
	return o
}

// NewR2Store builds an ObjectStore over a Cloudflare R2 bucket. R2 speaks
// the S3 API, so the store is an S3Store pointed at the account endpoint
// with region "auto".
func NewR2Store(ctx context.Context, bucket, prefix string, opts R2Options) (*S3Store, error) {
	if bucket == "" {
		return nil, errs.Validation("storage.open", "missing bucket")
	}
	opts = opts.withEnv()
	if opts.AccountID == "" {
		return nil, errs.Validation("storage.open", "missing R2 account id (set %s)", EnvR2AccountID)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion("auto"),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "storage.open", err, "load r2 config")
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", opts.AccountID)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return NewS3StoreWithClient(client, bucket, prefix), nil
}
