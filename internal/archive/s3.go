// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package archive

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config names the bucket and optional S3-compatible endpoint an
// S3Backend uploads to, adapted from the teacher's S3Factory.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string // custom endpoint for S3-compatible storage (MinIO, etc.)
	Bucket          string
	Prefix          string
	ForcePathStyle  bool // required for MinIO
}

// S3Backend uploads archived files as objects in a bucket, lazily
// connecting on first use the same way the teacher's S3Storage does.
type S3Backend struct {
	cfg    S3Config
	client *s3.Client
}

// NewS3Backend constructs a backend that opens its client lazily.
func NewS3Backend(cfg S3Config) *S3Backend {
	return &S3Backend{cfg: cfg}
}

func (b *S3Backend) ensureClient(ctx context.Context) (*s3.Client, error) {
	if b.client != nil {
		return b.client, nil
	}
	var opts []func(*config.LoadOptions) error
	if b.cfg.Region != "" {
		opts = append(opts, config.WithRegion(b.cfg.Region))
	}
	if b.cfg.AccessKeyID != "" && b.cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.cfg.AccessKeyID, b.cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	var s3Opts []func(*s3.Options)
	if b.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(b.cfg.Endpoint) })
	}
	if b.cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	b.client = s3.NewFromConfig(awsCfg, s3Opts...)
	return b.client, nil
}

// Upload implements Backend by PUTting the object under cfg.Prefix/key.
func (b *S3Backend) Upload(ctx context.Context, key string, r io.Reader) error {
	client, err := b.ensureClient(ctx)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	objectKey := key
	if b.cfg.Prefix != "" {
		objectKey = b.cfg.Prefix + "/" + key
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(data),
	})
	return err
}
