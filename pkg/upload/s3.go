// Package upload archives delivered report documents to S3-compatible
// storage.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/config"
)

// S3Archiver uploads report documents to a bucket. It satisfies the
// dispatcher's Archiver dependency.
type S3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.ArchiveConfig
	client *s3.Client
}

// NewS3Archiver creates an archiver from the given configuration.
func NewS3Archiver(log logrus.FieldLogger, cfg *config.ArchiveConfig) *S3Archiver {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}

			if cfg.AccessKey != "" && cfg.SecretKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKey, cfg.SecretKey, "",
				)
			}
		},
	}

	return &S3Archiver{
		log:    log.WithField("component", "archiver"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}
}

// Preflight verifies connectivity by writing a small test object. Fails
// fast on misconfiguration instead of at first delivery.
func (a *S3Archiver) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("codejam-bot write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(a.resolveKey(".codejam-write-test")),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

// Upload stores one document under the configured prefix.
func (a *S3Archiver) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	fullKey := a.resolveKey(key)

	a.log.WithFields(logrus.Fields{
		"key":    fullKey,
		"bucket": a.cfg.Bucket,
		"bytes":  len(data),
	}).Debug("Uploading document")

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	return nil
}

// resolveKey joins the configured prefix with the object key.
func (a *S3Archiver) resolveKey(key string) string {
	if a.cfg.Prefix == "" {
		return key
	}

	return strings.TrimRight(a.cfg.Prefix, "/") + "/" + strings.TrimLeft(key, "/")
}
