package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/ipsframework/ipsportal/pkg/config"
	"github.com/sirupsen/logrus"
)

const defaultRegion = "us-east-1"

// s3Uploader implements Uploader for S3-compatible storage such as MinIO.
type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3Config
	client *s3.Client

	// buckets already known to exist.
	mu      sync.Mutex
	buckets map[string]struct{}
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates a new S3 uploader from the given configuration.
func NewS3Uploader(log logrus.FieldLogger, cfg *config.S3Config) Uploader {
	return &s3Uploader{
		log:     log.WithField("component", "s3-uploader"),
		cfg:     cfg,
		client:  newS3Client(cfg),
		buckets: make(map[string]struct{}),
	}
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = regionOrDefault(cfg.Region)

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

func regionOrDefault(region string) string {
	if region == "" {
		return defaultRegion
	}

	return region
}

// Put uploads data to the run's bucket.
func (u *s3Uploader) Put(ctx context.Context, runID int64, key string, data []byte) (string, error) {
	bucket := BucketName(runID)

	if err := u.ensureBucket(ctx, bucket); err != nil {
		return "", err
	}

	u.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": bucket,
		"bytes":  len(data),
	}).Debug("Uploading object")

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(ContentType),
	})
	if err != nil {
		return "", fmt.Errorf("putting object %s/%s: %w", bucket, key, err)
	}

	return u.publicURL(bucket, key), nil
}

// ensureBucket creates bucket if it does not exist yet, and opens it for
// anonymous reads when configured to.
func (u *s3Uploader) ensureBucket(ctx context.Context, bucket string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.buckets[bucket]; ok {
		return nil
	}

	_, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})

	switch {
	case err == nil:
	case isNotFound(err):
		if err := u.createBucket(ctx, bucket); err != nil {
			return err
		}
	default:
		return fmt.Errorf("checking bucket %s: %w", bucket, err)
	}

	u.buckets[bucket] = struct{}{}

	return nil
}

func (u *s3Uploader) createBucket(ctx context.Context, bucket string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}

	if region := regionOrDefault(u.cfg.Region); region != defaultRegion {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}

	if _, err := u.client.CreateBucket(ctx, input); err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if !errors.As(err, &owned) {
			return fmt.Errorf("creating bucket %s: %w", bucket, err)
		}
	}

	if u.cfg.PublicRead {
		policy, err := publicReadPolicy(bucket)
		if err != nil {
			return err
		}

		if _, err := u.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
			Bucket: aws.String(bucket),
			Policy: aws.String(policy),
		}); err != nil {
			return fmt.Errorf("setting policy on bucket %s: %w", bucket, err)
		}
	}

	u.log.WithField("bucket", bucket).Info("Created bucket")

	return nil
}

// publicURL is where users fetch an uploaded object from.
func (u *s3Uploader) publicURL(bucket, key string) string {
	base := u.cfg.PublicURL
	if base == "" {
		base = u.cfg.EndpointURL
	}

	return strings.TrimRight(base, "/") + "/" + bucket + "/" + key
}

type policyStatement struct {
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal"`
	Action    []string          `json:"Action"`
	Resource  string            `json:"Resource"`
}

type bucketPolicy struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// publicReadPolicy allows anyone to list bucket and read its objects.
func publicReadPolicy(bucket string) (string, error) {
	anyone := map[string]string{"AWS": "*"}

	b, err := json.Marshal(bucketPolicy{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Effect:    "Allow",
				Principal: anyone,
				Action:    []string{"s3:GetBucketLocation", "s3:ListBucket"},
				Resource:  "arn:aws:s3:::" + bucket,
			},
			{
				Effect:    "Allow",
				Principal: anyone,
				Action:    []string{"s3:GetObject"},
				Resource:  "arn:aws:s3:::" + bucket + "/*",
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encoding bucket policy: %w", err)
	}

	return string(b), nil
}

// isNotFound reports whether err means the bucket does not exist.
func isNotFound(err error) bool {
	var (
		notFound     *s3types.NotFound
		noSuchBucket *s3types.NoSuchBucket
	)

	if errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return true
		}
	}

	return false
}
