package cloud

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Driver implements the storage-service subset of the catalog against
// real S3. Compute and database actions belong to other drivers; asking
// this one for them returns ErrUnsupportedAction.
type S3Driver struct {
	client *s3.Client
}

// S3DriverConfig configures the AWS client.
type S3DriverConfig struct {
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
}

// NewS3Driver builds a driver from ambient AWS credentials (the
// externally-assumed role).
func NewS3Driver(ctx context.Context, cfg S3DriverConfig) (*S3Driver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("cloud: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Driver{client: client}, nil
}

// NewS3DriverFromClient wraps an existing client (tests).
func NewS3DriverFromClient(client *s3.Client) *S3Driver {
	return &S3Driver{client: client}
}

func (d *S3Driver) Execute(ctx context.Context, _ *Connection, actionID, resourceID string, params map[string]interface{}) error {
	switch actionID {
	case "s3:put_lifecycle_policy":
		return d.putLifecycle(ctx, resourceID, params)
	case "s3:delete_lifecycle_policy":
		_, err := d.client.DeleteBucketLifecycle(ctx, &s3.DeleteBucketLifecycleInput{
			Bucket: aws.String(resourceID),
		})
		return wrapAWS(err)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAction, actionID)
	}
}

func (d *S3Driver) putLifecycle(ctx context.Context, bucket string, params map[string]interface{}) error {
	days := int32(30)
	if v, ok := params["expiration_days"].(float64); ok {
		days = int32(v)
	}
	rule := types.LifecycleRule{
		ID:     aws.String("stackpilot-expiration"),
		Status: types.ExpirationStatusEnabled,
		Filter: &types.LifecycleRuleFilter{Prefix: aws.String("")},
		Expiration: &types.LifecycleExpiration{
			Days: aws.Int32(days),
		},
	}
	if class, ok := params["transition_class"].(string); ok && class != "" {
		rule.Transitions = []types.Transition{{
			Days:         aws.Int32(days / 2),
			StorageClass: types.TransitionStorageClass(class),
		}}
	}
	_, err := d.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{rule},
		},
	})
	return wrapAWS(err)
}

func (d *S3Driver) ResourceState(ctx context.Context, _ *Connection, service, resourceID string) (string, error) {
	if service != "s3" {
		return "", fmt.Errorf("%w: service %s", ErrUnsupportedAction, service)
	}
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(resourceID)})
	if err != nil {
		return "", ErrResourceNotFound
	}
	return "available", nil
}

// wrapAWS classifies provider errors; S3 5xx and timeout failures are
// worth one retry, everything else is terminal.
func wrapAWS(err error) error {
	if err == nil {
		return nil
	}
	return Transient(err)
}

var _ Driver = (*S3Driver)(nil)

// EvidenceSink writes audit evidence bundles to an S3 prefix.
type EvidenceSink struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewEvidenceSink(client *s3.Client, bucket, prefix string) *EvidenceSink {
	return &EvidenceSink{client: client, bucket: bucket, prefix: prefix}
}

func (s *EvidenceSink) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("cloud: put evidence object: %w", err)
	}
	return nil
}
