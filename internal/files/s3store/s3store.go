// Package s3store implements files.PartStore against an S3-compatible
// object store. Grounded on Abraxas-365-manifesto's cmd/container.go
// awsConfig.LoadDefaultConfig + s3.NewFromConfig wiring.
package s3store

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Store keeps every part under a single bucket, keyed "<appID>/<partID>".
type Store struct {
	client *s3.Client
	bucket string
}

// New loads AWS SDK config from the environment/instance profile chain and
// constructs a Store bound to bucket.
func New(ctx context.Context, region, bucket string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}
	return &Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (s *Store) key(appID, partID string) string { return appID + "/" + partID }

func (s *Store) PutPart(ctx context.Context, appID, partID string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(appID, partID)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("s3store: put object: %w", err)
	}
	return nil
}

func (s *Store) GetPart(ctx context.Context, appID, partID string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(appID, partID)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: get object: %w", err)
	}
	return out.Body, nil
}

func (s *Store) DeleteParts(ctx context.Context, appID string, partIDs []string) error {
	objects := make([]s3types.ObjectIdentifier, 0, len(partIDs))
	for _, id := range partIDs {
		objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(s.key(appID, id))})
	}
	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &s3types.Delete{Objects: objects},
	})
	if err != nil {
		return fmt.Errorf("s3store: delete objects: %w", err)
	}
	return nil
}
