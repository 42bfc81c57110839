package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"pagebinder/config"
	"pagebinder/models"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

// S3Service reads uploaded arrivals from the bucket and writes delivered
// artifacts back to it.
type S3Service struct {
	bucket         string
	deliveryPrefix string
	client         s3iface.S3API
	uploader       s3manageriface.UploaderAPI
}

func NewS3Service(cfg *config.Config) *S3Service {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		),
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess := session.Must(session.NewSession(awsCfg))

	return &S3Service{
		bucket:         cfg.S3Bucket,
		deliveryPrefix: cfg.S3DeliveryPrefix,
		client:         s3.New(sess),
		uploader:       s3manager.NewUploader(sess),
	}
}

// Open streams an arrival's object. The caller closes the reader.
func (s *S3Service) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	return out.Body, nil
}

// Remove deletes a consumed arrival object.
func (s *S3Service) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// DeliveryKey is where the artifact for sessionKey is uploaded.
func (s *S3Service) DeliveryKey(sessionKey string, artifact models.Artifact) string {
	return path.Join(s.deliveryPrefix, sessionKey, filepath.Base(artifact.Path))
}

// Send implements delivery.Channel by uploading the artifact. The host
// transport picks it up from there.
func (s *S3Service) Send(ctx context.Context, sessionKey string, artifact models.Artifact) error {
	file, err := os.Open(artifact.Path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.DeliveryKey(sessionKey, artifact)),
		Body:        file,
		ContentType: aws.String("application/pdf"),
		Metadata: map[string]*string{
			"session": aws.String(sessionKey),
		},
	}
	if artifact.Caption != "" {
		input.Metadata["caption"] = aws.String(artifact.Caption)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}
