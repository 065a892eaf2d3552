package presign

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-s3uploads/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOParams ...
type MinIOParams struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Region skips the bucket location lookup when set.
	Region string
}

// NewMinIO creates a Presigner over a MinIO client.
func NewMinIO(core *minio.Core, config Config, logger log.Logger) (*Presigner, error) {
	if core == nil {
		return nil, fmt.Errorf("minio core is nil")
	}
	return newPresigner(&minioStorage{core: core}, config, logger)
}

// NewMinIOFromParams connects to a MinIO or other S3 compatible endpoint with static credentials.
func NewMinIOFromParams(params MinIOParams, config Config, logger log.Logger) (*Presigner, error) {
	if params.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if params.AccessKey == "" {
		return nil, fmt.Errorf("minio access key is required")
	}
	if params.SecretKey == "" {
		return nil, fmt.Errorf("minio secret key is required")
	}

	core, err := minio.NewCore(params.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(params.AccessKey, params.SecretKey, ""),
		Secure: params.UseSSL,
		Region: params.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio core failed: %w", err)
	}
	return NewMinIO(core, config, logger)
}

type minioStorage struct {
	core *minio.Core
}

func (s *minioStorage) createMultipartUpload(ctx context.Context, bucket, key, mimetype string) (string, error) {
	opts := minio.PutObjectOptions{}
	if mimetype != "" {
		opts.ContentType = mimetype
	}

	uploadID, err := s.core.NewMultipartUpload(ctx, bucket, key, opts)
	if err != nil {
		return "", fmt.Errorf("minio new multipart upload failed: %w", err)
	}
	return uploadID, nil
}

func (s *minioStorage) presignPost(ctx context.Context, bucket, key, mimetype string, size int64, expires time.Duration) (upload.PresignedRequest, error) {
	policy := minio.NewPostPolicy()
	if err := policy.SetBucket(bucket); err != nil {
		return upload.PresignedRequest{}, err
	}
	if err := policy.SetKey(key); err != nil {
		return upload.PresignedRequest{}, err
	}
	if err := policy.SetExpires(time.Now().UTC().Add(expires)); err != nil {
		return upload.PresignedRequest{}, err
	}
	if mimetype != "" {
		if err := policy.SetContentType(mimetype); err != nil {
			return upload.PresignedRequest{}, err
		}
	}
	if size > 0 {
		if err := policy.SetContentLengthRange(0, size); err != nil {
			return upload.PresignedRequest{}, err
		}
	}

	u, values, err := s.core.PresignedPostPolicy(ctx, policy)
	if err != nil {
		return upload.PresignedRequest{}, fmt.Errorf("minio presign post policy failed: %w", err)
	}
	return upload.PresignedRequest{
		URL:    u.String(),
		Fields: sortedFields(values),
	}, nil
}

func (s *minioStorage) presignPart(ctx context.Context, bucket, key, uploadID string, partNumber int, expires time.Duration) (upload.PresignedRequest, error) {
	reqParams := make(url.Values)
	reqParams.Set("partNumber", strconv.Itoa(partNumber))
	reqParams.Set("uploadId", uploadID)

	u, err := s.core.Presign(ctx, "PUT", bucket, key, expires, reqParams)
	if err != nil {
		return upload.PresignedRequest{}, fmt.Errorf("minio presign upload part failed: %w", err)
	}
	return upload.PresignedRequest{URL: u.String()}, nil
}

func (s *minioStorage) completeMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []upload.Part) error {
	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		if p.PartNumber <= 0 || p.ETag == "" {
			return fmt.Errorf("invalid completed part %d", p.PartNumber)
		}
		completeParts = append(completeParts, minio.CompletePart{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
		})
	}

	if _, err := s.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, completeParts, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("minio complete multipart upload failed: %w", err)
	}
	return nil
}

func (s *minioStorage) abortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if err := s.core.AbortMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
			return nil
		}
		return fmt.Errorf("minio abort multipart upload failed: %w", err)
	}
	return nil
}

func (s *minioStorage) objectURL(bucket, key string) string {
	endpoint := strings.TrimSuffix(s.core.EndpointURL().String(), "/")
	return endpoint + "/" + bucket + "/" + escapeKey(key)
}
