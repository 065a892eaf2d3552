package presign

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-s3uploads/upload"
	"github.com/bitrise-io/go-utils/v2/log"
)

// S3Params ...
type S3Params struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the AWS endpoint, for S3 compatible services.
	Endpoint     string
	UsePathStyle bool
}

// NewS3 creates a Presigner over an AWS SDK S3 client.
func NewS3(client *s3.Client, config Config, logger log.Logger) (*Presigner, error) {
	return newPresigner(&s3Storage{
		client:  client,
		presign: s3.NewPresignClient(client),
		region:  client.Options().Region,
	}, config, logger)
}

// NewS3FromParams loads the AWS configuration and creates a Presigner over it.
// Static credentials are used when both the key id and the secret are set,
// the default credential chain otherwise.
func NewS3FromParams(ctx context.Context, params S3Params, config Config, logger log.Logger) (*Presigner, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	cfg, err := loadAWSConfig(ctx, params, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
		// Presigned part URLs must not require checksums the uploader does not send.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return NewS3(client, config, logger)
}

func loadAWSConfig(ctx context.Context, params S3Params, logger log.Logger) (*aws.Config, error) {
	if params.Region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
	}
	if params.AccessKeyID != "" && params.SecretAccessKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}
	return &cfg, nil
}

type s3Storage struct {
	client  *s3.Client
	presign *s3.PresignClient
	region  string
}

func (s *s3Storage) createMultipartUpload(ctx context.Context, bucket, key, mimetype string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if mimetype != "" {
		input.ContentType = aws.String(mimetype)
	}

	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", err
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return "", errors.New("no upload id in response")
	}
	return *out.UploadId, nil
}

func (s *s3Storage) presignPost(ctx context.Context, bucket, key, mimetype string, size int64, expires time.Duration) (upload.PresignedRequest, error) {
	conditions := []interface{}{
		[]interface{}{"eq", "$Content-Type", mimetype},
		[]interface{}{"content-length-range", 0, size},
	}

	req, err := s.presign.PresignPostObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignPostOptions) {
		o.Expires = expires
		o.Conditions = conditions
	})
	if err != nil {
		return upload.PresignedRequest{}, err
	}

	values := make(map[string]string, len(req.Values)+1)
	for k, v := range req.Values {
		values[k] = v
	}
	values["Content-Type"] = mimetype

	return upload.PresignedRequest{
		URL:    req.URL,
		Fields: sortedFields(values),
	}, nil
}

func (s *s3Storage) presignPart(ctx context.Context, bucket, key, uploadID string, partNumber int, expires time.Duration) (upload.PresignedRequest, error) {
	req, err := s.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, func(o *s3.PresignOptions) {
		o.Expires = expires
	})
	if err != nil {
		return upload.PresignedRequest{}, fmt.Errorf("presign part %d of upload %s: %w", partNumber, uploadID, err)
	}

	return upload.PresignedRequest{
		URL:     req.URL,
		Headers: signedHeaders(req.SignedHeader),
	}, nil
}

func (s *s3Storage) completeMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []upload.Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	return err
}

func (s *s3Storage) abortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload" {
			return nil
		}
		return err
	}
	return nil
}

func (s *s3Storage) objectURL(bucket, key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.region, escapeKey(key))
}

// signedHeaders lists the headers the presigned request was signed with.
// Host is set by the HTTP client from the URL.
func signedHeaders(header http.Header) []upload.KeyValue {
	var headers []upload.KeyValue
	for k, vs := range header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		headers = append(headers, upload.KeyValue{Key: k, Value: strings.Join(vs, ",")})
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Key < headers[j].Key })
	return headers
}
