package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-s3uploads/etagcache"
	"github.com/bitrise-io/go-s3uploads/internal/inputs"
	"github.com/bitrise-io/go-s3uploads/presign"
	"github.com/bitrise-io/go-s3uploads/upload"
	"github.com/docker/go-units"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const (
	backendS3    = "s3"
	backendMinIO = "minio"
)

func addStorageFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("backend", backendS3, "Storage backend: s3 or minio")
	f.String("bucket", "", "Bucket of the uploaded objects")
	f.String("region", "us-east-1", "Region of the bucket")
	f.String("endpoint", "", "Storage endpoint, for S3 compatible services (host:port for minio)")
	f.Bool("path-style", false, "Address buckets by path instead of virtual host (s3 backend)")
	f.Bool("use-ssl", true, "Connect over TLS (minio backend)")
	f.String("access-key", "", "Access key id (or AWS_ACCESS_KEY_ID)")
	f.String("secret-key", "", "Secret access key (or AWS_SECRET_ACCESS_KEY)")
	f.String("key-prefix", "", "Prefix of every object key")
	f.String("mode", "", "Force the upload mode: single or multipart. By default files above the threshold are uploaded in parts")
	f.String("chunk-size", "5MiB", "Part size of multipart uploads")
	f.String("multipart-threshold", "", "Files larger than this are uploaded in parts (default: chunk size)")
	f.Duration("expires", presign.DefaultExpires, "Lifetime of presigned requests")
	f.String("public-url", "", "Base URL of stored objects in completion results")
	f.StringSlice("allow", nil, "Accepted files as mimetype=max-size, e.g. image/=10MiB. Every file is accepted if not set")
}

func (a *app) newPresigner(ctx context.Context, loader *FlagLoader) (*presign.Presigner, error) {
	backend := loader.String("backend")
	if err := inputs.ValidateWithOptions(backend, backendS3, backendMinIO); err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	bucket := loader.String("bucket")
	if err := inputs.ValidateIfNotEmpty(bucket); err != nil {
		return nil, fmt.Errorf("bucket: %w", err)
	}

	config, err := presignConfig(loader)
	if err != nil {
		return nil, err
	}
	config.Bucket = bucket

	accessKey := a.secret(loader, "access-key", "AWS_ACCESS_KEY_ID")
	secretKey := a.secret(loader, "secret-key", "AWS_SECRET_ACCESS_KEY")
	a.logger.Debugf("Storage: %s bucket=%s region=%s endpoint=%s access-key=%s secret-key=%s",
		backend, bucket, loader.String("region"), loader.String("endpoint"),
		accessKey, inputs.SecureInput(secretKey))

	if backend == backendMinIO {
		return presign.NewMinIOFromParams(presign.MinIOParams{
			Endpoint:  loader.String("endpoint"),
			AccessKey: accessKey,
			SecretKey: secretKey,
			UseSSL:    loader.Bool("use-ssl"),
			Region:    loader.String("region"),
		}, config, a.logger)
	}
	return presign.NewS3FromParams(ctx, presign.S3Params{
		Region:          loader.String("region"),
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		Endpoint:        loader.String("endpoint"),
		UsePathStyle:    loader.Bool("path-style"),
	}, config, a.logger)
}

func presignConfig(loader *FlagLoader) (presign.Config, error) {
	config := presign.Config{
		Mode:      upload.Mode(loader.String("mode")),
		Expires:   loader.Duration("expires"),
		KeyPrefix: loader.String("key-prefix"),
		PublicURL: loader.String("public-url"),
	}

	chunkSize, err := parseSize(loader.String("chunk-size"))
	if err != nil {
		return presign.Config{}, fmt.Errorf("chunk-size: %w", err)
	}
	config.ChunkSize = chunkSize

	threshold, err := parseSize(loader.String("multipart-threshold"))
	if err != nil {
		return presign.Config{}, fmt.Errorf("multipart-threshold: %w", err)
	}
	config.MultipartThreshold = threshold

	rules, err := parseRules(loader.StringSlice("allow"))
	if err != nil {
		return presign.Config{}, err
	}
	config.Rules = rules
	return config, nil
}

func parseSize(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	return units.RAMInBytes(value)
}

// parseRules reads mimetype=max-size pairs. Several mimetypes may share a limit: image/|video/=1GiB.
func parseRules(values []string) ([]presign.MimeTypeRule, error) {
	var rules []presign.MimeTypeRule
	for _, value := range values {
		types, size, ok := strings.Cut(value, "=")
		if !ok || types == "" {
			return nil, fmt.Errorf("invalid allow rule %q, expected mimetype=max-size", value)
		}
		maxSize, err := units.RAMInBytes(size)
		if err != nil {
			return nil, fmt.Errorf("invalid allow rule %q: %w", value, err)
		}
		rules = append(rules, presign.MimeTypeRule{Types: strings.Split(types, "|"), MaxSize: maxSize})
	}
	return rules, nil
}

// openCache creates the part cache described by spec: memory, file:<dir>, leveldb:<dir> or a redis:// URL.
func openCache(spec string) (etagcache.Cache, func() error, error) {
	noop := func() error { return nil }

	switch {
	case spec == "" || spec == "memory":
		return etagcache.NewMemory(), noop, nil
	case strings.HasPrefix(spec, "file:"):
		cache, err := etagcache.NewFile(strings.TrimPrefix(spec, "file:"))
		if err != nil {
			return nil, nil, err
		}
		return cache, noop, nil
	case strings.HasPrefix(spec, "leveldb:"):
		cache, err := etagcache.NewLevelDB(strings.TrimPrefix(spec, "leveldb:"))
		if err != nil {
			return nil, nil, err
		}
		return cache, cache.Close, nil
	case strings.HasPrefix(spec, "redis://") || strings.HasPrefix(spec, "rediss://"):
		opts, err := redis.ParseURL(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		cache := etagcache.NewRedisWithClient(redis.NewClient(opts), etagcache.DefaultRedisConfig())
		return cache, cache.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache %q, expected memory, file:<dir>, leveldb:<dir> or redis://<addr>", spec)
	}
}
