// Package presign issues upload sessions, presigned part requests and completions
// directly against S3 compatible storage. A Presigner is the storage side of an
// upload: it implements upload.Initiator, upload.PartRequester and upload.Completer.
package presign

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bitrise-io/go-s3uploads/upload"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

const (
	// DefaultChunkSize is the part size of multipart sessions, also the smallest part S3 accepts.
	DefaultChunkSize = 5 * 1024 * 1024
	// DefaultExpires is the lifetime of presigned requests.
	DefaultExpires = 5 * time.Minute

	defaultRetries   = 3
	defaultRetryWait = 2 * time.Second
)

// ErrFileNotAllowed is returned by Initiate for files rejected by the mimetype rules.
var ErrFileNotAllowed = errors.New("file_not_allowed_by_mimetypes_config")

// MimeTypeRule allows files whose mimetype contains one of Types, up to MaxSize bytes.
type MimeTypeRule struct {
	Types   []string
	MaxSize int64
}

// Config configures a Presigner.
type Config struct {
	Bucket string
	// Mode forces the upload mode of every session.
	// If empty, files larger than MultipartThreshold are uploaded in parts.
	Mode upload.Mode
	// MultipartThreshold defaults to ChunkSize.
	MultipartThreshold int64
	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int64
	// Expires defaults to DefaultExpires.
	Expires   time.Duration
	KeyPrefix string
	// Rules restrict the accepted files. Every file is accepted without rules.
	Rules []MimeTypeRule
	// PublicURL is the base URL of stored objects. Defaults to the storage endpoint.
	PublicURL string

	// Retries and RetryWait apply to the storage calls issued while initiating,
	// completing and aborting. Part transfers are never retried.
	Retries   uint
	RetryWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = c.ChunkSize
	}
	if c.Expires <= 0 {
		c.Expires = DefaultExpires
	}
	if c.Retries == 0 {
		c.Retries = defaultRetries
	}
	if c.RetryWait <= 0 {
		c.RetryWait = defaultRetryWait
	}
	return c
}

// storage is the S3 compatible service behind a Presigner.
type storage interface {
	createMultipartUpload(ctx context.Context, bucket, key, mimetype string) (string, error)
	presignPost(ctx context.Context, bucket, key, mimetype string, size int64, expires time.Duration) (upload.PresignedRequest, error)
	presignPart(ctx context.Context, bucket, key, uploadID string, partNumber int, expires time.Duration) (upload.PresignedRequest, error)
	completeMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []upload.Part) error
	abortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
	objectURL(bucket, key string) string
}

// Presigner ...
type Presigner struct {
	storage storage
	config  Config
	logger  log.Logger
}

func newPresigner(s storage, config Config, logger log.Logger) (*Presigner, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket must not be empty")
	}
	if config.Mode != "" && config.Mode != upload.ModeSingle && config.Mode != upload.ModeMultipart {
		return nil, fmt.Errorf("unknown upload mode: %s", config.Mode)
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Presigner{
		storage: s,
		config:  config.withDefaults(),
		logger:  logger,
	}, nil
}

// Initiate creates one session per file, in the same order.
func (p *Presigner) Initiate(ctx context.Context, uploadType string, files []upload.FileToUpload, _ interface{}) ([]upload.Session, error) {
	sessions := make([]upload.Session, 0, len(files))
	for _, f := range files {
		s, err := p.initiateOne(ctx, uploadType, f)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (p *Presigner) initiateOne(ctx context.Context, uploadType string, f upload.FileToUpload) (upload.Session, error) {
	f.Filename = CleanFilename(f.Filename)
	if !isAllowed(p.config.Rules, f) {
		return upload.Session{}, fmt.Errorf("%s (%s, %d bytes): %w", f.Filename, f.Mimetype, f.Size, ErrFileNotAllowed)
	}

	session := upload.Session{
		UploadType: uploadType,
		Mode:       p.mode(f.Size),
		Bucket:     p.config.Bucket,
		Key:        p.buildKey(uploadType, f.Filename),
		Filename:   f.Filename,
		Mimetype:   f.Mimetype,
		Size:       f.Size,
	}

	if session.Mode == upload.ModeSingle {
		request, err := p.storage.presignPost(ctx, session.Bucket, session.Key, f.Mimetype, f.Size, p.config.Expires)
		if err != nil {
			return upload.Session{}, fmt.Errorf("presign post of %s: %w", f.Filename, err)
		}
		session.UploadID = uuid.NewString()
		session.ChunkSize = f.Size
		session.PartsCount = 1
		session.PresignedRequest = &request
		return session, nil
	}

	var uploadID string
	err := p.withRetry(ctx, func() error {
		var err error
		uploadID, err = p.storage.createMultipartUpload(ctx, session.Bucket, session.Key, f.Mimetype)
		return err
	})
	if err != nil {
		return upload.Session{}, fmt.Errorf("create multipart upload of %s: %w", f.Filename, err)
	}
	p.logger.Debugf("Created multipart upload %s for %s", uploadID, session.Key)

	session.UploadID = uploadID
	session.ChunkSize = p.config.ChunkSize
	session.PartsCount = upload.PartsCount(f.Size, p.config.ChunkSize)
	return session, nil
}

// PartRequest presigns the PUT of one part.
func (p *Presigner) PartRequest(ctx context.Context, chunk upload.Chunk) (upload.PresignedRequest, error) {
	if chunk.Mode != upload.ModeMultipart {
		return upload.PresignedRequest{}, fmt.Errorf("upload %s is not a multipart upload", chunk.UploadID)
	}
	return p.storage.presignPart(ctx, p.config.Bucket, chunk.Key, chunk.UploadID, chunk.PartNumber, p.config.Expires)
}

// Complete finalizes the uploaded files and describes the stored objects.
// Keys of uploaded files are expected URL-escaped, as the upload manager reports them.
func (p *Presigner) Complete(ctx context.Context, _ string, files []upload.UploadedFile, _ interface{}) ([]upload.S3Object, error) {
	objects := make([]upload.S3Object, 0, len(files))
	for _, f := range files {
		key, err := url.PathUnescape(f.Key)
		if err != nil {
			return nil, fmt.Errorf("unescape key of upload %s: %w", f.UploadID, err)
		}

		if f.Mode == upload.ModeMultipart {
			if len(f.Parts) == 0 {
				return nil, fmt.Errorf("multipart upload %s has no parts", f.UploadID)
			}
			parts := append([]upload.Part(nil), f.Parts...)
			sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

			err := p.withRetry(ctx, func() error {
				return p.storage.completeMultipartUpload(ctx, p.config.Bucket, key, f.UploadID, parts)
			})
			if err != nil {
				return nil, fmt.Errorf("complete multipart upload %s: %w", f.UploadID, err)
			}
			p.logger.Debugf("Completed multipart upload %s of %s with %d part(s)", f.UploadID, key, len(parts))
		}

		objects = append(objects, upload.S3Object{
			URL:      p.objectURL(key),
			Bucket:   p.config.Bucket,
			Key:      key,
			Filename: path.Base(key),
			Mimetype: f.Mimetype,
			Size:     f.Size,
		})
	}
	return objects, nil
}

// Abort discards a multipart upload and its stored parts. Aborting an unknown upload is not an error.
func (p *Presigner) Abort(ctx context.Context, key, uploadID string) error {
	err := p.withRetry(ctx, func() error {
		return p.storage.abortMultipartUpload(ctx, p.config.Bucket, key, uploadID)
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload %s: %w", uploadID, err)
	}
	return nil
}

func (p *Presigner) mode(size int64) upload.Mode {
	if p.config.Mode != "" {
		return p.config.Mode
	}
	if size > p.config.MultipartThreshold {
		return upload.ModeMultipart
	}
	return upload.ModeSingle
}

func (p *Presigner) buildKey(uploadType, filename string) string {
	return path.Join(p.config.KeyPrefix, uploadType, uuid.NewString(), filename)
}

func (p *Presigner) objectURL(key string) string {
	if p.config.PublicURL != "" {
		return strings.TrimSuffix(p.config.PublicURL, "/") + "/" + escapeKey(key)
	}
	return p.storage.objectURL(p.config.Bucket, key)
}

func (p *Presigner) withRetry(ctx context.Context, action func() error) error {
	return retry.Times(p.config.Retries).Wait(p.config.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			p.logger.Debugf("Retrying storage call (attempt %d)", attempt+1)
		}
		err := action()
		if err == nil {
			return nil, true
		}
		if ctx.Err() != nil {
			return err, true
		}
		p.logger.Warnf("Storage call failed: %s", err)
		return err, false
	})
}

func isAllowed(rules []MimeTypeRule, f upload.FileToUpload) bool {
	if len(rules) == 0 {
		return true
	}
	for _, r := range rules {
		for _, t := range r.Types {
			if strings.Contains(f.Mimetype, t) && f.Size <= r.MaxSize {
				return true
			}
		}
	}
	return false
}

var (
	notAlphanumeric = regexp.MustCompile(`[^a-z0-9]`)
	repeatedDash    = regexp.MustCompile(`--+`)
)

// CleanFilename lowercases the base name and replaces everything but letters and digits with dashes.
// The extension is kept as is.
func CleanFilename(filename string) string {
	filename = path.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := path.Ext(filename)
	base := strings.ToLower(strings.TrimSuffix(filename, ext))
	base = notAlphanumeric.ReplaceAllString(base, "-")
	base = repeatedDash.ReplaceAllString(base, "-")
	return base + ext
}

// escapeKey escapes every path segment of an object key.
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// sortedFields turns form values into fields ordered by name.
func sortedFields(values map[string]string) []upload.KeyValue {
	fields := make([]upload.KeyValue, 0, len(values))
	for k, v := range values {
		fields = append(fields, upload.KeyValue{Key: k, Value: v})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })
	return fields
}
