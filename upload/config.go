package upload

import (
	"net/http"
	"time"

	"github.com/bitrise-io/go-s3uploads/etagcache"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultMaxConcurrentUploads is the number of chunks transferred in parallel when nothing else is configured.
const DefaultMaxConcurrentUploads = 2

// Config holds configuration for one upload operation.
type Config struct {
	// Concurrency is the maximum number of chunks in flight.
	// Default: DefaultMaxConcurrentUploads
	Concurrency int

	// CancelAllOnError cancels the whole operation on the first failed chunk.
	// By default only the session of the failed chunk is cancelled and the others continue.
	CancelAllOnError bool

	// Transport performs the network calls. Default: an HTTPTransport over HTTPClient.
	Transport Transport

	// HTTPClient is used by the default transport.
	// If nil, DefaultHTTPClient is used.
	HTTPClient *http.Client

	// PartRequester issues the presigned request of each multipart chunk.
	// Multipart sessions fail with ErrNoPartRequestHandler without it.
	PartRequester PartRequester

	// Cache stores acknowledged multipart parts. Default: an in-memory cache.
	Cache etagcache.Cache

	// Logger defaults to log.NewLogger().
	Logger log.Logger

	// Metrics is optional.
	Metrics *Metrics

	OnProgress     func(Progress)
	OnError        func(ErrorEvent)
	OnFileComplete func(UploadedFile, Source)
	OnAllComplete  func([]UploadedFile)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: DefaultMaxConcurrentUploads,
	}
}

// DefaultHTTPClient creates an HTTP client for chunk transfers.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout: chunk transfers are bounded by their context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultMaxConcurrentUploads
	}
	if c.Logger == nil {
		c.Logger = log.NewLogger()
	}
	if c.Cache == nil {
		c.Cache = etagcache.NewMemory()
	}
	if c.Transport == nil {
		httpClient := c.HTTPClient
		if httpClient == nil {
			httpClient = DefaultHTTPClient()
		}
		c.Transport = NewHTTPTransport(httpClient, c.Logger)
	}
	return c
}
