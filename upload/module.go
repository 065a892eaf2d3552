package upload

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-s3uploads/etagcache"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TypeConfig configures one upload type.
type TypeConfig struct {
	// Initiator creates the sessions of this type. Required.
	Initiator Initiator
	// PartRequester is required when the initiator issues multipart sessions.
	PartRequester PartRequester
	// Completer is optional. Without it CompleteMany and CompleteOne fail with ErrNoCompleter.
	Completer Completer
	// Concurrency overrides the module wide MaxConcurrentUploads.
	Concurrency      int
	CancelAllOnError bool
}

// ModuleConfig configures a Module.
type ModuleConfig struct {
	// MaxConcurrentUploads is the concurrency of upload types without their own.
	// Default: DefaultMaxConcurrentUploads
	MaxConcurrentUploads int
	Uploads              map[string]TypeConfig

	Cache      etagcache.Cache
	Transport  Transport
	HTTPClient *http.Client
	Logger     log.Logger
	Metrics    *Metrics
}

// Module uploads files of the configured upload types.
type Module struct {
	config ModuleConfig
	logger log.Logger
}

// NewModule ...
func NewModule(config ModuleConfig) (*Module, error) {
	if config.MaxConcurrentUploads <= 0 {
		config.MaxConcurrentUploads = DefaultMaxConcurrentUploads
	}
	if config.Logger == nil {
		config.Logger = log.NewLogger()
	}
	if config.Cache == nil {
		config.Cache = etagcache.NewMemory()
	}
	if config.Transport == nil {
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = DefaultHTTPClient()
		}
		config.Transport = NewHTTPTransport(httpClient, config.Logger)
	}

	if len(config.Uploads) == 0 {
		return nil, errors.New("no upload types configured")
	}
	for name, t := range config.Uploads {
		if t.Initiator == nil {
			return nil, fmt.Errorf("upload type %s: no initiator", name)
		}
	}

	return &Module{
		config: config,
		logger: config.Logger,
	}, nil
}

// UploadTypes returns the names of the configured upload types.
func (m *Module) UploadTypes() []string {
	names := make([]string, 0, len(m.config.Uploads))
	for name := range m.config.Uploads {
		names = append(names, name)
	}
	return names
}

func (m *Module) typeConfig(uploadType string) (TypeConfig, error) {
	t, ok := m.config.Uploads[uploadType]
	if !ok {
		return TypeConfig{}, fmt.Errorf("unknown upload type: %s", uploadType)
	}
	return t, nil
}

func (m *Module) managerConfig(t TypeConfig, opts UploadOptions) Config {
	concurrency := t.Concurrency
	if concurrency <= 0 {
		concurrency = m.config.MaxConcurrentUploads
	}
	return Config{
		Concurrency:      concurrency,
		CancelAllOnError: t.CancelAllOnError,
		Transport:        m.config.Transport,
		PartRequester:    t.PartRequester,
		Cache:            m.config.Cache,
		Logger:           m.logger,
		Metrics:          m.config.Metrics,
		OnProgress:       opts.OnProgress,
		OnError:          opts.OnError,
		OnFileComplete:   opts.OnFileComplete,
		OnAllComplete:    opts.OnAllComplete,
	}
}
