package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httputil"

	"github.com/bitrise-io/go-utils/v2/log"
)

// maxErrorBodySize bounds how much of a failed response is read for classification.
const maxErrorBodySize = 64 * 1024

// Transport performs the network call of one chunk against its presigned request.
type Transport interface {
	// Post sends a whole file as a multipart form to a presigned POST.
	Post(ctx context.Context, request PresignedRequest, chunk Chunk) error
	// Put sends one part to a presigned PUT and returns the ETag of the stored part.
	Put(ctx context.Context, request PresignedRequest, chunk Chunk) (string, error)
}

// HTTPTransport is the Transport talking to the storage service over HTTP.
type HTTPTransport struct {
	httpClient *http.Client
	logger     log.Logger
}

// NewHTTPTransport ...
func NewHTTPTransport(httpClient *http.Client, logger log.Logger) *HTTPTransport {
	return &HTTPTransport{
		httpClient: httpClient,
		logger:     logger,
	}
}

// Post ...
func (t *HTTPTransport) Post(ctx context.Context, request PresignedRequest, chunk Chunk) error {
	body, contentType, err := formBody(request, chunk)
	if err != nil {
		return &TransportError{Kind: ErrInternal, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, request.URL, body)
	if err != nil {
		return &TransportError{Kind: ErrInternal, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	for _, h := range request.Headers {
		req.Header.Set(h.Key, h.Value)
	}
	req.ContentLength = int64(body.Len())

	resp, err := t.do(req)
	if err != nil {
		return err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(resp)
	}
	return nil
}

// Put ...
func (t *HTTPTransport) Put(ctx context.Context, request PresignedRequest, chunk Chunk) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, request.URL, bytes.NewReader(chunk.Data))
	if err != nil {
		return "", &TransportError{Kind: ErrInternal, Err: fmt.Errorf("create request: %w", err)}
	}
	for _, h := range request.Headers {
		req.Header.Set(h.Key, h.Value)
	}
	req.ContentLength = int64(len(chunk.Data))

	resp, err := t.do(req)
	if err != nil {
		return "", err
	}
	defer t.closeBody(resp.Body)

	etag := resp.Header.Get("ETag")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || etag == "" {
		return "", classifyResponse(resp)
	}
	return etag, nil
}

func (t *HTTPTransport) do(req *http.Request) (*http.Response, error) {
	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		t.logger.Warnf("error while dumping request: %s", err)
	}
	t.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("chunk transfer cancelled: %w", ctxErr)
		}
		return nil, &TransportError{Kind: ErrInternal, Err: fmt.Errorf("do request: %w", err)}
	}

	t.logger.Debugf("Chunk response: %s %s -> %d", req.Method, req.URL.Host, resp.StatusCode)
	return resp, nil
}

func (t *HTTPTransport) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		t.logger.Printf(err.Error())
	}
}

// formBody builds the multipart form of a presigned POST. The file goes last,
// the storage service ignores fields after it.
func formBody(request PresignedRequest, chunk Chunk) (*bytes.Buffer, string, error) {
	if chunk.Source == nil {
		return nil, "", errors.New("single upload without source")
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	hasKey, hasContentType := false, false
	for _, f := range request.Fields {
		switch f.Key {
		case "key":
			hasKey = true
		case "Content-Type":
			hasContentType = true
		}
		if err := w.WriteField(f.Key, f.Value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f.Key, err)
		}
	}
	if !hasKey {
		if err := w.WriteField("key", chunk.Key); err != nil {
			return nil, "", fmt.Errorf("write field key: %w", err)
		}
	}
	if !hasContentType && chunk.Mimetype != "" {
		if err := w.WriteField("Content-Type", chunk.Mimetype); err != nil {
			return nil, "", fmt.Errorf("write field Content-Type: %w", err)
		}
	}

	part, err := w.CreateFormFile("file", chunk.Key)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	src, err := chunk.Source.Open()
	if err != nil {
		return nil, "", err
	}
	defer src.Close() //nolint:errcheck
	if _, err := io.Copy(part, src); err != nil {
		return nil, "", fmt.Errorf("copy file: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return body, w.FormDataContentType(), nil
}

// classifyResponse maps a failed storage response to an error kind by inspecting its body.
func classifyResponse(resp *http.Response) *TransportError {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return &TransportError{Kind: ErrInternal, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	return &TransportError{Kind: classifyBody(body), StatusCode: resp.StatusCode, Err: responseError(resp, body)}
}

func classifyBody(body []byte) error {
	switch {
	case bytes.Contains(body, []byte("EntityTooLarge")):
		return ErrFileTooLarge
	case bytes.Contains(body, []byte("$Content-Type")):
		return ErrUnauthorizedFileType
	default:
		return ErrInternal
	}
}

func responseError(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return errors.New("no ETag in response")
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
}
