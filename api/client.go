// Package api exposes an upload backend over HTTP and provides the matching client.
// The client implements upload.Initiator, upload.PartRequester and upload.Completer,
// so a Module can upload through a remote service that holds the storage credentials.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-s3uploads/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnauthorized is returned when the service rejects the access token.
var ErrUnauthorized = errors.New("unauthorized")

type initiateRequest struct {
	Files   []upload.FileToUpload `json:"files"`
	Context json.RawMessage       `json:"context,omitempty"`
}

type initiateResponse struct {
	Uploads []upload.Session `json:"uploads"`
}

type partRequest struct {
	UploadID   string `json:"uploadId"`
	Key        string `json:"key"`
	PartNumber int    `json:"partNumber"`
}

type completeRequest struct {
	Files   []upload.UploadedFile `json:"files"`
	Context json.RawMessage       `json:"context,omitempty"`
}

type completeResponse struct {
	Objects []upload.S3Object `json:"objects"`
}

type abortRequest struct {
	UploadID string `json:"uploadId"`
	Key      string `json:"key"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client talks to an upload service.
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient ...
func NewClient(baseURL, accessToken string, logger log.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	httpClient := retryhttp.NewClient(logger)
	httpClient.CheckRetry = createRetryFunction(logger)
	// The last response is kept so its error message reaches the caller.
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}, nil
}

// Initiate ...
func (c *Client) Initiate(ctx context.Context, uploadType string, files []upload.FileToUpload, initCtx interface{}) ([]upload.Session, error) {
	raw, err := marshalContext(initCtx)
	if err != nil {
		return nil, err
	}

	var response initiateResponse
	if err := c.post(ctx, uploadType, "initiate", initiateRequest{Files: files, Context: raw}, &response); err != nil {
		return nil, err
	}
	return response.Uploads, nil
}

// PartRequest ...
func (c *Client) PartRequest(ctx context.Context, chunk upload.Chunk) (upload.PresignedRequest, error) {
	var response upload.PresignedRequest
	err := c.post(ctx, chunk.UploadType, "parts", partRequest{
		UploadID:   chunk.UploadID,
		Key:        chunk.Key,
		PartNumber: chunk.PartNumber,
	}, &response)
	if err != nil {
		return upload.PresignedRequest{}, err
	}
	return response, nil
}

// Complete ...
func (c *Client) Complete(ctx context.Context, uploadType string, files []upload.UploadedFile, completeCtx interface{}) ([]upload.S3Object, error) {
	raw, err := marshalContext(completeCtx)
	if err != nil {
		return nil, err
	}

	var response completeResponse
	if err := c.post(ctx, uploadType, "complete", completeRequest{Files: files, Context: raw}, &response); err != nil {
		return nil, err
	}
	return response.Objects, nil
}

// Abort discards a multipart upload on the service side.
func (c *Client) Abort(ctx context.Context, uploadType, key, uploadID string) error {
	return c.post(ctx, uploadType, "abort", abortRequest{UploadID: uploadID, Key: key}, nil)
}

func (c *Client) post(ctx context.Context, uploadType, action string, requestBody, responseBody interface{}) error {
	apiURL := fmt.Sprintf("%s/uploads/%s/%s", c.baseURL, url.PathEscape(uploadType), action)

	body, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return err
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	}
	req.Header.Set("Content-type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("API request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}
	if responseBody == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(responseBody); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	return nil
}

func createRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, policyErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		if retry && ctx.Err() == nil {
			logger.Debugf("Retrying API request: %v", err)
		}
		return retry, policyErr
	}
}

func marshalContext(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	return raw, nil
}

func unwrapError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
}
