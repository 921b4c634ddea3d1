// Package api is the HTTP client for the registry, upload and transcoder
// endpoints of a watch-party backend. It implements membership.Registry and
// resource.Backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cwrk-planet/watch-party/internal/party/membership"
	"github.com/cwrk-planet/watch-party/internal/party/resource"
	"github.com/cwrk-planet/watch-party/pkg/errs"
	"github.com/cwrk-planet/watch-party/pkg/httputil"
)

const maxResponseBytes = 1 << 20

// StatusError is a non-2xx answer from the backend. It unwraps to the
// matching pkg/errs sentinel.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return errs.FromHTTP(e.Code) }

type Options struct {
	// BaseURL is the backend origin; endpoints live under /api.
	BaseURL string
	// StorageBaseURL prefixes file keys to build the movieUrl sent for
	// processing. Empty sends the bare key.
	StorageBaseURL string
	Timeout        time.Duration
	// TransferTimeout bounds the direct PUT of the video bytes.
	TransferTimeout time.Duration
	// ConvertTimeout bounds the processing call, which blocks until the
	// HLS renditions are stored.
	ConvertTimeout time.Duration
	HTTPClient     *http.Client
}

type Client struct {
	base            string
	storage         string
	timeout         time.Duration
	transferTimeout time.Duration
	convertTimeout  time.Duration
	http            *http.Client
}

var (
	_ membership.Registry = (*Client)(nil)
	_ resource.Backend    = (*Client)(nil)
)

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("api client: empty base url")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("api client: base url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = 30 * time.Minute
	}
	if opts.ConvertTimeout <= 0 {
		opts.ConvertTimeout = 20 * time.Minute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Client{
		base:            strings.TrimRight(opts.BaseURL, "/") + "/api",
		storage:         strings.TrimRight(opts.StorageBaseURL, "/"),
		timeout:         opts.Timeout,
		transferTimeout: opts.TransferTimeout,
		convertTimeout:  opts.ConvertTimeout,
		http:            opts.HTTPClient,
	}, nil
}

func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	var out createRoomResponse
	if err := c.do(ctx, http.MethodPost, "/createroom", nil, &out); err != nil {
		return "", err
	}
	if out.RoomID == "" {
		return "", fmt.Errorf("%w: create room: empty room id", errs.ErrUpstream)
	}
	return out.RoomID, nil
}

func (c *Client) VerifyRoom(ctx context.Context, roomID string) error {
	err := c.do(ctx, http.MethodGet, "/verifyroom/"+url.PathEscape(roomID), nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", membership.ErrRoomNotFound, roomID)
	}
	return err
}

func (c *Client) JoinRoom(ctx context.Context, roomID, name string) error {
	return c.do(ctx, http.MethodPut, "/joinroom/"+url.PathEscape(roomID), joinRoomRequest{Name: name}, nil)
}

func (c *Client) UploadTarget(ctx context.Context, contentType string, size int64) (resource.Target, error) {
	q := url.Values{}
	q.Set("contentType", contentType)
	q.Set("size", strconv.FormatInt(size, 10))

	var out uploadURLResponse
	if err := c.do(ctx, http.MethodGet, "/upload-url?"+q.Encode(), nil, &out); err != nil {
		return resource.Target{}, err
	}
	if out.UploadURL == "" || out.FileKey == "" {
		return resource.Target{}, fmt.Errorf("%w: upload-url: incomplete target", errs.ErrUpstream)
	}
	return resource.Target{UploadURL: out.UploadURL, FileKey: out.FileKey}, nil
}

// Transfer PUTs the file bytes straight to the presigned target.
func (c *Client) Transfer(ctx context.Context, t resource.Target, f resource.File) error {
	ctx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.UploadURL, f.Body)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	req.ContentLength = f.Size
	if ct, ok := resource.MediaType(f); ok {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: transfer: %v", errs.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("transfer: %w", &StatusError{Code: resp.StatusCode})
	}
	return nil
}

func (c *Client) Convert(ctx context.Context, fileKey, roomID string) (string, error) {
	in := processRequest{MovieURL: c.MovieURL(fileKey), RoomID: roomID, FileKey: fileKey}

	var out processResponse
	if err := c.call(ctx, c.convertTimeout, http.MethodPost, "/movieupload/process", in, &out); err != nil {
		return "", err
	}
	if !out.Success || out.HLSURL == "" {
		return "", fmt.Errorf("%w: process: %s", errs.ErrUpstream, out.Message)
	}
	return out.HLSURL, nil
}

func (c *Client) Current(ctx context.Context, roomID string) (resource.Resource, error) {
	var out movieStatusResponse
	err := c.do(ctx, http.MethodGet, "/movieupload/"+url.PathEscape(roomID), nil, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return resource.Resource{}, nil
	}
	if err != nil {
		return resource.Resource{}, err
	}
	if !out.Success || out.Video == nil || out.Video.HLSURL == "" {
		return resource.Resource{}, nil
	}
	return resource.Resource{
		Status:      resource.StatusReady,
		FileKey:     out.Video.FileKey,
		ManifestURL: out.Video.HLSURL,
	}, nil
}

func (c *Client) Delete(ctx context.Context, fileKey string) error {
	var out deleteResponse
	if err := c.do(ctx, http.MethodPost, "/movieupload/delete", deleteRequest{FileKey: fileKey}, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("%w: delete: %s", errs.ErrUpstream, out.Message)
	}
	return nil
}

func (c *Client) ChatHistory(ctx context.Context, roomID, after string, limit int) (ChatHistory, error) {
	q := url.Values{}
	if after != "" {
		q.Set("after", after)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/chat"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out ChatHistory
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return ChatHistory{}, err
	}
	return out, nil
}

// MovieURL is the storage location of an uploaded file key.
func (c *Client) MovieURL(fileKey string) string {
	if c.storage == "" {
		return fileKey
	}
	return c.storage + "/" + strings.TrimLeft(fileKey, "/")
}

// retryPause separates the attempts of an idempotent request.
const retryPause = 250 * time.Millisecond

// do runs a short API call. GETs are tried a second time when the first
// attempt fails with a retryable error.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	err := c.call(ctx, c.timeout, method, path, in, out)
	if method != http.MethodGet || !errs.Retryable(err) {
		return err
	}
	select {
	case <-ctx.Done():
		return err
	case <-time.After(retryPause):
	}
	return c.call(ctx, c.timeout, method, path, in, out)
}

func (c *Client) call(ctx context.Context, timeout time.Duration, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if reqID, ok := httputil.FromContext(ctx); ok {
		req.Header.Set(httputil.HeaderRequestID, reqID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", errs.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %s %s: read body: %v", errs.ErrUnavailable, method, path, err)
	}

	if resp.StatusCode/100 != 2 {
		var env errorEnvelope
		_ = json.Unmarshal(raw, &env)
		msg := env.Error.Message
		if msg == "" {
			msg = env.Message
		}
		return fmt.Errorf("%s %s: %w", method, path, &StatusError{Code: resp.StatusCode, Message: msg})
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s %s: decode: %v", errs.ErrUpstream, method, path, err)
	}
	return nil
}
