package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"assetvault/internal/domain"
	"assetvault/internal/storage"
)

// Заголовки, которыми обмениваемся с удалённым хранилищем.
const (
	HeaderSignature = "X-Asset-Signature"
	HeaderVersion   = "X-Asset-Version"
	HeaderDumpName  = "X-Dump-Name"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client: blob-хранилище за HTTP API:
//
//	PUT|GET|DELETE {base}/blobs/{key}
//	GET            {base}/dumps/last?format={json|rdb}
//
// Любой ответ вне 2xx считается ошибкой, 401 означает неверный токен и не повторяется.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

var _ storage.Backend = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote storage base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote storage url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{base: base, token: cfg.Token, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) Name() string { return "remote" }

func (c *Client) blobURL(p string) (string, error) {
	key, err := storage.Key(p)
	if err != nil {
		return "", err
	}
	return c.base.JoinPath("blobs", key).String(), nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, header http.Header) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, storage.BackendErr(c.Name(), "build request", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, storage.BackendErr(c.Name(), method, err)
	}
	return resp, nil
}

// statusErr переводит код ответа в ошибку сервиса.
func (c *Client) statusErr(resp *http.Response, p string) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return storage.NotFound(p)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: remote %s %s", domain.ErrBadCredential, resp.Request.Method, p)
	default:
		return fmt.Errorf("%w: remote %s %s: status %d: %s",
			domain.ErrBackend, resp.Request.Method, p, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

func ok(code int) bool { return code >= 200 && code < 300 }

func (c *Client) Get(ctx context.Context, p string) ([]byte, error) {
	target, err := c.blobURL(p)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if !ok(resp.StatusCode) {
		return nil, c.statusErr(resp, p)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, storage.BackendErr(c.Name(), "read body", err)
	}
	return data, nil
}

func (c *Client) Put(ctx context.Context, p string, data []byte, meta storage.Metadata) error {
	target, err := c.blobURL(p)
	if err != nil {
		return err
	}
	h := http.Header{}
	if meta.ContentType != "" {
		h.Set("Content-Type", meta.ContentType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	if meta.Signature != "" {
		h.Set(HeaderSignature, meta.Signature)
	}
	if meta.Version > 0 {
		h.Set(HeaderVersion, strconv.Itoa(meta.Version))
	}
	resp, err := c.do(ctx, http.MethodPut, target, data, h)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !ok(resp.StatusCode) {
		return c.statusErr(resp, p)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, p string) error {
	target, err := c.blobURL(p)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodDelete, target, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !ok(resp.StatusCode) {
		return c.statusErr(resp, p)
	}
	return nil
}

func (c *Client) PutMany(ctx context.Context, items []storage.Item) storage.BatchResult {
	return storage.PutEach(ctx, c, items)
}

func (c *Client) DeleteMany(ctx context.Context, paths []string) storage.BatchResult {
	return storage.DeleteEach(ctx, c, paths)
}

func (c *Client) GetLastDump(ctx context.Context, format domain.DumpFormat) (*domain.DumpFile, error) {
	u := c.base.JoinPath(storage.DumpDir, "last")
	u.RawQuery = url.Values{"format": {string(format)}}.Encode()

	resp, err := c.do(ctx, http.MethodGet, u.String(), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, storage.NoDump(format)
	}
	if !ok(resp.StatusCode) {
		return nil, c.statusErr(resp, storage.DumpDir)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, storage.BackendErr(c.Name(), "read body", err)
	}

	name := resp.Header.Get(HeaderDumpName)
	if name == "" {
		name = domain.DumpName(time.Now())
	}
	entry := storage.DumpEntry{Name: name, Path: storage.DumpPath(name, format)}
	return storage.NewDumpFile(entry, format, data), nil
}
