package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetvault/internal/domain"
	"assetvault/internal/storage"
)

type fakeServer struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]http.Header
	token   string
	status  int
}

func newFakeServer(token string) *fakeServer {
	return &fakeServer{objects: map[string][]byte{}, headers: map[string]http.Header{}, token: token}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.status != 0 {
		http.Error(w, "boom", f.status)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/dumps/last" {
		format := r.URL.Query().Get("format")
		var best string
		for key := range f.objects {
			if strings.HasPrefix(key, "dumps/") && strings.HasSuffix(key, "."+format) && key > best {
				best = key
			}
		}
		if best == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		name := strings.TrimSuffix(strings.TrimPrefix(best, "dumps/"), "."+format)
		w.Header().Set(HeaderDumpName, name)
		w.Write(f.objects[best])
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/blobs/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.headers[key] = r.Header.Clone()
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	case http.MethodDelete:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newClient(t *testing.T, srv *httptest.Server, token string) *Client {
	c, err := New(Config{BaseURL: srv.URL + "/", Token: token})
	require.NoError(t, err)
	return c
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeServer("secret")
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newClient(t, srv, "secret")

	meta := storage.Metadata{ContentType: "image/webp", Signature: "abc", Version: 2}
	require.NoError(t, c.Put(ctx, "/DEV/a.webp", []byte("webp"), meta))
	assert.Equal(t, "abc", fake.headers["DEV/a.webp"].Get(HeaderSignature))
	assert.Equal(t, "2", fake.headers["DEV/a.webp"].Get(HeaderVersion))
	assert.Equal(t, "image/webp", fake.headers["DEV/a.webp"].Get("Content-Type"))

	got, err := c.Get(ctx, "/DEV/a.webp")
	require.NoError(t, err)
	assert.Equal(t, "webp", string(got))

	require.NoError(t, c.Delete(ctx, "/DEV/a.webp"))
	_, err = c.Get(ctx, "/DEV/a.webp")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, c.Delete(ctx, "/DEV/a.webp"), domain.ErrNotFound)
}

func TestClientBadCredential(t *testing.T) {
	srv := httptest.NewServer(newFakeServer("secret"))
	defer srv.Close()
	c := newClient(t, srv, "wrong")

	err := c.Put(context.Background(), "/DEV/a.png", []byte("x"), storage.Metadata{})
	assert.ErrorIs(t, err, domain.ErrBadCredential)
	assert.ErrorIs(t, err, domain.ErrBackend)
}

func TestClientServerError(t *testing.T) {
	fake := newFakeServer("secret")
	fake.status = http.StatusBadGateway
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newClient(t, srv, "secret")

	_, err := c.Get(context.Background(), "/DEV/a.png")
	assert.ErrorIs(t, err, domain.ErrBackend)
	assert.NotErrorIs(t, err, domain.ErrBadCredential)
	assert.Contains(t, err.Error(), "502")
}

func TestClientLastDump(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(newFakeServer("secret"))
	defer srv.Close()
	c := newClient(t, srv, "secret")

	_, err := c.GetLastDump(ctx, domain.DumpFormatJSON)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, c.Put(ctx, storage.DumpPath("20240101T000000", domain.DumpFormatJSON), []byte("[]"), storage.Metadata{}))
	require.NoError(t, c.Put(ctx, storage.DumpPath("20240105T000000", domain.DumpFormatJSON), []byte("[{}]"), storage.Metadata{}))

	dump, err := c.GetLastDump(ctx, domain.DumpFormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "20240105T000000", dump.Name)
	assert.Equal(t, "dumps/20240105T000000.json", dump.Path)
	assert.Equal(t, "[{}]", string(dump.Content))
}
