package fitlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitline/internal/domain"
)

func TestTryOnSendsMultipartAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/try-on", r.URL.Path)
		assert.Equal(t, "Bearer guest_abc", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "tops", r.FormValue("category"))
		person, ph, err := r.FormFile("person_image")
		require.NoError(t, err)
		defer person.Close()
		assert.Equal(t, "person.png", ph.Filename)
		assert.Equal(t, "image/png", ph.Header.Get("Content-Type"))
		data, _ := io.ReadAll(person)
		assert.Equal(t, "P", string(data))
		_, _, err = r.FormFile("garment_image")
		require.NoError(t, err)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("RESULT"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.TokenSource = func(context.Context) (string, error) { return "guest_abc", nil }
	blob, err := c.TryOn(context.Background(), TryOnRequest{
		Person:   FilePart{Filename: "person.png", ContentType: "image/png", Data: []byte("P")},
		Garment:  FilePart{Filename: "garment.png", ContentType: "image/png", Data: []byte("G")},
		Category: "tops",
	})
	require.NoError(t, err)
	assert.Equal(t, "RESULT", string(blob.Data))
	assert.Equal(t, "image/jpeg", blob.ContentType)
}

func TestUnauthorizedMatchesSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"unauthorized"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ListAssets(context.Background(), ListAssetsOptions{Limit: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthenticated))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestTokenSourceFailureIsUnauthenticated(t *testing.T) {
	c := New("http://127.0.0.1:1")
	c.TokenSource = func(context.Context) (string, error) { return "", errors.New("popup closed") }
	_, err := c.GenerateImage(context.Background(), GenerateImageRequest{Prompt: "x"})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestConcurrentCallsShareHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	shared := c.HTTPClient
	require.NotNil(t, shared)
	assert.Equal(t, DefaultTimeout, shared.Timeout)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Health(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "ok", resp["status"])
		}()
	}
	wg.Wait()
	assert.Same(t, shared, c.HTTPClient)

	bare := &Client{BaseURL: srv.URL}
	_, err := bare.Health(context.Background())
	require.NoError(t, err)
	assert.Nil(t, bare.HTTPClient)
}

func TestAssetEndpoints(t *testing.T) {
	var deleted, tagged string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/assets":
			assert.Equal(t, "100", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`[{"id":"1","url":"https://x/1.png","type":"output-image","createdAt":5,"source":"try-on-output"}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/assets":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "generated-image", body["type"])
			_, _ = w.Write([]byte(`"srv-1"`))
		case r.Method == http.MethodPost && r.URL.Path == "/assets/upload":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "output-image", r.FormValue("type"))
			_, _ = w.Write([]byte(`{"id":"srv-2","url":"https://cdn/srv-2.png"}`))
		case r.Method == http.MethodDelete:
			deleted = r.URL.Path
		case r.Method == http.MethodPut:
			tagged = r.URL.Path
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := New(srv.URL)
	ctx := context.Background()

	assets, err := c.ListAssets(ctx, ListAssetsOptions{Limit: 100})
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "try-on-output", assets[0].Extra["source"])

	id, err := c.CreateAsset(ctx, "https://x/y.png", domain.AssetGeneratedImage)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", id)

	up, err := c.UploadAsset(ctx, FilePart{Filename: "r.png", Data: []byte("x")}, domain.AssetOutputImage)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/srv-2.png", up.URL)

	require.NoError(t, c.DeleteAsset(ctx, "a b"))
	assert.Equal(t, "/assets/a b", deleted)
	require.NoError(t, c.UpdateAssetTags(ctx, "srv-1", []string{"x"}))
	assert.Equal(t, "/assets/srv-1", tagged)
}

func TestProxyImageEscapesURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/proxy-image", r.URL.Path)
		assert.Equal(t, "https://cdn.example.com/a.png?x=1&y=2", r.URL.Query().Get("url"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("PNG"))
	}))
	defer srv.Close()
	c := New(srv.URL)
	c.BearerToken = "secret"
	blob, err := c.ProxyImage(context.Background(), "https://cdn.example.com/a.png?x=1&y=2")
	require.NoError(t, err)
	assert.Equal(t, "PNG", string(blob.Data))
}
