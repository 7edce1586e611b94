package sandbox_test

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitline/internal/db"
	"fitline/internal/domain"
	"fitline/internal/identity"
	"fitline/internal/library"
	"fitline/internal/logger"
	"fitline/internal/migrate"
	"fitline/internal/repo"
	"fitline/internal/sandbox"
	"fitline/internal/storage"
	fitlinesdk "fitline/sdk/go"
)

const testSecret = "sandbox-secret"

func newTestServer(t *testing.T) (*httptest.Server, repo.Repo) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace, Name: db.SandboxDBName})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	files, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	handler, err := sandbox.New(sandbox.Config{Repo: r, Files: files, JWTSecret: testSecret, Log: logger.Nop()})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv, r
}

func guestClient(srv *httptest.Server, id string) *fitlinesdk.Client {
	c := fitlinesdk.New(srv.URL)
	c.BearerToken = id
	return c
}

func pngOf(t *testing.T, w, h int) fitlinesdk.FilePart {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.NRGBA{G: 120, A: 255}), imaging.PNG))
	return fitlinesdk.FilePart{Filename: "in.png", ContentType: "image/png", Data: buf.Bytes()}
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := fitlinesdk.New(srv.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp["status"])
}

func TestAssetsRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	_, err := fitlinesdk.New(srv.URL).ListAssets(ctx, fitlinesdk.ListAssetsOptions{})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	_, err = guestClient(srv, "not-a-guest").ListAssets(ctx, fitlinesdk.ListAssetsOptions{})
	var apiErr *fitlinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "invalid_credentials")
}

func TestAssetLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	c := guestClient(srv, "guest_alice")

	id, err := c.CreateAsset(ctx, "http://example.com/a.png", domain.AssetInputImage)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = c.CreateAsset(ctx, "http://example.com/b.png", domain.AssetType("sticker"))
	var apiErr *fitlinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	require.NoError(t, c.UpdateAssetTags(ctx, id, []string{"summer"}))
	items, err := c.ListAssets(ctx, fitlinesdk.ListAssetsOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []string{"summer"}, items[0].Tags())
	assert.Equal(t, "guest_alice", items[0].UserID)

	// other users never see it
	others, err := guestClient(srv, "guest_bob").ListAssets(ctx, fitlinesdk.ListAssetsOptions{})
	require.NoError(t, err)
	assert.Empty(t, others)

	require.NoError(t, c.DeleteAsset(ctx, id))
	err = c.DeleteAsset(ctx, id)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestUploadServesMedia(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	c := guestClient(srv, "guest_alice")
	part := pngOf(t, 8, 8)

	res, err := c.UploadAsset(ctx, part, domain.AssetGarmentImage)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)

	resp, err := http.Get(res.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, part.Data, body)

	items, err := c.ListAssets(ctx, fitlinesdk.ListAssetsOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.TabUserData, items[0].Category)
}

func TestGenerationRecordsAssets(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	c := guestClient(srv, "guest_alice")

	blob, err := c.GenerateImage(ctx, fitlinesdk.GenerateImageRequest{Prompt: "studio model", AspectRatio: "3:4"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", blob.ContentType)
	img, err := imaging.Decode(bytes.NewReader(blob.Data))
	require.NoError(t, err)
	assert.Equal(t, 576, img.Bounds().Dx())
	assert.Equal(t, 768, img.Bounds().Dy())

	out, err := c.TryOn(ctx, fitlinesdk.TryOnRequest{Person: pngOf(t, 60, 80), Garment: pngOf(t, 20, 20), Category: "tops"})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", out.ContentType)

	edited, err := c.EditImage(ctx, fitlinesdk.EditImageRequest{Prompt: "beach", Image: pngOf(t, 10, 10)})
	require.NoError(t, err)
	assert.NotEmpty(t, edited.Data)

	video, err := c.GenerateVideo(ctx, fitlinesdk.GenerateVideoRequest{Prompt: "turn around"})
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", video.ContentType)

	text, err := c.GenerateText(ctx, fitlinesdk.GenerateTextRequest{Prompt: "describe"})
	require.NoError(t, err)
	assert.Contains(t, text, "describe")

	items, err := c.ListAssets(ctx, fitlinesdk.ListAssetsOptions{})
	require.NoError(t, err)
	require.Len(t, items, 4)
	types := map[domain.AssetType]bool{}
	for _, a := range items {
		assert.Equal(t, domain.TabUserGeneratedData, a.Category)
		types[a.Type] = true
	}
	assert.True(t, types[domain.AssetGeneratedImage])
	assert.True(t, types[domain.AssetTryOnResult])
	assert.True(t, types[domain.AssetEditedImage])
	assert.True(t, types[domain.AssetGeneratedVideo])

	_, err = c.TryOn(ctx, fitlinesdk.TryOnRequest{Person: pngOf(t, 4, 4), Garment: fitlinesdk.FilePart{Filename: "x.txt", Data: []byte("nope")}})
	var apiErr *fitlinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestProxyImage(t *testing.T) {
	srv, _ := newTestServer(t)
	part := pngOf(t, 3, 3)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(part.Data)
	}))
	defer origin.Close()

	blob, err := fitlinesdk.New(srv.URL).ProxyImage(context.Background(), origin.URL+"/x.png")
	require.NoError(t, err)
	assert.Equal(t, part.Data, blob.Data)
}

func TestProxyImageRejectsUpstreamFailures(t *testing.T) {
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace, Name: db.SandboxDBName})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	files, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	handler, err := sandbox.New(sandbox.Config{
		Repo:          repo.Repo{DB: conn},
		Files:         files,
		JWTSecret:     testSecret,
		MaxProxyBytes: 16,
		Log:           logger.Nop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.png":
			http.NotFound(w, r)
		case "/big.png":
			_, _ = w.Write(bytes.Repeat([]byte("x"), 17))
		default:
			_, _ = w.Write(pngOf(t, 1, 1).Data[:8])
		}
	}))
	defer origin.Close()

	c := fitlinesdk.New(srv.URL)
	ctx := context.Background()
	var apiErr *fitlinesdk.APIError

	_, err = c.ProxyImage(ctx, origin.URL+"/missing.png")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "upstream_error")

	_, err = c.ProxyImage(ctx, origin.URL+"/big.png")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "upstream_too_large")

	blob, err := c.ProxyImage(ctx, origin.URL+"/small.png")
	require.NoError(t, err)
	assert.Len(t, blob.Data, 8)
}

func TestDevLoginTokenAuthenticates(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	token, err := fitlinesdk.New(srv.URL).DevLogin(ctx, "user-1", "ada@example.com", "Ada")
	require.NoError(t, err)

	id, err := identity.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.ID())
	assert.Equal(t, "Ada", id.DisplayName())

	c := fitlinesdk.New(srv.URL)
	c.BearerToken = token
	_, err = c.CreateAsset(ctx, "http://example.com/a.png", domain.AssetInputImage)
	require.NoError(t, err)
	items, err := c.ListAssets(ctx, fitlinesdk.ListAssetsOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "user-1", items[0].UserID)

	forged, err := sandbox.SignDevToken("other-secret", "user-1", "", "", time.Hour, time.Now())
	require.NoError(t, err)
	c.BearerToken = forged
	_, err = c.ListAssets(ctx, fitlinesdk.ListAssetsOptions{})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestLibraryRoundTripAgainstSandbox(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	client := guestClient(srv, "guest_alice")
	store := library.New(library.Options{
		Remote:     client,
		Identities: guestIdentities{identity.NewGuest("guest_alice")},
		Log:        logger.Nop(),
	})

	_, err := store.AddByURL(ctx, "http://example.com/gen.png", domain.AssetGeneratedImage)
	require.NoError(t, err)
	require.NoError(t, store.Refresh(ctx))

	list := store.List()
	require.Len(t, list, 1)
	assert.Equal(t, domain.AssetGeneratedImage, list[0].Type)
	assert.LessOrEqual(t, list[0].CreatedAt, time.Now().UnixMilli())
	assert.NotContains(t, list[0].ID, "tmp-")
}

type guestIdentities struct{ g identity.Guest }

func (g guestIdentities) Current(context.Context) (identity.Identity, error) { return g.g, nil }
func (g guestIdentities) Token(ctx context.Context) (string, error)          { return g.g.Token(ctx) }
