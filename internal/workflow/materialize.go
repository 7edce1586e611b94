package workflow

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fitline/internal/domain"
	fitlinesdk "fitline/sdk/go"
)

const blobScheme = "blob:"

// File is a materialized reference ready to be sent as a form part.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

func (f File) part() fitlinesdk.FilePart {
	return fitlinesdk.FilePart{Filename: f.Name, ContentType: f.ContentType, Data: f.Data}
}

// Blobs holds generated results in memory under blob: references.
type Blobs struct {
	mu    sync.RWMutex
	items map[string]fitlinesdk.Blob
}

func NewBlobs() *Blobs {
	return &Blobs{items: make(map[string]fitlinesdk.Blob)}
}

// Put stores b and returns its reference.
func (r *Blobs) Put(b fitlinesdk.Blob) string {
	ref := blobScheme + uuid.NewString()
	r.mu.Lock()
	r.items[ref] = b
	r.mu.Unlock()
	return ref
}

func (r *Blobs) Get(ref string) (fitlinesdk.Blob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.items[ref]
	return b, ok
}

// Delete drops ref. Unknown references are ignored.
func (r *Blobs) Delete(ref string) {
	r.mu.Lock()
	delete(r.items, ref)
	r.mu.Unlock()
}

// Len reports how many results are held.
func (r *Blobs) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Proxy fetches remote images through the service.
type Proxy interface {
	ProxyImage(ctx context.Context, rawURL string) (fitlinesdk.Blob, error)
}

// Materializer turns image references into bytes. References may be blob:
// results, data: URIs, http(s) URLs, file:// URLs or local paths.
type Materializer struct {
	Blobs      *Blobs
	Proxy      Proxy
	HTTPClient *http.Client
	// MaxDimension bounds the longest edge of images sent for editing.
	// Zero disables downscaling.
	MaxDimension int
	Log          zerolog.Logger
}

// Materialize resolves ref without touching its bytes.
func (m *Materializer) Materialize(ctx context.Context, ref, name string) (File, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return File{}, fmt.Errorf("%w: empty reference", domain.ErrInvalidReference)
	}
	var (
		data []byte
		ct   string
		err  error
	)
	switch {
	case strings.HasPrefix(ref, blobScheme):
		if m.Blobs == nil {
			return File{}, fmt.Errorf("%w: no blob registry", domain.ErrInvalidReference)
		}
		b, ok := m.Blobs.Get(ref)
		if !ok {
			return File{}, fmt.Errorf("%w: unknown blob %s", domain.ErrInvalidReference, ref)
		}
		data, ct = b.Data, b.ContentType
	case strings.HasPrefix(ref, "data:"):
		data, ct, err = decodeDataURI(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		data, ct, err = m.fetch(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		u, perr := url.Parse(ref)
		if perr != nil {
			return File{}, fmt.Errorf("%w: %v", domain.ErrInvalidReference, perr)
		}
		data, err = readLocal(u.Path)
	case strings.Contains(ref, "://"):
		return File{}, fmt.Errorf("%w: unsupported scheme in %q", domain.ErrInvalidReference, ref)
	default:
		data, err = readLocal(ref)
	}
	if err != nil {
		return File{}, err
	}
	if len(data) == 0 {
		return File{}, fmt.Errorf("%w: %s is empty", domain.ErrInvalidReference, ref)
	}
	mt := mimetype.Detect(data)
	ct, _, _ = strings.Cut(ct, ";")
	ct = strings.TrimSpace(ct)
	if ct == "" || ct == "application/octet-stream" {
		ct = mt.String()
	}
	ext := mt.Extension()
	if declared := mimetype.Lookup(ct); declared != nil && declared.Extension() != "" {
		ext = declared.Extension()
	}
	return File{Name: name + ext, ContentType: ct, Data: data}, nil
}

// MaterializeImage resolves ref and downscales it to MaxDimension. Data
// imaging cannot decode is passed through unchanged.
func (m *Materializer) MaterializeImage(ctx context.Context, ref, name string) (File, error) {
	f, err := m.Materialize(ctx, ref, name)
	if err != nil || m.MaxDimension <= 0 {
		return f, err
	}
	img, err := imaging.Decode(bytes.NewReader(f.Data), imaging.AutoOrientation(true))
	if err != nil {
		m.Log.Debug().Err(err).Str("content_type", f.ContentType).Msg("skip downscale")
		return f, nil
	}
	b := img.Bounds()
	if b.Dx() <= m.MaxDimension && b.Dy() <= m.MaxDimension {
		return f, nil
	}
	resized := imaging.Fit(img, m.MaxDimension, m.MaxDimension, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.PNG); err != nil {
		return File{}, fmt.Errorf("encode %s: %w", name, err)
	}
	m.Log.Debug().Int("width", b.Dx()).Int("height", b.Dy()).Int("max", m.MaxDimension).Msg("downscaled input")
	return File{Name: name + ".png", ContentType: "image/png", Data: buf.Bytes()}, nil
}

// fetch tries the URL directly and falls back to the service proxy.
func (m *Materializer) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	data, ct, err := m.fetchDirect(ctx, rawURL)
	if err == nil {
		return data, ct, nil
	}
	if m.Proxy == nil {
		return nil, "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	m.Log.Debug().Err(err).Str("url", rawURL).Msg("direct fetch failed; using proxy")
	b, perr := m.Proxy.ProxyImage(ctx, rawURL)
	if perr != nil {
		return nil, "", fmt.Errorf("fetch %s through proxy: %w", rawURL, perr)
	}
	return b.Data, b.ContentType, nil
}

func (m *Materializer) fetchDirect(ctx context.Context, rawURL string) ([]byte, string, error) {
	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func decodeDataURI(ref string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: malformed data uri", domain.ErrInvalidReference)
	}
	ct, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		text, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidReference, err)
		}
		return []byte(text), ct, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidReference, err)
	}
	return data, ct, nil
}

func readLocal(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidReference, err)
	}
	return data, nil
}
