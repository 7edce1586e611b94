package fitlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fitline/internal/domain"
)

// DefaultBaseURL is where the generation service listens in local setups.
const DefaultBaseURL = "http://localhost:8000"

// DefaultTimeout bounds a whole request; generation calls can take minutes.
const DefaultTimeout = 2 * time.Minute

var defaultHTTPClient = &http.Client{Timeout: DefaultTimeout}

// Asset is the asset record returned by the service.
type Asset = domain.Asset

// ErrUnauthenticated matches 401 responses and token source failures.
var ErrUnauthenticated = domain.ErrUnauthenticated

// Client is a minimal HTTP client for the generation and asset service.
type Client struct {
	BaseURL     string
	BearerToken string
	// TokenSource supplies a bearer token per request and wins over BearerToken.
	TokenSource func(ctx context.Context) (string, error)
	// HTTPClient is shared by concurrent calls and never replaced by the
	// client itself.
	HTTPClient *http.Client
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrUnauthenticated) match 401 responses.
func (e *APIError) Is(target error) bool {
	return target == domain.ErrUnauthenticated && e.StatusCode == http.StatusUnauthorized
}

// Blob is a binary payload with its content type.
type Blob struct {
	Data        []byte
	ContentType string
}

// FilePart is a file field of a multipart request.
type FilePart struct {
	Filename    string
	ContentType string
	Data        []byte
}

// GenerateImageRequest are the form fields of POST /generate-image.
type GenerateImageRequest struct {
	Prompt      string
	AspectRatio string
	Model       string
	Resolution  string
}

// EditImageRequest are the form fields of POST /edit-image.
type EditImageRequest struct {
	Prompt string
	Image  FilePart
	Model  string
}

// TryOnRequest are the form fields of POST /try-on.
type TryOnRequest struct {
	Person   FilePart
	Garment  FilePart
	Category string
}

// GenerateVideoRequest are the form fields of POST /generate-video.
type GenerateVideoRequest struct {
	Prompt          string
	Image           *FilePart
	DurationSeconds int
	AspectRatio     string
	GenerateAudio   *bool
}

// GenerateTextRequest are the form fields of POST /generate-text.
type GenerateTextRequest struct {
	Prompt            string
	Model             string
	SystemInstruction string
	Temperature       *float64
	MaxOutputTokens   int
}

// ListAssetsOptions filter GET /assets.
type ListAssetsOptions struct {
	Limit int
	Type  domain.AssetType
}

// UploadResult is the response of POST /assets/upload.
type UploadResult struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// GenerateImage creates an image from a prompt.
func (c *Client) GenerateImage(ctx context.Context, req GenerateImageRequest) (Blob, error) {
	fields := map[string]string{
		"prompt":       req.Prompt,
		"aspect_ratio": req.AspectRatio,
		"model":        req.Model,
		"resolution":   req.Resolution,
	}
	return c.doMultipart(ctx, "generate-image", fields, nil)
}

// EditImage applies a prompt to an input image.
func (c *Client) EditImage(ctx context.Context, req EditImageRequest) (Blob, error) {
	fields := map[string]string{
		"prompt": req.Prompt,
		"model":  req.Model,
	}
	return c.doMultipart(ctx, "edit-image", fields, map[string]FilePart{"image": req.Image})
}

// TryOn composites a garment onto a person image.
func (c *Client) TryOn(ctx context.Context, req TryOnRequest) (Blob, error) {
	fields := map[string]string{"category": req.Category}
	files := map[string]FilePart{
		"person_image":  req.Person,
		"garment_image": req.Garment,
	}
	return c.doMultipart(ctx, "try-on", fields, files)
}

// GenerateVideo creates a video from a prompt and an optional first frame.
func (c *Client) GenerateVideo(ctx context.Context, req GenerateVideoRequest) (Blob, error) {
	fields := map[string]string{
		"prompt":       req.Prompt,
		"aspect_ratio": req.AspectRatio,
	}
	if req.DurationSeconds > 0 {
		fields["duration_seconds"] = strconv.Itoa(req.DurationSeconds)
	}
	if req.GenerateAudio != nil {
		fields["generate_audio"] = strconv.FormatBool(*req.GenerateAudio)
	}
	var files map[string]FilePart
	if req.Image != nil {
		files = map[string]FilePart{"image": *req.Image}
	}
	return c.doMultipart(ctx, "generate-video", fields, files)
}

// GenerateText runs a text prompt.
func (c *Client) GenerateText(ctx context.Context, req GenerateTextRequest) (string, error) {
	fields := map[string]string{
		"prompt":             req.Prompt,
		"model":              req.Model,
		"system_instruction": req.SystemInstruction,
	}
	if req.Temperature != nil {
		fields["temperature"] = strconv.FormatFloat(*req.Temperature, 'f', -1, 64)
	}
	if req.MaxOutputTokens > 0 {
		fields["max_output_tokens"] = strconv.Itoa(req.MaxOutputTokens)
	}
	blob, err := c.doMultipart(ctx, "generate-text", fields, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(blob.Data, &resp); err != nil {
		return "", fmt.Errorf("decode generate-text response: %w", err)
	}
	return resp.Text, nil
}

// ProxyImage fetches a remote image through the service to dodge origin
// restrictions. It is unauthenticated.
func (c *Client) ProxyImage(ctx context.Context, rawURL string) (Blob, error) {
	endpoint := c.base() + "/proxy-image?url=" + url.QueryEscape(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Blob{}, err
	}
	return c.sendBinary(req)
}

// ListAssets returns the most recent assets, newest first.
func (c *Client) ListAssets(ctx context.Context, opts ListAssetsOptions) ([]Asset, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Type != "" {
		q.Set("type", string(opts.Type))
	}
	endpoint := "assets"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Asset
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateAsset records an asset that already lives at url and returns its id.
func (c *Client) CreateAsset(ctx context.Context, assetURL string, assetType domain.AssetType) (string, error) {
	body := map[string]any{
		"url":  assetURL,
		"type": assetType,
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "assets", body, &raw); err != nil {
		return "", err
	}
	return decodeID(raw), nil
}

// UploadAsset uploads a file and records it as an asset.
func (c *Client) UploadAsset(ctx context.Context, file FilePart, assetType domain.AssetType) (UploadResult, error) {
	blob, err := c.doMultipart(ctx, "assets/upload", map[string]string{"type": string(assetType)}, map[string]FilePart{"file": file})
	if err != nil {
		return UploadResult{}, err
	}
	var resp UploadResult
	if err := json.Unmarshal(blob.Data, &resp); err != nil {
		return UploadResult{}, fmt.Errorf("decode upload response: %w", err)
	}
	return resp, nil
}

// DeleteAsset removes an asset record.
func (c *Client) DeleteAsset(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "assets/"+url.PathEscape(id), nil, nil)
}

// UpdateAssetTags replaces an asset's tags.
func (c *Client) UpdateAssetTags(ctx context.Context, id string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	return c.do(ctx, http.MethodPut, "assets/"+url.PathEscape(id), map[string]any{"tags": tags}, nil)
}

// Health pings the service root.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var resp map[string]string
	err := c.do(ctx, http.MethodGet, "", nil, &resp)
	return resp, err
}

// DevLogin mints a bearer token from a sandbox server.
func (c *Client) DevLogin(ctx context.Context, subject, email, name string) (string, error) {
	body := map[string]any{"subject": subject, "email": email, "name": name}
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp)
	return resp.Token, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) doMultipart(ctx context.Context, endpoint string, fields map[string]string, files map[string]FilePart) (Blob, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(name, value); err != nil {
			return Blob{}, err
		}
	}
	for name, f := range files {
		if err := writeFilePart(mw, name, f); err != nil {
			return Blob{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Blob{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/"+endpoint, &buf)
	if err != nil {
		return Blob{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.authorize(ctx, req); err != nil {
		return Blob{}, err
	}
	return c.sendBinary(req)
}

func writeFilePart(mw *multipart.Writer, field string, f FilePart) error {
	filename := f.Filename
	if filename == "" {
		filename = field
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(field), escapeQuotes(filename)))
	h.Set("Content-Type", contentType)
	w, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = w.Write(f.Data)
	return err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func (c *Client) sendBinary(req *http.Request) (Blob, error) {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Blob{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Blob{}, err
	}
	if resp.StatusCode >= 300 {
		return Blob{}, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return Blob{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token := c.BearerToken
	if c.TokenSource != nil {
		t, err := c.TokenSource(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthenticated) {
				return err
			}
			return fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
		}
		token = t
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return defaultHTTPClient
	}
	return c.HTTPClient
}

func (c *Client) base() string {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/")
}

// decodeID accepts either a bare JSON string or an object with an id field.
func decodeID(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.ID
	}
	return ""
}
