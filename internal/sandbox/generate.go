package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"fitline/internal/domain"
)

const (
	maxFormMemory   = 32 << 20
	canvasLongEdge  = 768
	maxProxiedBytes = 20 << 20
)

// placeholderMP4 is a bare ftyp box; enough for clients to sniff video/mp4.
var placeholderMP4 = []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom")

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.formUser(w, r)
	if !ok {
		return
	}
	assetType, err := domain.ParseAssetType(r.FormValue("type"))
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	data, header, err := readFormFile(r, "file")
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "file"}))
		return
	}
	ext := path.Ext(header.Filename)
	if ext == "" {
		ext = mimetype.Detect(data).Extension()
	}
	url, err := s.storeMedia(r, fmt.Sprintf("%s/%s%s", uid, uuid.NewString(), ext), data)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	a, err := s.saveAsset(r.Context(), uid, url, assetType, domain.TabUserData, nil)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": a.ID, "url": a.URL})
}

func (s *server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.formUser(w, r)
	if !ok {
		return
	}
	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "prompt is required", map[string]any{"field": "prompt"}))
		return
	}
	ratio := r.FormValue("aspect_ratio")
	if ratio == "" {
		ratio = "3:4"
	}
	width, height, err := canvasSize(ratio)
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "aspect_ratio"}))
		return
	}
	img := imaging.New(width, height, promptColor(prompt))
	data, err := encode(img, imaging.PNG)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	s.recordGeneration(r, uid, data, "_gen.png", domain.AssetGeneratedImage, map[string]any{
		"prompt": prompt, "source": "text-to-image", "aspectRatio": ratio,
	})
	writeBinary(w, "image/png", data)
}

func (s *server) handleEditImage(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.formUser(w, r)
	if !ok {
		return
	}
	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "prompt is required", map[string]any{"field": "prompt"}))
		return
	}
	src, header, ok := s.formImage(w, r, "image")
	if !ok {
		return
	}
	b := src.Bounds()
	out := imaging.AdjustBrightness(src, 8)
	band := imaging.New(b.Dx(), max(1, b.Dy()/4), promptColor(prompt))
	out = imaging.Overlay(out, band, image.Pt(0, b.Dy()-band.Bounds().Dy()), 0.35)
	data, err := encode(out, imaging.PNG)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	s.recordGeneration(r, uid, data, "_output.png", domain.AssetEditedImage, map[string]any{
		"prompt": prompt, "source": "edit-image-output", "parentFilename": header.Filename,
	})
	writeBinary(w, "image/png", data)
}

func (s *server) handleTryOn(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.formUser(w, r)
	if !ok {
		return
	}
	person, personHeader, ok := s.formImage(w, r, "person_image")
	if !ok {
		return
	}
	garment, garmentHeader, ok := s.formImage(w, r, "garment_image")
	if !ok {
		return
	}
	category := r.FormValue("category")
	if category == "" {
		category = "tops"
	}
	pb := person.Bounds()
	fitted := imaging.Fit(garment, max(1, pb.Dx()*3/5), max(1, pb.Dy()*2/5), imaging.Lanczos)
	top := pb.Dy() / 4
	if category == "bottoms" {
		top = pb.Dy() / 2
	}
	at := image.Pt((pb.Dx()-fitted.Bounds().Dx())/2, top)
	out := imaging.Overlay(person, fitted, at, 0.9)
	data, err := encode(out, imaging.JPEG)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	s.recordGeneration(r, uid, data, "_tryon.jpg", domain.AssetTryOnResult, map[string]any{
		"source": "try-on-output", "category": category,
		"personFilename": personHeader.Filename, "garmentFilename": garmentHeader.Filename,
	})
	writeBinary(w, "image/jpeg", data)
}

func (s *server) handleGenerateVideo(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.formUser(w, r)
	if !ok {
		return
	}
	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "prompt is required", map[string]any{"field": "prompt"}))
		return
	}
	source, inputName := "text-to-video", ""
	if f, header, err := r.FormFile("image"); err == nil {
		f.Close()
		source, inputName = "image-to-video", header.Filename
	}
	extra := map[string]any{"prompt": prompt, "source": source}
	if inputName != "" {
		extra["inputImageFilename"] = inputName
	}
	if d := r.FormValue("duration_seconds"); d != "" {
		if n, err := strconv.Atoi(d); err == nil {
			extra["durationSeconds"] = n
		}
	}
	s.recordGeneration(r, uid, placeholderMP4, ".mp4", domain.AssetGeneratedVideo, extra)
	writeBinary(w, "video/mp4", placeholderMP4)
}

func (s *server) handleGenerateText(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.formUser(w, r); !ok {
		return
	}
	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "prompt is required", map[string]any{"field": "prompt"}))
		return
	}
	text := prompt
	if sys := strings.TrimSpace(r.FormValue("system_instruction")); sys != "" {
		text = sys + "\n\n" + prompt
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": "[sandbox] " + text})
}

func (s *server) handleProxyImage(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "url must be http or https", map[string]any{"field": "url"}))
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
		return
	}
	client := s.cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), nil))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respondStatusError(w, newAPIError(http.StatusBadGateway, "upstream_error",
			fmt.Sprintf("upstream returned %d", resp.StatusCode), map[string]any{"status": resp.StatusCode}))
		return
	}
	limit := s.cfg.MaxProxyBytes
	if limit <= 0 {
		limit = maxProxiedBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), nil))
		return
	}
	if int64(len(data)) > limit {
		respondStatusError(w, newAPIError(http.StatusBadGateway, "upstream_too_large",
			fmt.Sprintf("upstream body exceeds %d bytes", limit), map[string]any{"limit": limit}))
		return
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = mimetype.Detect(data).String()
	}
	writeBinary(w, ct, data)
}

// formUser parses the multipart form and resolves the caller.
func (s *server) formUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid, authErr := userIDFromContext(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return "", false
	}
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "multipart form required", map[string]any{"error": err.Error()}))
		return "", false
	}
	return uid, true
}

func (s *server) formImage(w http.ResponseWriter, r *http.Request, field string) (image.Image, *multipart.FileHeader, bool) {
	data, header, err := readFormFile(r, field)
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": field}))
		return nil, nil, false
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", field+" is not a decodable image", map[string]any{
			"field": field, "content_type": mimetype.Detect(data).String(),
		}))
		return nil, nil, false
	}
	return img, header, true
}

func readFormFile(r *http.Request, field string) ([]byte, *multipart.FileHeader, error) {
	f, header, err := r.FormFile(field)
	if err != nil {
		return nil, nil, fmt.Errorf("%s is required", field)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", field, err)
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%s is empty", field)
	}
	return data, header, nil
}

// recordGeneration stores a generated result as a user-generated-data asset.
// Failures are logged; the caller still gets its result.
func (s *server) recordGeneration(r *http.Request, uid string, data []byte, suffix string, t domain.AssetType, extra map[string]any) {
	url, err := s.storeMedia(r, uid+"/"+uuid.NewString()+suffix, data)
	if err == nil {
		_, err = s.saveAsset(r.Context(), uid, url, t, domain.TabUserGeneratedData, extra)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", uid).Str("type", string(t)).Msg("record generated asset")
	}
}

func (s *server) storeMedia(r *http.Request, key string, data []byte) (string, error) {
	clean, err := s.cfg.Files.Write(r.Context(), key, data)
	if err != nil {
		return "", err
	}
	return s.publicURL(r) + "/media/" + clean, nil
}

func (s *server) publicURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// canvasSize maps "W:H" onto a canvas whose long edge is canvasLongEdge.
func canvasSize(ratio string) (int, int, error) {
	ws, hs, ok := strings.Cut(ratio, ":")
	w, werr := strconv.Atoi(strings.TrimSpace(ws))
	h, herr := strconv.Atoi(strings.TrimSpace(hs))
	if !ok || werr != nil || herr != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid aspect_ratio %q", ratio)
	}
	if w >= h {
		return canvasLongEdge, max(1, canvasLongEdge*h/w), nil
	}
	return max(1, canvasLongEdge*w/h), canvasLongEdge, nil
}

// promptColor derives a stable fill colour from the prompt text.
func promptColor(prompt string) color.NRGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	v := h.Sum32()
	return color.NRGBA{R: uint8(v), G: uint8(v >> 8), B: uint8(v >> 16), A: 255}
}

func encode(img image.Image, format imaging.Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBinary(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
