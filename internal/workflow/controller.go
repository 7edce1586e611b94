// Package workflow drives the four step try-on wizard: pick a model, optionally
// replace the background, pick a garment, then run the try-on and decide
// whether to keep the result.
package workflow

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"fitline/internal/config"
	"fitline/internal/domain"
	"fitline/internal/events"
	fitlinesdk "fitline/sdk/go"
)

// Generator is the generation half of the service API.
type Generator interface {
	GenerateImage(ctx context.Context, req fitlinesdk.GenerateImageRequest) (fitlinesdk.Blob, error)
	EditImage(ctx context.Context, req fitlinesdk.EditImageRequest) (fitlinesdk.Blob, error)
	TryOn(ctx context.Context, req fitlinesdk.TryOnRequest) (fitlinesdk.Blob, error)
	GenerateVideo(ctx context.Context, req fitlinesdk.GenerateVideoRequest) (fitlinesdk.Blob, error)
	ProxyImage(ctx context.Context, rawURL string) (fitlinesdk.Blob, error)
}

// Saver persists confirmed results into the asset library.
type Saver interface {
	Upload(ctx context.Context, data []byte, filename string, assetType domain.AssetType) (string, error)
}

// TokenSource yields the bearer token for the acting identity.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type ResultKind string

const (
	ResultImage ResultKind = "image"
	ResultVideo ResultKind = "video"
)

// State is a snapshot of the wizard.
type State struct {
	Step              domain.Step        `json:"step"`
	ModelImage        string             `json:"model_image,omitempty"`
	ModelSource       domain.ModelSource `json:"model_source,omitempty"`
	GarmentImage      string             `json:"garment_image,omitempty"`
	BackgroundEnabled bool               `json:"background_enabled"`
	BackgroundPrompt  string             `json:"background_prompt,omitempty"`
	Result            string             `json:"result,omitempty"`
	ResultKind        ResultKind         `json:"result_kind,omitempty"`
	Preview           string             `json:"preview,omitempty"`
	PendingSave       bool               `json:"pending_save"`
	Processing        bool               `json:"processing"`
	LastError         string             `json:"last_error,omitempty"`
}

type Options struct {
	Config     config.Workflow
	Client     Generator
	Library    Saver
	Identities TokenSource
	HTTPClient *http.Client
	Log        zerolog.Logger
	Events     events.Writer
}

type Controller struct {
	cfg        config.Workflow
	client     Generator
	library    Saver
	identities TokenSource
	events     events.Writer
	log        zerolog.Logger

	Materializer *Materializer

	processing atomic.Bool

	mu    sync.Mutex
	state State
}

func New(opts Options) *Controller {
	log := opts.Log.With().Str("component", "workflow").Logger()
	return &Controller{
		cfg:        opts.Config,
		client:     opts.Client,
		library:    opts.Library,
		identities: opts.Identities,
		events:     opts.Events,
		log:        log,
		Materializer: &Materializer{
			Blobs:        NewBlobs(),
			Proxy:        opts.Client,
			HTTPClient:   opts.HTTPClient,
			MaxDimension: opts.Config.MaxInputDimension,
			Log:          log,
		},
		state: State{Step: domain.StepModelSelection},
	}
}

// State returns a copy of the wizard state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Processing = c.processing.Load()
	return s
}

// Next advances one step. Leaving model selection needs a model image and
// entering try-on needs a garment image.
func (c *Controller) Next() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state.Step {
	case domain.StepModelSelection:
		if strings.TrimSpace(c.state.ModelImage) == "" {
			return &domain.ValidationError{Field: "model_image", Message: "select or generate a model first"}
		}
	case domain.StepGarment:
		if strings.TrimSpace(c.state.GarmentImage) == "" {
			return &domain.ValidationError{Field: "garment_image", Message: "select a garment first"}
		}
	case domain.StepTryOn:
		return &domain.ValidationError{Field: "step", Message: "already at the last step"}
	}
	c.state.Step++
	return nil
}

// Back moves one step back, stopping at model selection.
func (c *Controller) Back() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Step > domain.StepModelSelection {
		c.state.Step--
	}
}

// GoTo jumps back to any earlier step or forward by exactly one step through
// the Next guards.
func (c *Controller) GoTo(step domain.Step) error {
	if step < domain.StepModelSelection || step > domain.StepTryOn {
		return &domain.ValidationError{Field: "step", Message: fmt.Sprintf("unknown step %d", step)}
	}
	c.mu.Lock()
	current := c.state.Step
	if step <= current {
		c.state.Step = step
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if step != current+1 {
		return &domain.ValidationError{Field: "step", Message: fmt.Sprintf("cannot skip from %s to %s", current, step)}
	}
	return c.Next()
}

func (c *Controller) SetModelImage(ref string, source domain.ModelSource) {
	c.mu.Lock()
	old := c.state.ModelImage
	c.state.ModelImage = strings.TrimSpace(ref)
	c.state.ModelSource = source
	c.release(old)
	c.mu.Unlock()
}

func (c *Controller) SetGarmentImage(ref string) {
	c.mu.Lock()
	old := c.state.GarmentImage
	c.state.GarmentImage = strings.TrimSpace(ref)
	c.release(old)
	c.mu.Unlock()
}

func (c *Controller) SetBackground(enabled bool, prompt string) {
	c.mu.Lock()
	c.state.BackgroundEnabled = enabled
	c.state.BackgroundPrompt = strings.TrimSpace(prompt)
	c.mu.Unlock()
}

func (c *Controller) SetPreview(ref string) {
	c.mu.Lock()
	old := c.state.Preview
	c.state.Preview = ref
	c.release(old)
	c.mu.Unlock()
}

// begin claims the processing flag.
func (c *Controller) begin() (func(), error) {
	if !c.processing.CompareAndSwap(false, true) {
		return nil, domain.ErrBusy
	}
	return func() { c.processing.Store(false) }, nil
}

func (c *Controller) fail(op string, err error) error {
	c.log.Error().Err(err).Str("op", op).Msg("generation failed")
	c.mu.Lock()
	c.state.LastError = err.Error()
	c.mu.Unlock()
	return fmt.Errorf("%s: %w", op, err)
}

// GenerateModel creates a model image from prompt. An empty prompt uses the
// configured default.
func (c *Controller) GenerateModel(ctx context.Context, prompt string) (string, error) {
	done, err := c.begin()
	if err != nil {
		return "", err
	}
	defer done()
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = c.cfg.DefaultModelPrompt
	}
	blob, err := c.client.GenerateImage(ctx, fitlinesdk.GenerateImageRequest{
		Prompt:      prompt,
		AspectRatio: c.cfg.ModelAspectRatio,
	})
	if err != nil {
		return "", c.fail("generate model", err)
	}
	ref := c.Materializer.Blobs.Put(blob)
	c.mu.Lock()
	old := c.state.ModelImage
	c.state.ModelImage = ref
	c.state.ModelSource = domain.ModelSourceAI
	c.state.LastError = ""
	c.release(old)
	c.mu.Unlock()
	c.record(ctx, "workflow.generate_model", ref, events.EventPayload{"prompt": prompt})
	return ref, nil
}

// ApplyBackground runs GenerateBackground when the background toggle is on
// and otherwise returns the model image unchanged.
func (c *Controller) ApplyBackground(ctx context.Context) (string, error) {
	s := c.State()
	if !s.BackgroundEnabled {
		return s.ModelImage, nil
	}
	return c.GenerateBackground(ctx)
}

// GenerateBackground replaces the model image's background using the
// background prompt. The result becomes the model image and is pending save.
func (c *Controller) GenerateBackground(ctx context.Context) (string, error) {
	done, err := c.begin()
	if err != nil {
		return "", err
	}
	defer done()
	s := c.State()
	if s.ModelImage == "" {
		return "", &domain.ValidationError{Field: "model_image", Message: "is required"}
	}
	if s.BackgroundPrompt == "" {
		return "", &domain.ValidationError{Field: "background_prompt", Message: "is required"}
	}
	if err := c.requireToken(ctx); err != nil {
		return "", err
	}
	model, err := c.Materializer.MaterializeImage(ctx, s.ModelImage, "model")
	if err != nil {
		return "", c.fail("background", err)
	}
	blob, err := c.client.EditImage(ctx, fitlinesdk.EditImageRequest{
		Prompt: s.BackgroundPrompt,
		Image:  model.part(),
	})
	if err != nil {
		return "", c.fail("background", err)
	}
	ref := c.Materializer.Blobs.Put(blob)
	c.mu.Lock()
	old := c.state.ModelImage
	c.state.ModelImage = ref
	c.setResult(ref, ResultImage)
	c.release(old)
	c.mu.Unlock()
	c.record(ctx, "workflow.background", ref, events.EventPayload{"prompt": s.BackgroundPrompt})
	return ref, nil
}

// RunTryOn dresses the model in the garment.
func (c *Controller) RunTryOn(ctx context.Context) (string, error) {
	done, err := c.begin()
	if err != nil {
		return "", err
	}
	defer done()
	s := c.State()
	if s.ModelImage == "" {
		return "", &domain.ValidationError{Field: "model_image", Message: "is required"}
	}
	if s.GarmentImage == "" {
		return "", &domain.ValidationError{Field: "garment_image", Message: "is required"}
	}
	person, err := c.Materializer.MaterializeImage(ctx, s.ModelImage, "person")
	if err != nil {
		return "", c.fail("try-on", err)
	}
	garment, err := c.Materializer.MaterializeImage(ctx, s.GarmentImage, "garment")
	if err != nil {
		return "", c.fail("try-on", err)
	}
	blob, err := c.client.TryOn(ctx, fitlinesdk.TryOnRequest{
		Person:   person.part(),
		Garment:  garment.part(),
		Category: c.cfg.GarmentCategory,
	})
	if err != nil {
		return "", c.fail("try-on", err)
	}
	ref := c.Materializer.Blobs.Put(blob)
	c.mu.Lock()
	c.setResult(ref, ResultImage)
	c.mu.Unlock()
	c.record(ctx, "workflow.tryon", ref, events.EventPayload{"category": c.cfg.GarmentCategory})
	return ref, nil
}

// GenerateVideo animates sourceRef, or generates from the prompt alone when
// sourceRef is empty.
func (c *Controller) GenerateVideo(ctx context.Context, prompt, sourceRef string) (string, error) {
	done, err := c.begin()
	if err != nil {
		return "", err
	}
	defer done()
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", &domain.ValidationError{Field: "prompt", Message: "is required"}
	}
	req := fitlinesdk.GenerateVideoRequest{Prompt: prompt, AspectRatio: c.cfg.VideoAspectRatio}
	if sourceRef = strings.TrimSpace(sourceRef); sourceRef != "" {
		src, err := c.Materializer.MaterializeImage(ctx, sourceRef, "image")
		if err != nil {
			return "", c.fail("video", err)
		}
		part := src.part()
		req.Image = &part
	}
	blob, err := c.client.GenerateVideo(ctx, req)
	if err != nil {
		return "", c.fail("video", err)
	}
	ref := c.Materializer.Blobs.Put(blob)
	c.mu.Lock()
	c.setResult(ref, ResultVideo)
	c.mu.Unlock()
	c.record(ctx, "workflow.video", ref, events.EventPayload{"prompt": prompt, "with_image": req.Image != nil})
	return ref, nil
}

// setResult must be called with mu held.
func (c *Controller) setResult(ref string, kind ResultKind) {
	oldResult, oldPreview := c.state.Result, c.state.Preview
	c.state.Result = ref
	c.state.ResultKind = kind
	c.state.Preview = ref
	c.state.PendingSave = true
	c.state.LastError = ""
	c.release(oldResult, oldPreview)
}

// release drops held results no longer referenced by the state. mu must be
// held.
func (c *Controller) release(refs ...string) {
	if c.Materializer == nil || c.Materializer.Blobs == nil {
		return
	}
	for _, ref := range refs {
		if !strings.HasPrefix(ref, blobScheme) {
			continue
		}
		switch ref {
		case c.state.ModelImage, c.state.GarmentImage, c.state.Result, c.state.Preview:
			continue
		}
		c.Materializer.Blobs.Delete(ref)
	}
}

// ConfirmSave uploads the pending result to the asset library and returns
// its URL.
func (c *Controller) ConfirmSave(ctx context.Context) (string, error) {
	s := c.State()
	if !s.PendingSave || s.Result == "" {
		return "", domain.ErrNothingPending
	}
	assetType, name := domain.AssetOutputImage, "output-image"
	if s.ResultKind == ResultVideo {
		assetType, name = domain.AssetOutputVideo, "output-video"
	}
	f, err := c.Materializer.Materialize(ctx, s.Result, name)
	if err != nil {
		return "", fmt.Errorf("save result: %w", err)
	}
	url, err := c.library.Upload(ctx, f.Data, f.Name, assetType)
	if err != nil {
		return "", fmt.Errorf("save result: %w", err)
	}
	c.mu.Lock()
	if c.state.Result == s.Result {
		c.state.PendingSave = false
	}
	c.mu.Unlock()
	c.record(ctx, "workflow.save", s.Result, events.EventPayload{"url": url, "type": string(assetType)})
	return url, nil
}

// Discard drops the pending result without saving it. A result that is
// also the model image stays in use as the model.
func (c *Controller) Discard() {
	c.mu.Lock()
	old := c.state.Result
	c.state.PendingSave = false
	c.state.Result = ""
	c.state.ResultKind = ""
	if c.state.Preview == old {
		c.state.Preview = ""
	}
	c.release(old)
	c.mu.Unlock()
}

// Open returns the bytes behind any reference the wizard holds.
func (c *Controller) Open(ctx context.Context, ref, name string) (File, error) {
	return c.Materializer.Materialize(ctx, ref, name)
}

func (c *Controller) requireToken(ctx context.Context) error {
	if c.identities == nil {
		return domain.ErrUnauthenticated
	}
	token, err := c.identities.Token(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return domain.ErrUnauthenticated
	}
	return nil
}

func (c *Controller) record(ctx context.Context, evtType, ref string, payload events.EventPayload) {
	if err := c.events.Append(ctx, evtType, "workflow", ref, "", payload); err != nil {
		c.log.Debug().Err(err).Str("event", evtType).Msg("append event")
	}
}
