package workflow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitline/internal/config"
	"fitline/internal/domain"
	"fitline/internal/logger"
	"fitline/internal/workflow"
	fitlinesdk "fitline/sdk/go"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeGenerator struct {
	tryOnCalls atomic.Int32
	editCalls  atomic.Int32
	block      chan struct{}
	started    chan struct{}
	fail       error

	mu      sync.Mutex
	lastReq any
}

func (f *fakeGenerator) remember(req any) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
}

func (f *fakeGenerator) GenerateImage(_ context.Context, req fitlinesdk.GenerateImageRequest) (fitlinesdk.Blob, error) {
	f.remember(req)
	if f.fail != nil {
		return fitlinesdk.Blob{}, f.fail
	}
	return fitlinesdk.Blob{Data: pngBytes, ContentType: "image/png"}, nil
}

func (f *fakeGenerator) EditImage(_ context.Context, req fitlinesdk.EditImageRequest) (fitlinesdk.Blob, error) {
	f.editCalls.Add(1)
	f.remember(req)
	return fitlinesdk.Blob{Data: pngBytes, ContentType: "image/png"}, nil
}

func (f *fakeGenerator) TryOn(_ context.Context, req fitlinesdk.TryOnRequest) (fitlinesdk.Blob, error) {
	f.tryOnCalls.Add(1)
	f.remember(req)
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	if f.fail != nil {
		return fitlinesdk.Blob{}, f.fail
	}
	return fitlinesdk.Blob{Data: pngBytes, ContentType: "image/png"}, nil
}

func (f *fakeGenerator) GenerateVideo(_ context.Context, req fitlinesdk.GenerateVideoRequest) (fitlinesdk.Blob, error) {
	f.remember(req)
	return fitlinesdk.Blob{Data: []byte("video"), ContentType: "video/mp4"}, nil
}

func (f *fakeGenerator) ProxyImage(context.Context, string) (fitlinesdk.Blob, error) {
	return fitlinesdk.Blob{}, errors.New("no proxy")
}

type fakeSaver struct {
	types []domain.AssetType
	names []string
	fail  error
}

func (s *fakeSaver) Upload(_ context.Context, _ []byte, name string, t domain.AssetType) (string, error) {
	if s.fail != nil {
		return "", s.fail
	}
	s.types = append(s.types, t)
	s.names = append(s.names, name)
	return "http://media/" + name, nil
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", domain.ErrUnauthenticated
	}
	return string(s), nil
}

func newController(gen *fakeGenerator, saver *fakeSaver) *workflow.Controller {
	cfg := config.Default().Workflow
	return workflow.New(workflow.Options{
		Config:     cfg,
		Client:     gen,
		Library:    saver,
		Identities: staticToken("guest_test"),
		Log:        logger.Nop(),
	})
}

const dataPNG = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUg=="

func TestNextRequiresModelImage(t *testing.T) {
	c := newController(&fakeGenerator{}, &fakeSaver{})
	err := c.Next()
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, domain.StepModelSelection, c.State().Step)

	c.SetModelImage("   ", domain.ModelSourceUpload)
	assert.Error(t, c.Next())
	assert.Equal(t, domain.StepModelSelection, c.State().Step)

	c.SetModelImage(dataPNG, domain.ModelSourceUpload)
	require.NoError(t, c.Next())
	assert.Equal(t, domain.StepBackground, c.State().Step)
}

func TestNextRequiresGarmentImage(t *testing.T) {
	c := newController(&fakeGenerator{}, &fakeSaver{})
	c.SetModelImage(dataPNG, domain.ModelSourceUpload)
	require.NoError(t, c.Next())
	require.NoError(t, c.Next())
	assert.Equal(t, domain.StepGarment, c.State().Step)

	assert.True(t, domain.IsValidation(c.Next()))
	assert.Equal(t, domain.StepGarment, c.State().Step)

	c.SetGarmentImage(dataPNG)
	require.NoError(t, c.Next())
	assert.Equal(t, domain.StepTryOn, c.State().Step)
	assert.Error(t, c.Next())
}

func TestBackAndGoTo(t *testing.T) {
	c := newController(&fakeGenerator{}, &fakeSaver{})
	c.Back()
	assert.Equal(t, domain.StepModelSelection, c.State().Step)

	assert.True(t, domain.IsValidation(c.GoTo(domain.StepGarment)))
	assert.True(t, domain.IsValidation(c.GoTo(domain.StepBackground)))

	c.SetModelImage(dataPNG, domain.ModelSourceUpload)
	require.NoError(t, c.GoTo(domain.StepBackground))
	require.NoError(t, c.GoTo(domain.StepGarment))
	require.NoError(t, c.GoTo(domain.StepModelSelection))
	assert.Equal(t, domain.StepModelSelection, c.State().Step)
	assert.Error(t, c.GoTo(domain.Step(9)))
}

func TestGenerateModelUsesConfiguredAspectRatio(t *testing.T) {
	gen := &fakeGenerator{}
	c := newController(gen, &fakeSaver{})
	ref, err := c.GenerateModel(context.Background(), "")
	require.NoError(t, err)
	s := c.State()
	assert.Equal(t, ref, s.ModelImage)
	assert.Equal(t, domain.ModelSourceAI, s.ModelSource)
	req := gen.lastReq.(fitlinesdk.GenerateImageRequest)
	assert.Equal(t, "3:4", req.AspectRatio)
	assert.Equal(t, config.Default().Workflow.DefaultModelPrompt, req.Prompt)
}

func TestGenerateModelFailureLeavesStateUnchanged(t *testing.T) {
	gen := &fakeGenerator{fail: errors.New("quota")}
	c := newController(gen, &fakeSaver{})
	c.SetModelImage(dataPNG, domain.ModelSourceUpload)
	_, err := c.GenerateModel(context.Background(), "a model")
	require.Error(t, err)
	s := c.State()
	assert.Equal(t, dataPNG, s.ModelImage)
	assert.Contains(t, s.LastError, "quota")
	assert.False(t, s.Processing)
}

func TestRunTryOnWhileBusyIssuesNoSecondCall(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{}), started: make(chan struct{})}
	c := newController(gen, &fakeSaver{})
	c.SetModelImage(dataPNG, domain.ModelSourceUpload)
	c.SetGarmentImage(dataPNG)

	errc := make(chan error, 1)
	go func() {
		_, err := c.RunTryOn(context.Background())
		errc <- err
	}()
	select {
	case <-gen.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first try-on never started")
	}
	assert.True(t, c.State().Processing)

	_, err := c.RunTryOn(context.Background())
	assert.ErrorIs(t, err, domain.ErrBusy)
	_, err = c.GenerateModel(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrBusy)

	close(gen.block)
	require.NoError(t, <-errc)
	assert.Equal(t, int32(1), gen.tryOnCalls.Load())
	assert.False(t, c.State().Processing)
}

func TestTryOnSaveAndDiscard(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{}
	saver := &fakeSaver{}
	c := newController(gen, saver)

	_, err := c.ConfirmSave(ctx)
	assert.ErrorIs(t, err, domain.ErrNothingPending)

	_, err = c.RunTryOn(ctx)
	assert.True(t, domain.IsValidation(err))
	assert.Zero(t, gen.tryOnCalls.Load())

	c.SetModelImage(dataPNG, domain.ModelSourceUpload)
	c.SetGarmentImage(dataPNG)
	ref, err := c.RunTryOn(ctx)
	require.NoError(t, err)
	s := c.State()
	assert.Equal(t, ref, s.Result)
	assert.Equal(t, ref, s.Preview)
	assert.True(t, s.PendingSave)
	assert.Equal(t, "tops", gen.lastReq.(fitlinesdk.TryOnRequest).Category)

	url, err := c.ConfirmSave(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://media/output-image.png", url)
	assert.Equal(t, []domain.AssetType{domain.AssetOutputImage}, saver.types)
	assert.False(t, c.State().PendingSave)

	_, err = c.RunTryOn(ctx)
	require.NoError(t, err)
	c.Discard()
	assert.False(t, c.State().PendingSave)
	assert.Len(t, saver.types, 1)
}

func TestReplacedResultsAreReleased(t *testing.T) {
	ctx := context.Background()
	c := newController(&fakeGenerator{}, &fakeSaver{})
	c.SetModelImage(dataPNG, domain.ModelSourceUpload)
	c.SetGarmentImage(dataPNG)

	first, err := c.RunTryOn(ctx)
	require.NoError(t, err)
	second, err := c.RunTryOn(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Materializer.Blobs.Len())
	_, err = c.Open(ctx, first, "result")
	assert.ErrorIs(t, err, domain.ErrInvalidReference)
	_, err = c.Open(ctx, second, "result")
	require.NoError(t, err)

	c.Discard()
	assert.Zero(t, c.Materializer.Blobs.Len())
	assert.Empty(t, c.State().Result)
	_, err = c.ConfirmSave(ctx)
	assert.ErrorIs(t, err, domain.ErrNothingPending)
}

func TestDiscardKeepsBackgroundModel(t *testing.T) {
	ctx := context.Background()
	c := newController(&fakeGenerator{}, &fakeSaver{})
	_, err := c.GenerateModel(ctx, "")
	require.NoError(t, err)
	c.SetBackground(true, "a beach at sunset")
	model, err := c.ApplyBackground(ctx)
	require.NoError(t, err)
	// the generated model was replaced by the edited one
	assert.Equal(t, 1, c.Materializer.Blobs.Len())

	c.Discard()
	assert.Equal(t, model, c.State().ModelImage)
	_, err = c.Open(ctx, model, "model")
	require.NoError(t, err)

	c.SetGarmentImage(dataPNG)
	_, err = c.RunTryOn(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Materializer.Blobs.Len())
}

func TestSaveFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	saver := &fakeSaver{fail: domain.ErrUnauthenticated}
	c := newController(&fakeGenerator{}, saver)
	c.SetModelImage(dataPNG, domain.ModelSourceUpload)
	c.SetGarmentImage(dataPNG)
	_, err := c.RunTryOn(ctx)
	require.NoError(t, err)
	_, err = c.ConfirmSave(ctx)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.True(t, c.State().PendingSave)
}

func TestBackgroundToggle(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{}
	c := newController(gen, &fakeSaver{})
	c.SetModelImage(dataPNG, domain.ModelSourceUpload)

	ref, err := c.ApplyBackground(ctx)
	require.NoError(t, err)
	assert.Equal(t, dataPNG, ref)
	assert.Zero(t, gen.editCalls.Load())

	c.SetBackground(true, "")
	_, err = c.ApplyBackground(ctx)
	assert.True(t, domain.IsValidation(err))

	c.SetBackground(true, "a beach at sunset")
	ref, err = c.ApplyBackground(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), gen.editCalls.Load())
	s := c.State()
	assert.Equal(t, ref, s.ModelImage)
	assert.True(t, s.PendingSave)
}

func TestBackgroundNeedsToken(t *testing.T) {
	gen := &fakeGenerator{}
	c := workflow.New(workflow.Options{
		Config:     config.Default().Workflow,
		Client:     gen,
		Library:    &fakeSaver{},
		Identities: staticToken(""),
		Log:        logger.Nop(),
	})
	c.SetModelImage(dataPNG, domain.ModelSourceUpload)
	c.SetBackground(true, "studio")
	_, err := c.GenerateBackground(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Zero(t, gen.editCalls.Load())
}

func TestVideoSavesAsOutputVideo(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{}
	saver := &fakeSaver{}
	c := newController(gen, saver)

	_, err := c.GenerateVideo(ctx, "", "")
	assert.True(t, domain.IsValidation(err))

	_, err = c.GenerateVideo(ctx, "slow turn", dataPNG)
	require.NoError(t, err)
	req := gen.lastReq.(fitlinesdk.GenerateVideoRequest)
	require.NotNil(t, req.Image)
	assert.Equal(t, "16:9", req.AspectRatio)
	assert.Equal(t, workflow.ResultVideo, c.State().ResultKind)

	_, err = c.ConfirmSave(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.AssetType{domain.AssetOutputVideo}, saver.types)
}
