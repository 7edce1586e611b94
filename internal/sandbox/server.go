// Package sandbox is a local stand-in for the remote try-on service. It
// serves the same endpoints the client consumes, stores assets in its own
// sqlite workspace and answers generation requests with placeholder imaging.
package sandbox

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fitline/internal/domain"
	"fitline/internal/repo"
	"fitline/internal/storage"
)

// Config for the sandbox handler.
type Config struct {
	Repo      repo.Repo
	Files     *storage.FileStore
	JWTSecret string
	// PublicURL prefixes media links. Empty means derive it from the request.
	PublicURL  string
	HTTPClient *http.Client
	// MaxProxyBytes caps bodies relayed by /proxy-image. Zero means 20 MiB.
	MaxProxyBytes int64
	Log           zerolog.Logger
	Now           func() time.Time
}

type server struct {
	cfg Config
	log zerolog.Logger
}

func (s *server) now() time.Time {
	if s.cfg.Now != nil {
		return s.cfg.Now()
	}
	return time.Now()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"asset not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the sandbox HTTP handler.
func New(cfg Config) (http.Handler, error) {
	if cfg.Repo.DB == nil {
		return nil, errors.New("sandbox: repo is required")
	}
	if cfg.Files == nil {
		return nil, errors.New("sandbox: file store is required")
	}
	s := &server{cfg: cfg, log: cfg.Log.With().Str("component", "sandbox").Logger()}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(s.requestLogger)
	router.Use(newAuthMiddleware(cfg.JWTSecret))
	hcfg := huma.DefaultConfig("Fitline Sandbox API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerHealth(api)
	s.registerAssets(api)
	s.registerDevAuth(api)

	router.Post("/assets/upload", s.handleUpload)
	router.Post("/generate-image", s.handleGenerateImage)
	router.Post("/edit-image", s.handleEditImage)
	router.Post("/try-on", s.handleTryOn)
	router.Post("/generate-video", s.handleGenerateVideo)
	router.Post("/generate-text", s.handleGenerateText)
	router.Get("/proxy-image", s.handleProxyImage)
	router.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(cfg.Files.Root()))))

	return router, nil
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	})
}

// ListenAndServe serves h on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), map[string]any{"field": ve.Field})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrUnauthenticated):
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok", "project": "fitline-sandbox"}}, nil
	})
}

type createAssetRequest struct {
	URL  string `json:"url" minLength:"1"`
	Type string `json:"type" minLength:"1"`
}

type createAssetResponse struct {
	ID string `json:"id"`
}

type updateAssetRequest struct {
	Tags []string `json:"tags"`
}

func (s *server) registerAssets(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-assets",
		Method:      http.MethodGet,
		Path:        "/assets",
		Summary:     "List the caller's assets, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type"`
		Limit int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []domain.Asset `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Type != "" {
			if _, err := domain.ParseAssetType(input.Type); err != nil {
				return nil, handleError(err)
			}
		}
		items, err := s.cfg.Repo.ListSandboxAssets(ctx, uid, input.Type, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Asset `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-asset",
		Method:      http.MethodPost,
		Path:        "/assets",
		Summary:     "Record an asset that already has a URL",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body createAssetRequest `json:"body"`
	}) (*struct {
		Body createAssetResponse `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		assetType, err := domain.ParseAssetType(input.Body.Type)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := s.saveAsset(ctx, uid, strings.TrimSpace(input.Body.URL), assetType, "", nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body createAssetResponse `json:"body"`
		}{Body: createAssetResponse{ID: a.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-asset",
		Method:      http.MethodPut,
		Path:        "/assets/{id}",
		Summary:     "Replace an asset's tags",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body updateAssetRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tags := input.Body.Tags
		if tags == nil {
			tags = []string{}
		}
		if err := s.cfg.Repo.UpdateSandboxAssetExtra(ctx, uid, input.ID, map[string]any{"tags": tags}); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "success"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-asset",
		Method:        http.MethodDelete,
		Path:          "/assets/{id}",
		Summary:       "Delete an asset record",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.cfg.Repo.DeleteSandboxAsset(ctx, uid, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type devLoginRequest struct {
	Subject string `json:"subject" minLength:"1"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

type devLoginResponse struct {
	Token string `json:"token"`
}

func (s *server) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body devLoginRequest `json:"body"`
	}) (*struct {
		Body devLoginResponse `json:"body"`
	}, error) {
		subject := strings.TrimSpace(input.Body.Subject)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		token, err := SignDevToken(s.cfg.JWTSecret, subject, input.Body.Email, input.Body.Name, 24*time.Hour, s.now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body devLoginResponse `json:"body"`
		}{Body: devLoginResponse{Token: token}}, nil
	})
}

// saveAsset records an asset for uid.
func (s *server) saveAsset(ctx context.Context, uid, url string, t domain.AssetType, category string, extra map[string]any) (domain.Asset, error) {
	if url == "" {
		return domain.Asset{}, &domain.ValidationError{Field: "url", Message: "is required"}
	}
	a := domain.Asset{
		ID:        uuid.NewString(),
		URL:       url,
		Type:      t,
		CreatedAt: s.now().UnixMilli(),
		UserID:    uid,
		Category:  category,
		Extra:     extra,
	}
	if err := s.cfg.Repo.InsertSandboxAsset(ctx, a); err != nil {
		return domain.Asset{}, err
	}
	return a, nil
}
