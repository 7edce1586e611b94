package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "fitline.yml"

// Config models fitline.yml.
type Config struct {
	API struct {
		BaseURL string        `yaml:"base_url" validate:"required,url"`
		Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	} `yaml:"api"`
	Assets struct {
		Limit        int           `yaml:"limit" validate:"gte=1,lte=1000"`
		PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
	} `yaml:"assets"`
	Workflow Workflow `yaml:"workflow"`
	Sandbox  struct {
		Addr      string `yaml:"addr" validate:"required,hostname_port"`
		JWTSecret string `yaml:"jwt_secret"`
		MediaDir  string `yaml:"media_dir"`
	} `yaml:"sandbox"`
}

// Workflow holds the try-on wizard defaults.
type Workflow struct {
	ModelAspectRatio   string `yaml:"model_aspect_ratio" validate:"required,aspect_ratio"`
	VideoAspectRatio   string `yaml:"video_aspect_ratio" validate:"required,aspect_ratio"`
	GarmentCategory    string `yaml:"garment_category" validate:"required,oneof=tops bottoms one-pieces"`
	DefaultModelPrompt string `yaml:"default_model_prompt" validate:"required"`
	MaxInputDimension  int    `yaml:"max_input_dimension" validate:"gte=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	_ = v.RegisterValidation("aspect_ratio", func(fl validator.FieldLevel) bool {
		var w, h int
		n, err := fmt.Sscanf(fl.Field().String(), "%d:%d", &w, &h)
		return err == nil && n == 2 && w > 0 && h > 0
	})
	return v
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			fe := errs[0]
			return fmt.Errorf("config.%s failed %q validation (value %v)", trimRoot(fe.Namespace()), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func trimRoot(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `api:
  base_url: http://localhost:8000
  timeout: 2m

assets:
  # most recent N assets fetched on every refresh
  limit: 100
  poll_interval: 5s

workflow:
  model_aspect_ratio: "3:4"
  video_aspect_ratio: "16:9"
  garment_category: tops
  default_model_prompt: "A professional studio shot of a fashion model, full body, standing pose, neutral background"
  max_input_dimension: 2048

sandbox:
  addr: 127.0.0.1:8000
  jwt_secret: ""
  media_dir: .fitline/sandbox/media
`
