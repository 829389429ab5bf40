package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/froyosync/froyosync/pkg/telemetry"
)

// Format is the syntax of a configuration file.
type Format string

const (
	// FormatCUE is a CUE file.
	FormatCUE Format = "cue"

	// FormatYAML is a YAML (or JSON) file.
	FormatYAML Format = "yaml"
)

// FormatOf returns the format implied by the file extension of path.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported config file extension: %q", filepath.Ext(path))
	}
}

// Loader reads configuration files, checks them against the CUE schema and
// validates the decoded structure.
type Loader struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger zerolog.Logger) (*Loader, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(yamlFieldName)

	return &Loader{
		ctx:      ctx,
		schema:   schema.LookupPath(cue.ParsePath("#Config")),
		validate: validate,
		logger:   logger.With().Str("component", "config-loader").Logger(),
	}, nil
}

// Load reads and validates the configuration file at path. Relative store
// and script paths are resolved against the file's directory.
func (l *Loader) Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := l.Parse(data, format, path)
	if err != nil {
		return nil, err
	}

	cfg.resolvePaths(filepath.Dir(path))

	l.logger.Debug().
		Str("path", path).
		Str("format", string(format)).
		Str("device_id", cfg.Device.ID).
		Str("remote", cfg.Remote.Kind).
		Msg("Configuration loaded")

	return cfg, nil
}

// Parse decodes and validates configuration content. source names the
// content in error messages.
func (l *Loader) Parse(data []byte, format Format, source string) (*Config, error) {
	var (
		val  cue.Value
		errs ValidationErrors
	)

	switch format {
	case FormatCUE:
		val = l.ctx.CompileBytes(data, cue.Filename(source))
	case FormatYAML:
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, ValidationErrors{{File: source, Message: err.Error()}}
		}
		if doc == nil {
			return nil, ValidationErrors{{File: source, Message: "configuration is empty"}}
		}
		val = l.ctx.Encode(doc)
	default:
		return nil, fmt.Errorf("unsupported config format: %q", string(format))
	}

	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(source, err)
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(source, err)
	}

	cfg, err := l.decode(unified)
	if err != nil {
		return nil, ValidationErrors{{File: source, Message: err.Error()}}
	}
	cfg.Source = source
	cfg.applyDefaults()

	if err := l.validate.Struct(cfg); err != nil {
		errs = append(errs, l.convertValidatorErrors(source, err)...)
	}
	if cfg.Telemetry != nil {
		if err := cfg.Telemetry.Validate(); err != nil {
			errs = append(errs, ValidationError{File: source, Path: "telemetry", Message: err.Error()})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// decode turns a unified CUE value into a Config. The value goes through
// YAML so durations such as "5s" decode the same way for both formats.
func (l *Loader) decode(val cue.Value) (*Config, error) {
	var generic interface{}
	if err := val.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	data, err := yaml.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}
	if c.Encryption.Enabled && c.Encryption.PassphraseEnv == "" {
		c.Encryption.PassphraseEnv = DefaultPassphraseEnv
	}
}

func (c *Config) resolvePaths(dir string) {
	if c.Store.Path != "" && c.Store.Path != ":memory:" && !filepath.IsAbs(c.Store.Path) {
		c.Store.Path = filepath.Join(dir, c.Store.Path)
	}
	if c.Policy.Script != "" && !filepath.IsAbs(c.Policy.Script) {
		c.Policy.Script = filepath.Join(dir, c.Policy.Script)
	}
}

// Write stores cfg at path as YAML with owner-only permissions.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(source string, err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:    source,
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == source {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: source, Message: err.Error()})
	}
	return out
}

func (l *Loader) convertValidatorErrors(source string, err error) ValidationErrors {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationErrors{{File: source, Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		msg := fmt.Sprintf("failed on the %q rule", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on the %q rule (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{File: source, Path: path, Message: msg})
	}
	return out
}

// yamlFieldName reports struct fields by their YAML name in validation
// errors.
func yamlFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}
