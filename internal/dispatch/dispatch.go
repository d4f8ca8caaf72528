// Package dispatch implements the typed LLM dispatcher: given a prompt and
// a Go type T, it renders a schema-and-exemplar prompt, calls a candidate
// list of vendor-backed Providers with cross-vendor retry, and returns a
// validated, decoded T. Grounded on the prompt shape in the original
// implementation's llm_typed module and on the retry/circuit-breaker idiom
// this codebase uses for cross-vendor failover.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	toml "github.com/pelletier/go-toml"
	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/kestrelsoft/ras/internal/errkind"
	"github.com/kestrelsoft/ras/internal/logging"
)

// Format is a supported output serialization for a typed dispatch call.
type Format string

const (
	FormatJSON Format = "JSON"
	FormatYAML Format = "YAML"
	FormatTOML Format = "TOML"
)

// Options configures one Dispatch call; zero values fall back to the
// Dispatcher's defaults.
type Options struct {
	Candidates  []string // provider names, tried in order, each retried across attempts
	Retries     int      // outer attempt count, in addition to the first try
	Format      Format
	CallTimeout time.Duration
}

// Dispatcher owns the provider registry and per-interaction attempt log.
type Dispatcher struct {
	providers   map[string]Provider
	logger      *logging.Logger
	promptLog   AttemptLogger
	callTimeout time.Duration
	circuits    map[string]*circuitState
}

// New builds a Dispatcher over the given named providers.
func New(providers map[string]Provider, logger *logging.Logger, promptLog AttemptLogger, defaultTimeout time.Duration) *Dispatcher {
	return &Dispatcher{providers: providers, logger: logger, promptLog: promptLog, callTimeout: defaultTimeout}
}

// schemaCache avoids re-deriving a type's JSON Schema (and recompiling its
// validator) on every call; the schema is fixed for the lifetime of T.
var schemaCache = map[string]*jsonschemav5.Schema{}
var schemaText = map[string]string{}

// SchemaFor derives and compiles T's JSON Schema via the same
// invopop/jsonschema-reflect-then-compile pipeline Dispatch uses for the
// agent response contract, cached identically. Exported so other packages
// (e.g. tools, validating a ToolChoice's Parameters before invocation) can
// share the one schema derivation path instead of reimplementing it.
func SchemaFor[T any]() (*jsonschemav5.Schema, error) {
	schema, _, err := schemaFor[T]()
	return schema, err
}

func schemaFor[T any]() (*jsonschemav5.Schema, string, error) {
	var zero T
	key := fmt.Sprintf("%T", zero)
	if s, ok := schemaCache[key]; ok {
		return s, schemaText[key], nil
	}
	reflector := &jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(&zero)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, "", fmt.Errorf("dispatch: deriving schema for %s: %w", key, err)
	}
	compiler := jsonschemav5.NewCompiler()
	if err := compiler.AddResource(key+".json", bytes.NewReader(raw)); err != nil {
		return nil, "", fmt.Errorf("dispatch: adding schema resource: %w", err)
	}
	compiled, err := compiler.Compile(key + ".json")
	if err != nil {
		return nil, "", fmt.Errorf("dispatch: compiling schema: %w", err)
	}
	schemaCache[key] = compiled
	schemaText[key] = string(raw)
	return compiled, string(raw), nil
}

// serializeExemplars renders few-shot examples in the requested format,
// blank-line separated per the fixed prompt shape.
func serializeExemplars[T any](exemplars []T, format Format) (string, error) {
	parts := make([]string, 0, len(exemplars))
	for _, ex := range exemplars {
		text, err := encode(ex, format)
		if err != nil {
			return "", err
		}
		parts = append(parts, text)
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out, nil
}

func encode(v any, format Format) (string, error) {
	switch format {
	case FormatYAML:
		b, err := yaml.Marshal(v)
		return string(b), err
	case FormatTOML:
		var buf bytes.Buffer
		err := toml.NewEncoder(&buf).Encode(v)
		return buf.String(), err
	default:
		b, err := json.Marshal(v)
		return string(b), err
	}
}

func decode[T any](data []byte, format Format) (T, error) {
	var out T
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &out)
	case FormatTOML:
		err = toml.Unmarshal(data, &out)
	default:
		err = json.Unmarshal(data, &out)
	}
	return out, err
}

func validateAgainstSchema(format Format, schema *jsonschemav5.Schema, data []byte) error {
	var generic any
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &generic)
	case FormatTOML:
		var m map[string]any
		err = toml.Unmarshal(data, &m)
		generic = m
	default:
		err = json.Unmarshal(data, &generic)
	}
	if err != nil {
		return errkind.New(errkind.ParseError, fmt.Errorf("%w: %v", ErrParse, err))
	}
	// jsonschema validates against JSON-shaped values: normalize through a
	// JSON round trip so YAML/TOML-decoded maps match its expectations.
	normalized, err := json.Marshal(generic)
	if err != nil {
		return errkind.New(errkind.ParseError, fmt.Errorf("%w: %v", ErrParse, err))
	}
	var asJSON any
	if err := json.Unmarshal(normalized, &asJSON); err != nil {
		return errkind.New(errkind.ParseError, fmt.Errorf("%w: %v", ErrParse, err))
	}
	if err := schema.Validate(asJSON); err != nil {
		return errkind.New(errkind.SchemaError, fmt.Errorf("%w: %v", ErrSchema, err))
	}
	return nil
}

func buildPrompt(schemaJSON, exemplars, task string, format Format) string {
	tag := string(format)
	return fmt.Sprintf(
		"<%s_SCHEMA>%s</%s_SCHEMA>\n<EXAMPLES>%s</EXAMPLES>\n<TASK>%s</TASK>\nPlease respond with a valid %s object only, without any additional comments, explanations, or markdown fences.",
		tag, schemaJSON, tag, exemplars, task, tag,
	)
}

// Dispatch renders prompt+schema+exemplars for T, calls the candidate
// providers with cross-vendor, cross-attempt retry, and returns the first
// response that parses, validates, and decodes cleanly.
func Dispatch[T any](ctx context.Context, d *Dispatcher, task string, exemplars []T, opts Options) (T, error) {
	var zero T
	format := opts.Format
	if format == "" {
		format = FormatJSON
	}
	candidates := opts.Candidates
	if len(candidates) == 0 {
		for name := range d.providers {
			candidates = append(candidates, name)
		}
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = d.callTimeout
	}

	schema, schemaJSON, err := schemaFor[T]()
	if err != nil {
		return zero, err
	}
	exemplarText, err := serializeExemplars(exemplars, format)
	if err != nil {
		return zero, err
	}
	prompt := buildPrompt(schemaJSON, exemplarText, task, format)

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			sleep(ctx, 500*time.Millisecond*time.Duration(attempt))
		}
		for _, name := range candidates {
			provider, ok := d.providers[name]
			if !ok {
				continue
			}
			result, err := d.callOnce(ctx, provider, prompt, format, timeout)
			if err != nil {
				lastErr = err
				if errIsRateLimited(err) {
					sleep(ctx, backoffFor(attempt))
				}
				continue
			}
			if err := validateAgainstSchema(format, schema, []byte(result.Text)); err != nil {
				lastErr = err
				continue
			}
			value, err := decode[T]([]byte(result.Text), format)
			if err != nil {
				lastErr = errkind.New(errkind.DecodeError, fmt.Errorf("%w: %v", ErrDecode, err))
				continue
			}
			return value, nil
		}
	}
	if lastErr == nil {
		lastErr = errkind.New(errkind.Transport, ErrNoCandidates)
	}
	return zero, lastErr
}

func backoffFor(attempt int) time.Duration {
	d := 100 * time.Millisecond * time.Duration(1<<uint(attempt))
	if d < time.Second {
		return time.Second
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
