// Package render expands a resolved template plus a request context into the
// concrete provider payload. Expressions embedded in native spec fragments
// as ${...} are evaluated in a sandboxed Starlark environment with a closed
// set of helper functions; no filesystem, network, or host access is
// reachable from an expression.
package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/fleetbroker/fleetbroker/pkg/providers"
	"github.com/fleetbroker/fleetbroker/pkg/telemetry"
	"github.com/fleetbroker/fleetbroker/pkg/templates"
)

// Config configures the renderer.
type Config struct {
	// BaseDir is the directory file-referenced native specs must resolve
	// under.
	BaseDir string `yaml:"baseDir" json:"baseDir"`

	// EvalTimeout bounds the evaluation of a single spec fragment.
	EvalTimeout time.Duration `yaml:"evalTimeout" json:"evalTimeout"`

	// CacheSize bounds the rendered-spec cache (entries).
	CacheSize int `yaml:"cacheSize" json:"cacheSize"`
}

// DefaultConfig returns the default renderer configuration.
func DefaultConfig() Config {
	return Config{
		EvalTimeout: 5 * time.Second,
		CacheSize:   256,
	}
}

// versioner reports the template source version, bumped on every reload.
// Satisfied by the template store.
type versioner interface {
	Version() int64
}

// Renderer turns templates into provider payloads.
type Renderer struct {
	config  Config
	source  versioner
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	cache   *specCache
}

// NewRenderer creates a renderer. The source's version is folded into cache
// keys so a template reload invalidates previously rendered specs.
func NewRenderer(cfg Config, source versioner, log *telemetry.Logger, metrics *telemetry.Metrics) *Renderer {
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = DefaultConfig().EvalTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	return &Renderer{
		config:  cfg,
		source:  source,
		log:     log.NewComponentLogger("render"),
		metrics: metrics,
		cache:   newSpecCache(cfg.CacheSize),
	}
}

// Render produces the provider payload for a template and request context.
// Rendering is side-effect-free and deterministic: identical inputs yield
// byte-identical payloads. Results are cached by (template id, source
// version, context hash).
func (r *Renderer) Render(ctx context.Context, tpl *templates.Template, rctx Context) (providers.Payload, error) {
	key := r.cacheKey(tpl.TemplateID, rctx)
	if payload, ok := r.cache.get(key); ok {
		if r.metrics != nil {
			r.metrics.RecordRenderCache(true)
		}
		return payload, nil
	}
	if r.metrics != nil {
		r.metrics.RecordRenderCache(false)
	}

	payload, err := r.render(ctx, tpl, rctx)
	if err != nil {
		return providers.Payload{}, err
	}

	r.cache.put(key, payload)
	return payload, nil
}

// RenderLegacy builds the canonical non-templated payload directly from
// template fields, bypassing expression evaluation. Used as the fallback
// path when a templated render fails on an undefined variable.
func (r *Renderer) RenderLegacy(tpl *templates.Template, rctx Context) (providers.Payload, error) {
	spec, err := legacySpecJSON(tpl, rctx)
	if err != nil {
		return providers.Payload{}, err
	}
	return r.assemble(tpl, rctx, spec), nil
}

func (r *Renderer) render(ctx context.Context, tpl *templates.Template, rctx Context) (providers.Payload, error) {
	if err := validateSpecs(tpl); err != nil {
		return providers.Payload{}, err
	}

	raw, err := r.specSource(tpl)
	if err != nil {
		return providers.Payload{}, err
	}
	if raw == nil {
		// No native spec on the template: canonical payload from fields.
		return r.RenderLegacy(tpl, rctx)
	}

	expanded, err := r.expand(ctx, string(raw), rctx)
	if err != nil {
		return providers.Payload{}, err
	}

	if !json.Valid([]byte(expanded)) {
		return providers.Payload{}, &ValidationError{
			Message: fmt.Sprintf("template %s: rendered spec is not valid JSON", tpl.TemplateID),
		}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(expanded)); err != nil {
		return providers.Payload{}, &ValidationError{
			Message: fmt.Sprintf("template %s: %v", tpl.TemplateID, err),
		}
	}

	return r.assemble(tpl, rctx, compact.Bytes()), nil
}

// assemble wraps a rendered spec body into the provider payload.
func (r *Renderer) assemble(tpl *templates.Template, rctx Context, spec []byte) providers.Payload {
	tags := make(map[string]string, len(tpl.Tags)+len(rctx.Tags))
	for k, v := range tpl.Tags {
		tags[k] = v
	}
	for k, v := range rctx.Tags {
		tags[k] = v
	}
	return providers.Payload{
		TemplateID:    tpl.TemplateID,
		API:           tpl.ProviderAPI,
		Spec:          spec,
		Count:         rctx.Count,
		OnDemandCount: rctx.OnDemandCount,
		SpotCount:     rctx.SpotCount,
		Tags:          tags,
	}
}

// validateSpecs rejects native specs with both forms set.
func validateSpecs(tpl *templates.Template) error {
	for name, spec := range map[string]templates.NativeSpec{
		"launchSpec": tpl.LaunchSpec,
		"apiSpec":    tpl.APISpec,
	} {
		if len(spec.Inline) > 0 && spec.File != "" {
			return &ValidationError{
				Message: fmt.Sprintf("template %s: %s sets both inline and file", tpl.TemplateID, name),
			}
		}
	}
	return nil
}

// specSource returns the raw native spec text, preferring the API spec over
// the launch spec, or nil when the template carries neither.
func (r *Renderer) specSource(tpl *templates.Template) ([]byte, error) {
	spec := tpl.APISpec
	if spec.IsZero() {
		spec = tpl.LaunchSpec
	}
	switch {
	case len(spec.Inline) > 0:
		return spec.Inline, nil
	case spec.File != "":
		path, err := r.resolveSpecPath(spec.File)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read spec file %s: %w", spec.File, err)
		}
		return data, nil
	default:
		return nil, nil
	}
}

// resolveSpecPath confines a file-referenced spec to the base directory.
func (r *Renderer) resolveSpecPath(file string) (string, error) {
	if r.config.BaseDir == "" {
		return "", &PathError{Path: file}
	}
	base, err := filepath.Abs(r.config.BaseDir)
	if err != nil {
		return "", err
	}
	path := filepath.Clean(filepath.Join(base, file))
	if path != base && !strings.HasPrefix(path, base+string(filepath.Separator)) {
		return "", &PathError{Path: file}
	}
	return path, nil
}

func (r *Renderer) cacheKey(templateID string, rctx Context) string {
	version := int64(0)
	if r.source != nil {
		version = r.source.Version()
	}
	return fmt.Sprintf("%s@%d:%s", templateID, version, rctx.Hash())
}

// expand replaces every ${...} placeholder in text with its evaluated
// value. A placeholder occupying an entire JSON string ("${expr}") whose
// expression yields a non-string value replaces the quoted token with the
// JSON encoding of the value; any other placeholder interpolates the value
// as an escaped string fragment.
func (r *Renderer) expand(ctx context.Context, text string, rctx Context) (string, error) {
	env, err := starlarkEnv(rctx.vars())
	if err != nil {
		return "", err
	}

	evalCtx, cancel := context.WithTimeout(ctx, r.config.EvalTimeout)
	defer cancel()

	var out strings.Builder
	pos := 0
	for {
		start, end, expr, ok := findPlaceholder(text, pos)
		if !ok {
			out.WriteString(text[pos:])
			return out.String(), nil
		}

		if err := evalCtx.Err(); err != nil {
			return "", fmt.Errorf("spec rendering timed out: %w", err)
		}

		value, err := evalExpression(expr, env)
		if err != nil {
			return "", err
		}

		// "${expr}" as the whole string value: non-string results replace
		// the quotes too, keeping numbers and booleans typed in the JSON.
		wholeString := start > 0 && text[start-1] == '"' &&
			end < len(text) && text[end] == '"'
		if _, isString := value.(string); wholeString && !isString {
			encoded, err := json.Marshal(value)
			if err != nil {
				return "", &ExpressionError{Expression: expr, Err: err}
			}
			out.WriteString(text[pos : start-1])
			out.Write(encoded)
			pos = end + 1
			continue
		}

		out.WriteString(text[pos:start])
		out.WriteString(escapeFragment(stringify(value)))
		pos = end
	}
}

// findPlaceholder locates the next ${...} at or after from, matching braces
// through nested quotes so expressions may contain string literals with
// braces. Returns the placeholder bounds and the inner expression.
func findPlaceholder(s string, from int) (start, end int, expr string, ok bool) {
	i := strings.Index(s[from:], "${")
	if i < 0 {
		return 0, 0, "", false
	}
	start = from + i

	depth := 0
	var quote byte
	for j := start + 1; j < len(s); j++ {
		c := s[j]
		if quote != 0 {
			if c == '\\' {
				j++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, j + 1, s[start+2 : j], true
			}
		}
	}
	return 0, 0, "", false
}

// evalExpression evaluates one expression in the sandbox and converts the
// result to a Go value.
func evalExpression(expr string, env starlark.StringDict) (interface{}, error) {
	thread := &starlark.Thread{
		Name: "render",
		Print: func(_ *starlark.Thread, _ string) {
			// No output channel from expressions.
		},
	}

	value, err := starlark.Eval(thread, "spec.star", expr, env)
	if err != nil {
		if name, ok := undefinedName(err); ok {
			return nil, &UndefinedVariableError{Variable: name}
		}
		return nil, &ExpressionError{Expression: expr, Err: err}
	}
	return fromStarlarkValue(value)
}

// undefinedName extracts the identifier from a Starlark resolve error of
// the form "undefined: name".
func undefinedName(err error) (string, bool) {
	msg := err.Error()
	const marker = "undefined: "
	i := strings.LastIndex(msg, marker)
	if i < 0 {
		return "", false
	}
	name := strings.TrimSpace(msg[i+len(marker):])
	if name == "" {
		return "", false
	}
	return name, true
}

// stringify renders an expression result for interpolation into a string
// fragment.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		if val == math.Trunc(val) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// escapeFragment JSON-escapes a string for insertion inside a JSON string
// literal.
func escapeFragment(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return s
	}
	return string(data[1 : len(data)-1])
}

// starlarkEnv builds the sandbox environment: context variables plus the
// closed helper set.
func starlarkEnv(vars map[string]interface{}) (starlark.StringDict, error) {
	env := starlark.StringDict{
		"b64encode": starlark.NewBuiltin("b64encode", builtinB64Encode),
		"round":     starlark.NewBuiltin("round", builtinRound),
		"default":   starlark.NewBuiltin("default", builtinDefault),
		"length":    starlark.NewBuiltin("length", builtinLength),
		"join":      starlark.NewBuiltin("join", builtinJoin),
	}
	for key, val := range vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert variable %s: %w", key, err)
		}
		env[key] = sv
	}
	return env, nil
}

// builtinB64Encode implements b64encode(s).
func builtinB64Encode(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "s", &s); err != nil {
		return nil, err
	}
	return starlark.String(base64.StdEncoding.EncodeToString([]byte(s))), nil
}

// builtinRound implements round(x): nearest integer, half away from zero.
func builtinRound(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &x); err != nil {
		return nil, err
	}
	switch v := x.(type) {
	case starlark.Int:
		return v, nil
	case starlark.Float:
		return starlark.MakeInt64(int64(math.Round(float64(v)))), nil
	default:
		return nil, fmt.Errorf("round: got %s, want int or float", x.Type())
	}
}

// builtinDefault implements default(v, d): d when v is None or the empty
// string, else v.
func builtinDefault(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v, d starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "v", &v, "d", &d); err != nil {
		return nil, err
	}
	if v == starlark.None {
		return d, nil
	}
	if s, ok := v.(starlark.String); ok && s == "" {
		return d, nil
	}
	return v, nil
}

// builtinLength implements length(v) for strings, lists, and dicts.
func builtinLength(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "v", &v); err != nil {
		return nil, err
	}
	n := starlark.Len(v)
	if n < 0 {
		return nil, fmt.Errorf("length: %s has no length", v.Type())
	}
	return starlark.MakeInt(n), nil
}

// builtinJoin implements join(list, sep).
func builtinJoin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var list *starlark.List
	var sep string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "list", &list, "sep", &sep); err != nil {
		return nil, err
	}
	parts := make([]string, list.Len())
	for i := 0; i < list.Len(); i++ {
		item, err := fromStarlarkValue(list.Index(i))
		if err != nil {
			return nil, err
		}
		parts[i] = stringify(item)
	}
	return starlark.String(strings.Join(parts, sep)), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}
	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported variable type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value back to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported expression result type: %s", v.Type())
	}
}

// legacySpec is the canonical non-templated payload body built from
// template fields alone.
type legacySpec struct {
	ImageID                string            `json:"imageId,omitempty"`
	InstanceType           string            `json:"instanceType,omitempty"`
	SubnetIDs              []string          `json:"subnetIds,omitempty"`
	SecurityGroupIDs       []string          `json:"securityGroupIds,omitempty"`
	TargetCapacity         int               `json:"targetCapacity"`
	OnDemandTargetCapacity int               `json:"onDemandTargetCapacity"`
	SpotTargetCapacity     int               `json:"spotTargetCapacity"`
	InstanceTags           map[string]string `json:"instanceTags,omitempty"`
}

func legacySpecJSON(tpl *templates.Template, rctx Context) ([]byte, error) {
	spec := legacySpec{
		ImageID:                tpl.ImageID,
		InstanceType:           tpl.InstanceType,
		SubnetIDs:              tpl.SubnetIDs,
		SecurityGroupIDs:       tpl.SecurityGroupIDs,
		TargetCapacity:         rctx.Count,
		OnDemandTargetCapacity: rctx.OnDemandCount,
		SpotTargetCapacity:     rctx.SpotCount,
		InstanceTags:           tpl.InstanceTags,
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode legacy spec for %s: %w", tpl.TemplateID, err)
	}
	return data, nil
}
