package http

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/go-resty/resty/v2"

	"github.com/BDNK1/steprunner/runtime"
	"github.com/BDNK1/steprunner/runtime/expression"
	"github.com/BDNK1/steprunner/runtime/plugin"
)

// Config holds the HTTP plugin configuration with declarative tags.
// Values come from the runner's environment.
type Config struct {
	Timeout     time.Duration `mapstructure:"PIPELINE_HTTP_TIMEOUT" default:"30s" validate:"gte=1s"`
	MaxRetries  int           `mapstructure:"PIPELINE_HTTP_MAX_RETRIES" default:"3" validate:"gte=0,lte=10"`
	Debug       bool          `mapstructure:"PIPELINE_HTTP_DEBUG" default:"false"`
	RetryWaitMS int           `mapstructure:"PIPELINE_HTTP_RETRY_WAIT_MS" default:"100" validate:"gte=0,lte=10000"`
}

// RequestInput defines the typed input of the http/request action.
type RequestInput struct {
	URL         string            `mapstructure:"url" validate:"required,url"`
	Method      string            `mapstructure:"method" default:"GET" validate:"oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Headers     map[string]string `mapstructure:"headers"`
	QueryParams map[string]string `mapstructure:"query_parameters"`
	// Body is sent as JSON unless it is a string.
	Body any `mapstructure:"body"`
	// Form is sent url-encoded, nested keys flattened as a[b][0].
	Form map[string]any `mapstructure:"form"`
}

// HTTPPlugin implements HTTP request functionality as a plugin
type HTTPPlugin struct {
	Config Config
	client *resty.Client
}

// New builds the plugin with its configuration read from environ.
func New(environ map[string]any) (*HTTPPlugin, error) {
	p := &HTTPPlugin{}
	if err := runtime.InitializeConfig(&p.Config, environ); err != nil {
		return nil, fmt.Errorf("invalid http plugin configuration: %w", err)
	}
	return p, nil
}

// Initialize implements the plugin.Initializer interface
func (h *HTTPPlugin) Initialize(ctx context.Context) error {
	h.client = resty.New().
		SetTimeout(h.Config.Timeout).
		SetRetryCount(h.Config.MaxRetries).
		SetRetryWaitTime(time.Duration(h.Config.RetryWaitMS) * time.Millisecond).
		SetDebug(h.Config.Debug)

	return nil
}

// Request executes an HTTP request and publishes status_code, status and
// body as step outputs. When the response body is a JSON document it is
// also published as json. A response status of 400 or above fails the step.
func (h *HTTPPlugin) Request(ctx context.Context, inv plugin.Invocation, sink plugin.Sink) error {
	if h.client == nil {
		return fmt.Errorf("http plugin is not initialized")
	}

	if method, ok := inv.Inputs["method"].(string); ok {
		inputs := make(map[string]any, len(inv.Inputs))
		for k, v := range inv.Inputs {
			inputs[k] = v
		}
		inputs["method"] = strings.ToUpper(method)
		inv.Inputs = inputs
	}

	var input RequestInput
	if err := plugin.Decode(inv, &input); err != nil {
		return err
	}

	req := h.client.R().
		SetContext(ctx).
		SetHeaders(input.Headers).
		SetQueryParams(input.QueryParams)

	switch {
	case len(input.Form) > 0:
		req.SetFormData(flattenToFormData(input.Form, ""))
	case input.Body != nil:
		req.SetBody(input.Body)
	}

	resp, err := req.Execute(input.Method, input.URL)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}

	if err := plugin.SetOutput(sink, "status_code", resp.StatusCode()); err != nil {
		return err
	}
	if err := plugin.SetOutput(sink, "status", resp.Status()); err != nil {
		return err
	}
	if err := plugin.SetOutput(sink, "body", string(resp.Body())); err != nil {
		return err
	}
	if parsed, err := gabs.ParseJSON(resp.Body()); err == nil {
		if err := plugin.SetOutput(sink, "json", parsed.Data()); err != nil {
			return err
		}
	}

	if resp.IsError() {
		return fmt.Errorf("%s %s returned %s", input.Method, input.URL, resp.Status())
	}
	return nil
}

// Shutdown implements the plugin.Shutdowner interface
func (h *HTTPPlugin) Shutdown(ctx context.Context) error {
	// Resty doesn't require explicit cleanup, but we can nil the client
	h.client = nil
	return nil
}

// flattenToFormData flattens nested maps and slices into form keys using
// bracket notation: {"a": {"b": [1]}} becomes a[b][0]=1.
func flattenToFormData(data map[string]any, prefix string) map[string]string {
	result := make(map[string]string)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := k
		if prefix != "" {
			key = fmt.Sprintf("%s[%s]", prefix, k)
		}
		flattenValue(result, key, data[k])
	}
	return result
}

func flattenValue(result map[string]string, key string, value any) {
	switch v := value.(type) {
	case map[string]any:
		for nk, nv := range flattenToFormData(v, key) {
			result[nk] = nv
		}
	case []any:
		for i, item := range v {
			flattenValue(result, fmt.Sprintf("%s[%d]", key, i), item)
		}
	default:
		result[key] = expression.Stringify(v)
	}
}
