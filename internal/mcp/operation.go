package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/tools"
)

// Param is one OpenAPI parameter. Key is the argument name the model sees;
// Name is the name on the wire.
type Param struct {
	Name        string
	In          string // path, query or header
	Key         string
	Required    bool
	Schema      map[string]interface{}
	Description string
}

// Body is the request body of an operation.
type Body struct {
	Required    bool
	ContentType string
	Schema      map[string]interface{}
}

// Operation is a tool that performs one HTTP operation of an OpenAPI
// document. Arguments are split into path, query and header values by
// their Param; the "body" argument is the request body.
type Operation struct {
	name        string
	description string
	method      string
	baseURL     string
	path        string
	params      []Param
	body        *Body
	headers     map[string]string
	client      *http.Client
}

// NewOperation builds an operation tool. A nil client gets one with the
// default fetch timeout.
func NewOperation(name, description, method, baseURL, opPath string, params []Param, body *Body, headers map[string]string, client *http.Client) *Operation {
	if client == nil {
		client = &http.Client{Timeout: consts.DefaultFetchTimeout}
	}
	return &Operation{
		name:        name,
		description: description,
		method:      strings.ToUpper(method),
		baseURL:     strings.TrimSpace(baseURL),
		path:        opPath,
		params:      params,
		body:        body,
		headers:     headers,
		client:      client,
	}
}

func (o *Operation) Name() string { return o.name }

func (o *Operation) Description() string {
	if o.description != "" {
		return o.description
	}
	return fmt.Sprintf("Call %s %s", o.method, o.path)
}

func (o *Operation) Parameters() map[string]interface{} {
	props := make(map[string]interface{}, len(o.params)+1)
	var required []string
	for _, p := range o.params {
		schema := copySchema(p.Schema, "string")
		if d := strings.TrimSpace(p.Description); d != "" {
			schema["description"] = d
		}
		props[p.Key] = schema
		if p.Required {
			required = append(required, p.Key)
		}
	}
	if o.body != nil {
		schema := copySchema(o.body.Schema, "object")
		if _, ok := schema["description"]; !ok {
			schema["description"] = "Request body (" + o.body.ContentType + ")"
		}
		props["body"] = schema
		if o.body.Required {
			required = append(required, "body")
		}
	}
	out := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func copySchema(s map[string]interface{}, fallbackType string) map[string]interface{} {
	out := make(map[string]interface{}, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	if len(out) == 0 {
		out["type"] = fallbackType
	}
	return out
}

// Execute sends the request. A response status of 400 or above is a tool
// error that still carries the response.
func (o *Operation) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	start := time.Now()
	req, err := o.request(ctx, args)
	if err != nil {
		return tools.ErrorResult(fmt.Errorf("%w: %v", tools.ErrInvalidArguments, err))
	}
	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return tools.ErrorResult(ctx.Err())
		}
		return tools.ErrorResult(fmt.Errorf("%w: %s: %v", tools.ErrToolExecution, o.name, err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, consts.MaxFetchBodyBytes))
	if err != nil {
		return tools.ErrorResult(fmt.Errorf("%w: %s: reading response: %v", tools.ErrToolExecution, o.name, err))
	}

	result := map[string]interface{}{
		"url":    req.URL.String(),
		"status": resp.StatusCode,
		"body":   decodeBody(data),
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		result["content_type"] = ct
	}
	md := &tools.ExecutionMetadata{StartTime: &start, ToolType: "openapi", Command: o.method + " " + o.path}
	if resp.StatusCode >= 400 {
		return &tools.ToolResult{
			Result:            result,
			Error:             fmt.Sprintf("%s returned HTTP %d", o.name, resp.StatusCode),
			ErrorKind:         tools.KindToolError,
			ExecutionMetadata: md,
		}
	}
	return &tools.ToolResult{Result: result, ExecutionMetadata: md}
}

func decodeBody(data []byte) interface{} {
	var v interface{}
	if len(data) > 0 && json.Unmarshal(data, &v) == nil {
		return v
	}
	return string(data)
}

func (o *Operation) request(ctx context.Context, args map[string]interface{}) (*http.Request, error) {
	opPath := o.path
	query := url.Values{}
	header := http.Header{}
	for _, p := range o.params {
		v, ok := args[p.Key]
		if !ok || v == nil {
			if p.Required {
				return nil, fmt.Errorf("missing required %s parameter %s", p.In, p.Key)
			}
			continue
		}
		switch p.In {
		case "path":
			opPath = strings.ReplaceAll(opPath, "{"+p.Name+"}", url.PathEscape(fmt.Sprint(v)))
		case "query":
			for _, s := range values(v) {
				query.Add(p.Name, s)
			}
		case "header":
			for _, s := range values(v) {
				header.Add(p.Name, s)
			}
		}
	}

	target, err := o.resolve(opPath)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		q := target.Query()
		for k, vs := range query {
			q[k] = append(q[k], vs...)
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	if o.body != nil {
		switch v := args["body"].(type) {
		case nil:
			if o.body.Required {
				return nil, fmt.Errorf("body is required")
			}
		case string:
			body = strings.NewReader(v)
			contentType = o.body.ContentType
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("body is not serializable: %w", err)
			}
			body = bytes.NewReader(data)
			contentType = o.body.ContentType
			if contentType == "" {
				contentType = "application/json"
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, o.method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (o *Operation) resolve(opPath string) (*url.URL, error) {
	if o.baseURL == "" {
		return url.Parse(opPath)
	}
	base, err := url.Parse(o.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", o.baseURL, err)
	}
	// opPath carries escaped parameter values
	escaped := path.Join("/", base.EscapedPath(), opPath)
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, err
	}
	base.Path, base.RawPath = unescaped, escaped
	return base, nil
}

func values(v interface{}) []string {
	switch list := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case []string:
		return list
	default:
		return []string{fmt.Sprint(v)}
	}
}
