package mcp

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/tools"
)

// LoadOpenAPI reads an OpenAPI document from a file (relative paths are
// taken from baseDir) or a URL.
func LoadOpenAPI(specPath, baseDir string) (*openapi3.T, error) {
	specPath = strings.TrimSpace(specPath)
	if specPath == "" {
		return nil, fmt.Errorf("spec_path is required")
	}
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	var (
		doc *openapi3.T
		err error
	)
	if u, ok := parseHTTPURL(specPath); ok {
		doc, err = loader.LoadFromURI(u)
	} else {
		if !filepath.IsAbs(specPath) {
			specPath = filepath.Join(baseDir, specPath)
		}
		doc, err = loader.LoadFromFile(specPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load OpenAPI document: %w", err)
	}
	return doc, nil
}

// OpenAPITools builds one tool per operation in doc. Names are prefixed
// with the server name and made unique through usage.
func OpenAPITools(cfg config.MCPServerConfig, doc *openapi3.T, client *http.Client, usage map[string]int) ([]tools.Tool, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" && len(doc.Servers) > 0 && doc.Servers[0] != nil {
		baseURL = doc.Servers[0].URL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("no base url: set url for %s", cfg.Name)
	}
	if doc.Paths == nil || doc.Paths.Len() == 0 {
		return nil, fmt.Errorf("document contains no paths")
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = os.ExpandEnv(v)
	}
	if cfg.TimeoutSeconds > 0 {
		c := http.Client{}
		if client != nil {
			c = *client
		}
		c.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		client = &c
	}

	paths := doc.Paths.InMatchingOrder()
	sort.Strings(paths)
	var out []tools.Tool
	for _, path := range paths {
		item := doc.Paths.Value(path)
		if item == nil {
			continue
		}
		ops := item.Operations()
		methods := make([]string, 0, len(ops))
		for m := range ops {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		for _, method := range methods {
			op := ops[method]
			if op == nil {
				continue
			}
			name := uniqueToolName(fmt.Sprintf("%s_%s", sanitizeName(cfg.Name), sanitizeName(operationName(op, method, path))), usage)
			desc := op.Summary
			if desc == "" {
				desc = op.Description
			}
			if desc == "" {
				desc = fmt.Sprintf("Call %s %s", strings.ToUpper(method), path)
			}
			out = append(out, NewOperation(name, desc, method, baseURL, path,
				collectParameters(item.Parameters, op.Parameters),
				collectRequestBody(op.RequestBody), headers, client))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no operations in document")
	}
	return out, nil
}

// collectParameters merges path-level and operation-level parameters; the
// first declaration of a name in a location wins.
func collectParameters(pathParams, opParams openapi3.Parameters) []Param {
	out := make([]Param, 0, len(pathParams)+len(opParams))
	seen := make(map[string]bool)
	for _, ref := range append(append(openapi3.Parameters{}, pathParams...), opParams...) {
		if ref == nil || ref.Value == nil {
			continue
		}
		p := ref.Value
		id := p.In + ":" + p.Name
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Param{
			Name:        p.Name,
			In:          p.In,
			Key:         sanitizeName(p.In + "_" + p.Name),
			Required:    p.Required,
			Schema:      jsonSchema(p.Schema),
			Description: p.Description,
		})
	}
	return out
}

// collectRequestBody prefers a JSON body and otherwise takes the first
// content type in lexical order.
func collectRequestBody(ref *openapi3.RequestBodyRef) *Body {
	if ref == nil || ref.Value == nil || len(ref.Value.Content) == 0 {
		return nil
	}
	contentType := "application/json"
	media := ref.Value.Content.Get(contentType)
	if media == nil {
		types := make([]string, 0, len(ref.Value.Content))
		for ct := range ref.Value.Content {
			types = append(types, ct)
		}
		sort.Strings(types)
		contentType = types[0]
		media = ref.Value.Content[contentType]
	}
	body := &Body{Required: ref.Value.Required, ContentType: contentType}
	if media != nil {
		body.Schema = jsonSchema(media.Schema)
	}
	return body
}

// jsonSchema converts an OpenAPI schema into a plain JSON schema map.
func jsonSchema(ref *openapi3.SchemaRef) map[string]interface{} {
	if ref == nil || ref.Value == nil {
		return nil
	}
	s := ref.Value
	out := map[string]interface{}{}
	if s.Type != nil {
		switch types := s.Type.Slice(); len(types) {
		case 0:
		case 1:
			out["type"] = types[0]
		default:
			out["type"] = types
		}
	}
	if s.Nullable {
		if t, ok := out["type"].(string); ok {
			out["type"] = []string{t, "null"}
		}
	}
	if s.Format != "" {
		out["format"] = s.Format
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if s.Default != nil {
		out["default"] = s.Default
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	if s.Items != nil {
		out["items"] = jsonSchema(s.Items)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]interface{}, len(s.Properties))
		for k, v := range s.Properties {
			props[k] = jsonSchema(v)
		}
		out["properties"] = props
	}
	if s.AdditionalProperties.Schema != nil {
		out["additionalProperties"] = jsonSchema(s.AdditionalProperties.Schema)
	} else if s.AdditionalProperties.Has != nil {
		out["additionalProperties"] = *s.AdditionalProperties.Has
	}
	for key, refs := range map[string]openapi3.SchemaRefs{"anyOf": s.AnyOf, "allOf": s.AllOf, "oneOf": s.OneOf} {
		if len(refs) == 0 {
			continue
		}
		list := make([]interface{}, 0, len(refs))
		for _, r := range refs {
			list = append(list, jsonSchema(r))
		}
		out[key] = list
	}
	return out
}

func operationName(op *openapi3.Operation, method, path string) string {
	if op != nil && op.OperationID != "" {
		return op.OperationID
	}
	return method + "_" + strings.Trim(path, "/")
}

func parseHTTPURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, false
	}
	return u, true
}

// sanitizeName lowercases name and collapses every run of other characters
// into one underscore.
func sanitizeName(name string) string {
	var b strings.Builder
	under := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			under = false
			continue
		}
		if !under {
			b.WriteByte('_')
			under = true
		}
	}
	if s := strings.Trim(b.String(), "_"); s != "" {
		return s
	}
	return "tool"
}

func uniqueToolName(base string, usage map[string]int) string {
	usage[base]++
	if n := usage[base]; n > 1 {
		return fmt.Sprintf("%s_%d", base, n)
	}
	return base
}
