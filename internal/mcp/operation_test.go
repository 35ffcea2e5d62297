package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kir-gadjello/zier-alpha/internal/tools"
)

func TestOperationBuildsRequest(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	op := NewOperation("svc_search", "", "get", srv.URL+"/v1/", "/items/{kind}",
		[]Param{
			{Name: "kind", In: "path", Key: "path_kind", Required: true},
			{Name: "tag", In: "query", Key: "query_tag"},
			{Name: "X-Trace", In: "header", Key: "header_x_trace"},
		}, nil, map[string]string{"X-Static": "1"}, srv.Client())

	assert.Equal(t, "Call GET /items/{kind}", op.Description())
	res := op.Execute(context.Background(), map[string]interface{}{
		"path_kind":      "a b",
		"query_tag":      []interface{}{"x", "y"},
		"header_x_trace": "t-1",
	})
	require.False(t, res.Failed(), res.Error)
	assert.Equal(t, "/v1/items/a b", got.URL.Path)
	assert.Equal(t, []string{"x", "y"}, got.URL.Query()["tag"])
	assert.Equal(t, "t-1", got.Header.Get("X-Trace"))
	assert.Equal(t, "1", got.Header.Get("X-Static"))
	assert.Equal(t, "plain text", res.Result.(map[string]interface{})["body"])
}

func TestOperationMissingPathParam(t *testing.T) {
	op := NewOperation("svc_get", "", "GET", "http://example.invalid", "/items/{id}",
		[]Param{{Name: "id", In: "path", Key: "path_id", Required: true}}, nil, nil, nil)
	res := op.Execute(context.Background(), map[string]interface{}{})
	assert.Equal(t, tools.KindInvalidArguments, res.ErrorKind)
}

func TestOperationParameters(t *testing.T) {
	op := NewOperation("svc_create", "Create", "POST", "http://example.invalid", "/items",
		[]Param{{Name: "dry", In: "query", Key: "query_dry", Description: " preview "}},
		&Body{Required: true, ContentType: "application/json"}, nil, nil)
	params := op.Parameters()
	props := params["properties"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"type": "string", "description": "preview"}, props["query_dry"])
	assert.Equal(t, "object", props["body"].(map[string]interface{})["type"])
	assert.Equal(t, []string{"body"}, params["required"])
}
