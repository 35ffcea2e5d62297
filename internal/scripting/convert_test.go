package scripting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func TestToStarlarkJSONNumbers(t *testing.T) {
	v, err := toStarlark(map[string]interface{}{"n": float64(3), "f": 1.5, "list": []interface{}{"a", nil}})
	require.NoError(t, err)
	d := v.(*starlark.Dict)

	n, _, _ := d.Get(starlark.String("n"))
	assert.Equal(t, "3", n.String())
	f, _, _ := d.Get(starlark.String("f"))
	assert.Equal(t, starlark.Float(1.5), f)
	l, _, _ := d.Get(starlark.String("list"))
	assert.Equal(t, `["a", None]`, l.String())
}

func TestFromStarlarkRejectsNonStringKeys(t *testing.T) {
	d := starlark.NewDict(1)
	require.NoError(t, d.SetKey(starlark.MakeInt(1), starlark.True))
	_, err := fromStarlark(d)
	assert.Error(t, err)
}

func TestRenderResult(t *testing.T) {
	got, err := renderResult(starlark.String("plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	got, err = renderResult(starlark.None)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	got, err = renderResult(starlark.NewList([]starlark.Value{starlark.MakeInt(1), starlark.Bool(true)}))
	require.NoError(t, err)
	assert.Equal(t, `[1,true]`, got)
}
