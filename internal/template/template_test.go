package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
)

func TestRender_Interpolation(t *testing.T) {
	out, err := Render("hello {{name}}", map[string]string{"name": "world"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestRender_MissingVarIsError(t *testing.T) {
	_, err := Render("hello {{name}}", map[string]string{}, nil)
	assert.ErrorIs(t, err, daemonerr.ErrTemplateMissingVar)
}

func TestRender_Conditional(t *testing.T) {
	tmpl := "{{#if flag}}yes{{else}}no{{/if}}"
	out, err := Render(tmpl, map[string]string{"flag": "1"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "yes", out)

	out, err = Render(tmpl, map[string]string{"flag": ""}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "no", out)
}

func TestRender_Partial(t *testing.T) {
	out, err := Render("{{> greeting}}", map[string]string{"name": "ralph"}, Partials{"greeting": "hi {{name}}"})
	assert.NoError(t, err)
	assert.Equal(t, "hi ralph", out)
}

func TestRender_UnknownPartialIsError(t *testing.T) {
	_, err := Render("{{> missing}}", map[string]string{}, Partials{})
	assert.ErrorIs(t, err, daemonerr.ErrTemplateMissingVar)
}

func TestRender_HelperTruncate(t *testing.T) {
	out, err := Render("{{body|truncate:5}}", map[string]string{"body": "abcdefgh"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "abcde", out)
}

func TestRender_HelperSnakeCase(t *testing.T) {
	out, err := Render("{{title|snake_case}}", map[string]string{"title": "Fix Login Bug"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "fix_login_bug", out)
}

func TestRender_HelperDefaultOnMissingVar(t *testing.T) {
	out, err := Render("{{nickname|default:anon}}", map[string]string{}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "anon", out)
}

func TestRender_HelperDefaultOnEmptyValue(t *testing.T) {
	out, err := Render("{{nickname|default:anon}}", map[string]string{"nickname": ""}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "anon", out)
}

func TestRender_HelperJSON(t *testing.T) {
	out, err := Render(`{{msg|json}}`, map[string]string{"msg": "line1\nline2"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, `"line1\nline2"`, out)
}

func TestRender_UnknownHelperIsError(t *testing.T) {
	_, err := Render("{{name|shout}}", map[string]string{"name": "x"}, nil)
	assert.ErrorIs(t, err, daemonerr.ErrTemplateMissingVar)
}

func TestRender_ChainedHelpers(t *testing.T) {
	out, err := Render("{{title|snake_case|truncate:4}}", map[string]string{"title": "Fix Login"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "fix_", out)
}
