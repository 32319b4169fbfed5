// Package template implements the small hand-rolled prompt-rendering
// language described in SPEC_FULL.md section 4.3: variable interpolation,
// conditionals, partials, and a fixed helper set. Unlike stdlib
// text/template, referencing an undeclared variable is a hard error
// (daemonerr.ErrTemplateMissingVar) rather than rendering as empty text,
// and the helper set is closed rather than arbitrary Go expressions —
// matching how the engine validates prompts before an LLM call rather than
// how a general-purpose templating library would.
package template

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
)

// Helper is a named, fixed-arity text transform usable inside `{{var|helper}}`.
type Helper func(value string, args []string) (string, error)

// builtinHelpers is the closed set named in SPEC_FULL.md section 4.3.
var builtinHelpers = map[string]Helper{
	"truncate":   helperTruncate,
	"snake_case": helperSnakeCase,
	"default":    helperDefault,
	"json":       helperJSON,
}

// Partials resolves a named partial to its raw template source, for the
// `{{> name}}` include directive.
type Partials map[string]string

// Render expands tmpl against vars. Every `{{var}}`, `{{var|helper}}`, and
// `{{#if var}}...{{/if}}` reference must resolve against vars or this
// returns a wrapped daemonerr.ErrTemplateMissingVar; partials must resolve
// against partials or the same applies.
func Render(tmpl string, vars map[string]string, partials Partials) (string, error) {
	return render(tmpl, vars, partials, 0)
}

const maxPartialDepth = 16

func render(tmpl string, vars map[string]string, partials Partials, depth int) (string, error) {
	if depth > maxPartialDepth {
		return "", fmt.Errorf("%w: partial nesting exceeds %d", daemonerr.ErrTemplateMissingVar, maxPartialDepth)
	}
	expanded, err := expandConditionals(tmpl, vars, partials, depth)
	if err != nil {
		return "", err
	}
	return expandInline(expanded, vars, partials, depth)
}

// expandConditionals handles {{#if var}}...{{else}}...{{/if}} blocks,
// non-nested (one level), scanning left to right.
func expandConditionals(tmpl string, vars map[string]string, partials Partials, depth int) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{#if ")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		afterTag := rest[start+len("{{#if "):]
		close := strings.Index(afterTag, "}}")
		if close == -1 {
			return "", fmt.Errorf("%w: unterminated {{#if}} tag", daemonerr.ErrTemplateMissingVar)
		}
		varName := strings.TrimSpace(afterTag[:close])
		body := afterTag[close+2:]
		end := strings.Index(body, "{{/if}}")
		if end == -1 {
			return "", fmt.Errorf("%w: unterminated {{#if %s}} block", daemonerr.ErrTemplateMissingVar, varName)
		}
		block := body[:end]
		rest = body[end+len("{{/if}}"):]

		val, ok := vars[varName]
		if !ok {
			return "", fmt.Errorf("%w: %q", daemonerr.ErrTemplateMissingVar, varName)
		}
		thenPart, elsePart := splitElse(block)
		var chosen string
		if ok && val != "" {
			chosen = thenPart
		} else {
			chosen = elsePart
		}
		expandedChosen, err := render(chosen, vars, partials, depth+1)
		if err != nil {
			return "", err
		}
		b.WriteString(expandedChosen)
	}
	return b.String(), nil
}

func splitElse(block string) (thenPart, elsePart string) {
	idx := strings.Index(block, "{{else}}")
	if idx == -1 {
		return block, ""
	}
	return block[:idx], block[idx+len("{{else}}"):]
}

// expandInline handles {{var}}, {{var|helper}}, {{var|helper:arg}}, and
// {{> partial}}.
func expandInline(tmpl string, vars map[string]string, partials Partials, depth int) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		afterOpen := rest[start+2:]
		end := strings.Index(afterOpen, "}}")
		if end == -1 {
			return "", fmt.Errorf("%w: unterminated {{ tag", daemonerr.ErrTemplateMissingVar)
		}
		token := strings.TrimSpace(afterOpen[:end])
		rest = afterOpen[end+2:]

		resolved, err := resolveToken(token, vars, partials, depth)
		if err != nil {
			return "", err
		}
		b.WriteString(resolved)
	}
	return b.String(), nil
}

func resolveToken(token string, vars map[string]string, partials Partials, depth int) (string, error) {
	if strings.HasPrefix(token, "> ") {
		name := strings.TrimSpace(token[2:])
		src, ok := partials[name]
		if !ok {
			return "", fmt.Errorf("%w: partial %q not found", daemonerr.ErrTemplateMissingVar, name)
		}
		return render(src, vars, partials, depth+1)
	}

	parts := strings.Split(token, "|")
	varName := strings.TrimSpace(parts[0])
	val, ok := vars[varName]
	if !ok {
		// `default` is the one helper allowed to supply a value for a
		// variable that was never set.
		if len(parts) > 1 && helperNameOf(parts[1]) == "default" {
			val = ""
		} else {
			return "", fmt.Errorf("%w: %q", daemonerr.ErrTemplateMissingVar, varName)
		}
	}
	for _, stage := range parts[1:] {
		name, args := parseHelperCall(stage)
		h, ok := builtinHelpers[name]
		if !ok {
			return "", fmt.Errorf("%w: unknown helper %q", daemonerr.ErrTemplateMissingVar, name)
		}
		out, err := h(val, args)
		if err != nil {
			return "", err
		}
		val = out
	}
	return val, nil
}

func helperNameOf(stage string) string {
	name, _ := parseHelperCall(stage)
	return name
}

func parseHelperCall(stage string) (name string, args []string) {
	stage = strings.TrimSpace(stage)
	idx := strings.Index(stage, ":")
	if idx == -1 {
		return stage, nil
	}
	name = stage[:idx]
	for _, a := range strings.Split(stage[idx+1:], ",") {
		args = append(args, strings.TrimSpace(a))
	}
	return name, args
}

func helperTruncate(value string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: truncate requires one integer argument", daemonerr.ErrTemplateMissingVar)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return "", fmt.Errorf("%w: truncate argument %q is not an integer", daemonerr.ErrTemplateMissingVar, args[0])
	}
	r := []rune(value)
	if len(r) <= n {
		return value, nil
	}
	if n < 0 {
		n = 0
	}
	return string(r[:n]), nil
}

func helperSnakeCase(value string, _ []string) (string, error) {
	var b strings.Builder
	lastUnderscore := false
	for i, r := range value {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !lastUnderscore {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			lastUnderscore = false
			continue
		}
		if r == ' ' || r == '-' {
			b.WriteByte('_')
			lastUnderscore = true
			continue
		}
		b.WriteRune(r)
		lastUnderscore = r == '_'
	}
	return b.String(), nil
}

func helperDefault(value string, args []string) (string, error) {
	if value != "" {
		return value, nil
	}
	if len(args) != 1 {
		return "", fmt.Errorf("%w: default requires one argument", daemonerr.ErrTemplateMissingVar)
	}
	return args[0], nil
}

func helperJSON(value string, _ []string) (string, error) {
	escaped := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\t", `\t`,
	).Replace(value)
	return `"` + escaped + `"`, nil
}
