package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskdaemon/taskdaemon/internal/model"
)

// DefaultTemplates is the prompt body registered for each run kind when a
// deployment supplies none of its own, covering buildPrompt's full
// variable set (run_id, title, iteration, max_iterations, progress,
// content_path, validation_cmd, worktree_path).
func DefaultTemplates() Templates {
	return Templates{
		ByKind: map[model.Kind]string{
			model.KindPlan: "You are planning {{title}} (run {{run_id}}).\n" +
				"Read {{content_path}} and decide how to break this plan into 1-2 specs.\n" +
				"Prior progress:\n{{progress}}",
			model.KindSpec: "You are scoping spec {{title}} (run {{run_id}}).\n" +
				"Read {{content_path}} and decide how to break this spec into 3-7 phases.\n" +
				"Prior progress:\n{{progress}}",
			model.KindPhase: "You are scoping phase {{title}} (run {{run_id}}).\n" +
				"Read {{content_path}} and define the single ralph loop that implements it.\n" +
				"Prior progress:\n{{progress}}",
			model.KindRalph: "You are iteration {{iteration}}/{{max_iterations}} of {{title}} (run {{run_id}}).\n" +
				"Working tree: {{worktree_path}}\n" +
				"Validation command: {{validation_cmd}}\n" +
				"Read {{content_path}} for the task. Make the smallest change that " +
				"gets the validation command to pass.\n" +
				"Prior progress:\n{{progress}}",
		},
	}
}

// templatesFile is the on-disk shape a deployment supplies to override one
// or more of DefaultTemplates' bodies, plus any shared partials.
type templatesFile struct {
	ByKind   map[model.Kind]string `yaml:"by_kind"`
	Partials map[string]string     `yaml:"partials"`
}

// LoadTemplatesFile reads a YAML template override file and layers it on
// top of DefaultTemplates: a kind left unset in the file keeps its default
// body, so an operator can override just the ralph prompt without
// respecifying plan/spec/phase.
func LoadTemplatesFile(path string) (Templates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Templates{}, fmt.Errorf("engine: read templates file: %w", err)
	}
	var tf templatesFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return Templates{}, fmt.Errorf("engine: parse templates file %s: %w", path, err)
	}

	tpl := DefaultTemplates()
	if tpl.Partials == nil {
		tpl.Partials = make(map[string]string)
	}
	for kind, body := range tf.ByKind {
		tpl.ByKind[kind] = body
	}
	for name, body := range tf.Partials {
		tpl.Partials[name] = body
	}
	return tpl, nil
}
