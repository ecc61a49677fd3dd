package llm

import (
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// registry holds every prompt template, parsed once at package init.
// Template identifiers are the file names without the .tmpl suffix.
var registry = mustLoadTemplates()

// Template identifiers. Decision prompts expect a JSON-mode reply;
// answer prompts produce free text.
const (
	TemplateIntentDecision   = "intent_decision"
	TemplateClarityCheck     = "clarity_check"
	TemplateClarification    = "clarification"
	TemplateQueryExplanation = "query_explanation"
	TemplateNextSteps        = "next_steps"
	TemplateAnswerQuery      = "answer_query"
	TemplateAnswerPleasantry = "answer_pleasantry"
	TemplateAnswerNoData     = "answer_no_data"
)

func mustLoadTemplates() map[string]*template.Template {
	entries, err := fs.ReadDir(templatesFS, "templates")
	if err != nil {
		panic(fmt.Sprintf("llm: read templates dir: %v", err))
	}
	reg := make(map[string]*template.Template, len(entries))
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".tmpl")
		data, err := templatesFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			panic(fmt.Sprintf("llm: read template %s: %v", entry.Name(), err))
		}
		tmpl, err := template.New(name).Option("missingkey=zero").Parse(string(data))
		if err != nil {
			panic(fmt.Sprintf("llm: parse template %s: %v", entry.Name(), err))
		}
		reg[name] = tmpl
	}
	return reg
}

// Render resolves a template identifier and substitutes vars into it.
// Returns ErrUnknownTemplate when the identifier is not registered.
func Render(name string, vars map[string]any) (string, error) {
	tmpl, ok := registry[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("llm: render template %q: %w", name, err)
	}
	return sb.String(), nil
}

// KnownTemplates returns the registered template identifiers in no
// particular order. Intended for startup sanity logging and tests.
func KnownTemplates() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
