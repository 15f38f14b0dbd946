package consult

import (
	"fmt"
	"strings"
)

// Prompt represents a structured model prompt with consistent formatting.
// It enforces one canonical layout across specialist, synthesis and triage calls.
type Prompt struct {
	Task        string   // Required: what the model should do
	Input       string   // Required: the main content to process
	Context     string   // Optional: additional context (history, symptoms)
	Categories  []string // Closed vocabulary for classification calls
	Findings    []string // Specialist findings for the synthesis call
	Schema      string   // Required: JSON schema for response
	Constraints []string // Rules the response must follow
}

// Render converts the structured prompt to a string for the model.
func (p *Prompt) Render() string {
	var sections []string

	if p.Task != "" {
		sections = append(sections, "Task: "+p.Task)
	}

	if p.Input != "" {
		sections = append(sections, "Input: "+p.Input)
	}

	if p.Context != "" {
		sections = append(sections, "Context: "+p.Context)
	}

	if len(p.Categories) > 0 {
		sections = append(sections, numbered("Categories", p.Categories))
	}

	if len(p.Findings) > 0 {
		sections = append(sections, numbered("Specialist findings", p.Findings))
	}

	if p.Schema != "" {
		sections = append(sections, "Return JSON:\n"+p.Schema)
	}

	// Constraints - always last
	if len(p.Constraints) > 0 {
		var con strings.Builder
		con.WriteString("Constraints:\n")
		for _, c := range p.Constraints {
			con.WriteString("- " + c + "\n")
		}
		sections = append(sections, strings.TrimSpace(con.String()))
	}

	return strings.Join(sections, "\n\n")
}

func numbered(title string, items []string) string {
	var b strings.Builder
	b.WriteString(title + ":\n")
	for i, item := range items {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, item)
	}
	return strings.TrimSpace(b.String())
}

// Validate checks if the prompt has required fields.
func (p *Prompt) Validate() error {
	if p.Task == "" {
		return fmt.Errorf("prompt missing required Task field")
	}
	if p.Input == "" && len(p.Findings) == 0 {
		return fmt.Errorf("prompt missing required Input or Findings field")
	}
	if p.Schema == "" {
		return fmt.Errorf("prompt missing required Schema field")
	}
	return nil
}
