// Package prompt renders the instructions handed to the agent for one story.
package prompt

import (
	"fmt"
	"strings"

	"github.com/imkarma/storyloop/internal/config"
	"github.com/imkarma/storyloop/internal/iteration"
	"github.com/imkarma/storyloop/internal/store"
)

// Builder constructs the full prompt for one iteration. Think of it as the
// ticket the agent reads before starting work.
type Builder struct {
	project string
	marker  string
	mode    string
}

// New creates a prompt builder. An empty marker uses the default one.
func New(project, marker string) *Builder {
	if marker == "" {
		marker = config.DefaultMarker
	}
	return &Builder{project: project, marker: marker, mode: "build"}
}

// WithMode returns a copy of the builder rendering for mode ("build" or "plan").
func (b *Builder) WithMode(mode string) *Builder {
	c := *b
	if mode != "" {
		c.mode = mode
	}
	return &c
}

// Build creates the prompt for story. The prompt includes:
// 1. Mode header and project
// 2. The story with description, acceptance criteria and dependencies
// 3. The quality gates that must pass
// 4. Earlier attempts at the same story, if any
// 5. Instructions, including how to report gates and completion
func (b *Builder) Build(story *store.Story, gates []string, iterationID string, attempts []iteration.Record) string {
	var parts []string

	parts = append(parts, b.header(iterationID))
	parts = append(parts, storySection(story))

	if len(gates) > 0 {
		parts = append(parts, gateSection(gates))
	}
	if hist := attemptHistory(attempts); hist != "" {
		parts = append(parts, hist)
	}

	parts = append(parts, b.instructions(len(gates) > 0))

	return strings.Join(parts, "\n\n") + "\n"
}

func (b *Builder) header(iterationID string) string {
	var title string
	switch b.mode {
	case "plan":
		title = "# You are a Technical Analyst\nYour job is to plan this story: read the code, then write down the concrete steps. Do not implement it yet."
	default:
		title = "# You are a Software Developer\nYour job is to implement exactly one story from the backlog. Write clean, tested code."
	}
	return fmt.Sprintf("%s\n\nProject: %s\nIteration: %s", title, b.project, iterationID)
}

func storySection(story *store.Story) string {
	var sb strings.Builder

	sb.WriteString("## Story\n")
	sb.WriteString(fmt.Sprintf("**%s: %s**\n", story.ID, story.Title))

	if story.Description != "" {
		sb.WriteString(fmt.Sprintf("\n### Description\n%s\n", story.Description))
	}
	if len(story.AcceptanceCriteria) > 0 {
		sb.WriteString("\n### Acceptance Criteria\n")
		for _, c := range story.AcceptanceCriteria {
			sb.WriteString(fmt.Sprintf("- [ ] %s\n", c))
		}
	}
	if len(story.DependsOn) > 0 {
		sb.WriteString(fmt.Sprintf("\n### Builds On\nThese stories are already done: %s\n", strings.Join(story.DependsOn, ", ")))
	}

	return strings.TrimRight(sb.String(), "\n")
}

func gateSection(gates []string) string {
	var sb strings.Builder
	sb.WriteString("## Quality Gates\nAll of these must pass before the story counts as done:\n")
	for _, g := range gates {
		sb.WriteString(fmt.Sprintf("- `%s`\n", g))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func attemptHistory(attempts []iteration.Record) string {
	if len(attempts) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Previous Attempts\n")
	sb.WriteString("This story was tried before and did not finish:\n\n")
	for _, a := range attempts {
		sb.WriteString(fmt.Sprintf("- **%s** %s (exit %d, %d files committed)\n",
			a.IterationID, a.Outcome, a.ExitCode, len(a.CommittedFiles)))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Builder) instructions(hasGates bool) string {
	var sb strings.Builder
	sb.WriteString("## Instructions\n")
	sb.WriteString("- Work on this story only, don't refactor unrelated code\n")
	sb.WriteString("- Commit your work with a message that starts with the story id\n")
	sb.WriteString("- If you need information from the user, say: BLOCKED: [your question]\n")
	if hasGates {
		sb.WriteString("- Run every quality gate and report the results in this format:\n\n")
		sb.WriteString("GATES:\n- <gate>: PASS or FAIL - <note>\n")
	}
	sb.WriteString(fmt.Sprintf("\nWhen every acceptance criterion is met, print this line on its own:\n%s", b.marker))
	return sb.String()
}
