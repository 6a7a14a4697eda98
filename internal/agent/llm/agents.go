package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"appforge/internal/agent"
	"appforge/internal/models"
)

// Agents returns every role backed by c.
func (c *Client) Agents() agent.Agents {
	return agent.Agents{Researcher: c, Strategist: c, Coder: c, Reviewer: c}
}

const (
	researchPrompt = `You are a market analyst. Study the product idea and answer with a JSON object:
{"summary": string, "target_audience": string, "competitors": [{"name": string, "url": string, "strengths": [string], "gaps": [string]}],
 "reviews_scanned": number, "pain_points": [string], "opportunities": [string]}`

	strategyPrompt = `You are a product strategist. Using the idea and research, answer with a JSON object:
{"positioning": string, "core_features": [string], "tech_stack": {"frontend": string, "backend": string, "database": string},
 "architecture": string, "roadmap": [string], "endpoints": [{"method": string, "path": string, "description": string}]}`

	frontendPrompt = `You are a senior frontend engineer. Generate a complete, runnable frontend for the app.
Answer with a JSON object {"files": {"<relative path>": "<file content>"}, "components": number}.
Paths are relative to the frontend root. File contents are raw source without markdown fences.`

	backendPrompt = `You are a senior backend engineer. Generate a complete REST API for the app.
Answer with a JSON object {"files": {"<relative path>": "<file content>"}, "apis": number}.
Paths are relative to the backend root. File contents are raw source without markdown fences.`

	databasePrompt = `You are a database engineer. Design the schema for the app.
Answer with a JSON object {"schema_file": string, "schema": string, "migrations": [{"name": string, "sql": string}]}.
Migration names are short snake_case descriptions without numbering.`

	reviewPrompt = `You are a QA lead. Review the generated application and write automated tests.
Answer with a JSON object {"score": number 0-100, "issues": [string], "test_files": {"<relative path>": "<file content>"}}.`
)

func (c *Client) Research(ctx context.Context, req models.BuildRequest) (agent.ResearchResult, error) {
	var out agent.ResearchResult
	if err := c.completeJSON(ctx, researchPrompt, describe(req), &out); err != nil {
		return agent.ResearchResult{}, err
	}
	return out, nil
}

func (c *Client) Strategize(ctx context.Context, req models.BuildRequest, research agent.ResearchResult) (agent.StrategyResult, error) {
	var out agent.StrategyResult
	user := describe(req) + "\n\nResearch:\n" + mustJSON(research)
	if err := c.completeJSON(ctx, strategyPrompt, user, &out); err != nil {
		return agent.StrategyResult{}, err
	}
	return out, nil
}

func (c *Client) Frontend(ctx context.Context, b agent.Brief) (agent.CodeResult, error) {
	var out agent.CodeResult
	if err := c.completeJSON(ctx, frontendPrompt, brief(b), &out); err != nil {
		return agent.CodeResult{}, err
	}
	return out, nil
}

func (c *Client) Backend(ctx context.Context, b agent.Brief) (agent.CodeResult, error) {
	var out agent.CodeResult
	if err := c.completeJSON(ctx, backendPrompt, brief(b), &out); err != nil {
		return agent.CodeResult{}, err
	}
	return out, nil
}

func (c *Client) Database(ctx context.Context, b agent.Brief) (agent.DatabaseResult, error) {
	var out agent.DatabaseResult
	if err := c.completeJSON(ctx, databasePrompt, brief(b), &out); err != nil {
		return agent.DatabaseResult{}, err
	}
	return out, nil
}

func (c *Client) Review(ctx context.Context, b agent.Brief, files map[string]string) (agent.QAResult, error) {
	var out agent.QAResult
	user := brief(b) + "\n\nGenerated files:\n" + listing(files, 60000)
	if err := c.completeJSON(ctx, reviewPrompt, user, &out); err != nil {
		return agent.QAResult{}, err
	}
	return out, nil
}

func describe(req models.BuildRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "App name: %s\nIdea: %s\n", req.Name, req.Description)
	if req.Platform != "" {
		fmt.Fprintf(&sb, "Platform: %s\n", req.Platform)
	}
	if req.Framework != "" {
		fmt.Fprintf(&sb, "Framework: %s\n", req.Framework)
	}
	if req.Database != "" {
		fmt.Fprintf(&sb, "Database: %s\n", req.Database)
	}
	if len(req.Features) > 0 {
		fmt.Fprintf(&sb, "Requested features: %s\n", strings.Join(req.Features, ", "))
	}
	return sb.String()
}

func brief(b agent.Brief) string {
	return describe(b.Request) + "\nStrategy:\n" + mustJSON(b.Strategy)
}

// listing renders files path-sorted, stopping once budget bytes have been written.
func listing(files map[string]string, budget int) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var sb strings.Builder
	for i, p := range paths {
		entry := "=== " + p + " ===\n" + files[p] + "\n"
		if sb.Len()+len(entry) > budget {
			fmt.Fprintf(&sb, "... %d more files omitted\n", len(paths)-i)
			break
		}
		sb.WriteString(entry)
	}
	return sb.String()
}

func mustJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
