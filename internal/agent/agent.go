// Package agent defines the content-generating collaborators the build pipeline drives.
package agent

import (
	"context"

	"appforge/internal/models"
)

type Competitor struct {
	Name      string   `json:"name"`
	URL       string   `json:"url,omitempty"`
	Strengths []string `json:"strengths"`
	Gaps      []string `json:"gaps"`
}

type ResearchResult struct {
	Summary        string       `json:"summary"`
	TargetAudience string       `json:"target_audience"`
	Competitors    []Competitor `json:"competitors"`
	ReviewsScanned int          `json:"reviews_scanned"`
	PainPoints     []string     `json:"pain_points"`
	Opportunities  []string     `json:"opportunities"`
}

type StrategyResult struct {
	Positioning  string            `json:"positioning"`
	CoreFeatures []string          `json:"core_features"`
	TechStack    map[string]string `json:"tech_stack"`
	Architecture string            `json:"architecture"`
	Roadmap      []string          `json:"roadmap"`
	Endpoints    []Endpoint        `json:"endpoints"`
}

type Endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// CodeResult holds generated source files keyed by path relative to their tier root.
type CodeResult struct {
	Files      map[string]string `json:"files"`
	Components int               `json:"components"`
	APIs       int               `json:"apis"`
}

type Migration struct {
	Name string `json:"name"`
	SQL  string `json:"sql"`
}

type DatabaseResult struct {
	SchemaFile string      `json:"schema_file"`
	Schema     string      `json:"schema"`
	Migrations []Migration `json:"migrations"`
}

type QAResult struct {
	Score     int               `json:"score"`
	Issues    []string          `json:"issues"`
	TestFiles map[string]string `json:"test_files"`
}

// Brief is everything known about the app by the time code generation starts.
type Brief struct {
	Request  models.BuildRequest
	Research ResearchResult
	Strategy StrategyResult
}

type Researcher interface {
	Research(ctx context.Context, req models.BuildRequest) (ResearchResult, error)
}

type Strategist interface {
	Strategize(ctx context.Context, req models.BuildRequest, research ResearchResult) (StrategyResult, error)
}

type Coder interface {
	Frontend(ctx context.Context, b Brief) (CodeResult, error)
	Backend(ctx context.Context, b Brief) (CodeResult, error)
	Database(ctx context.Context, b Brief) (DatabaseResult, error)
}

type Reviewer interface {
	Review(ctx context.Context, b Brief, files map[string]string) (QAResult, error)
}

// Agents bundles one implementation of each role.
type Agents struct {
	Researcher Researcher
	Strategist Strategist
	Coder      Coder
	Reviewer   Reviewer
}
