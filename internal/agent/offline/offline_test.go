package offline

import (
	"context"
	"strings"
	"testing"

	"appforge/internal/agent"
	"appforge/internal/models"
)

func TestGeneratesFullApp(t *testing.T) {
	ctx := context.Background()
	g := New()
	req := models.BuildRequest{Name: "Habit Hub", Description: "track habits with your remote team", Features: []string{"habits", "team streaks"}}

	research, err := g.Research(ctx, req)
	if err != nil || len(research.Competitors) < 3 {
		t.Fatalf("research: %+v err=%v", research, err)
	}
	strategy, err := g.Strategize(ctx, req, research)
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	b := agent.Brief{Request: req, Research: research, Strategy: strategy}

	fe, err := g.Frontend(ctx, b)
	if err != nil {
		t.Fatalf("frontend: %v", err)
	}
	for _, path := range []string{"package.json", "src/App.jsx", "src/components/Habits.jsx", "src/components/TeamStreaks.jsx"} {
		if _, ok := fe.Files[path]; !ok {
			t.Errorf("frontend missing %s", path)
		}
	}
	be, err := g.Backend(ctx, b)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	if !strings.Contains(be.Files["server.js"], "./routes/team-streaks") {
		t.Errorf("server.js should mount every feature route:\n%s", be.Files["server.js"])
	}
	db, err := g.Database(ctx, b)
	if err != nil || len(db.Migrations) != 2 || db.Migrations[1].Name != "create_team_streaks" {
		t.Fatalf("database: %+v err=%v", db, err)
	}
	qa, err := g.Review(ctx, b, fe.Files)
	if err != nil || qa.Score == 0 || len(qa.TestFiles) == 0 {
		t.Fatalf("review: %+v err=%v", qa, err)
	}
}

func TestDeterministic(t *testing.T) {
	req := models.BuildRequest{Name: "Same", Description: "same idea every time"}
	a, _ := New().Research(context.Background(), req)
	b, _ := New().Research(context.Background(), req)
	if a.ReviewsScanned != b.ReviewsScanned || len(a.Competitors) != len(b.Competitors) {
		t.Fatal("research output should be stable for the same input")
	}
}

func TestHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Research(ctx, models.BuildRequest{}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Habit Hub":     "habit-hub",
		"  --Weird!!  ": "weird",
		"":              "app",
		"Team Streaks":  "team-streaks",
	}
	for in, want := range cases {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}
