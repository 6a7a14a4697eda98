package packaging

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"appforge/internal/agent"
)

func TestClean(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		in      string
		want    string
		skipped bool
	}{
		{name: "fenced", in: "```js\nconsole.log(1)\n```", want: "console.log(1)"},
		{name: "fenced trailing newline", in: "```\nx = 1\n```\n", want: "x = 1\n"},
		{name: "plain", in: "const a = 1;\n", want: "const a = 1;\n"},
		{name: "special tokens", in: "<|im_start|>const a = 1;<|im_end|>", want: "const a = 1;"},
		{name: "inst", in: "[INST]\nlet b = 2;\n[/INST]", want: "let b = 2;\n"},
		{name: "sentinel", in: "<s>SELECT 1;</s>", want: "SELECT 1;"},
		{name: "sentinel lines", in: "<s>\nconst a = 1;\n</s>\n", want: "const a = 1;\n"},
		{name: "trailing eos", in: "const a = 1;</s>", want: "const a = 1;"},
		{name: "strikethrough kept", file: "Price.html", in: "<s>Was $20</s>\n<p>Now <s>$20</s></p>\n", want: "<s>Was $20</s>\n<p>Now <s>$20</s></p>\n"},
		{name: "markdown code block", file: "README.md", in: "# Habits\n\n```bash\nnpm install\n```\n", want: "# Habits\n\n```bash\nnpm install\n```\n"},
		{name: "markdown wrapper", file: "docs/GUIDE.md", in: "```markdown\n# Guide\n```", want: "# Guide"},
		{name: "box run decoration", in: "// ──── Section ────\nconst a = 1;\nconst b = 2;\nconst c = 3;", want: "// ---- Section ----\nconst a = 1;\nconst b = 2;\nconst c = 3;"},
		{name: "mostly placeholders", in: "────────\n────────\nconst a = 1;", skipped: true},
		{name: "empty", in: "```js\n```", skipped: true},
		{name: "whitespace", in: "   \n\t", skipped: true},
		{name: "inner fence", in: "const a = 1;\n```\nconst b = 2;", skipped: true},
		{name: "unknown token", in: "<|tool_call|>doThing()", skipped: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			file := tc.file
			if file == "" {
				file = "App.js"
			}
			got, err := Clean(file, tc.in)
			if tc.skipped {
				if !errors.Is(err, ErrContaminated) {
					t.Fatalf("expected ErrContaminated, got %q err=%v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("clean: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func sampleArtifacts() Artifacts {
	return Artifacts{
		Description: "a habit tracker for remote teams",
		Strategy: agent.StrategyResult{
			CoreFeatures: []string{"habits"},
			Endpoints:    []agent.Endpoint{{Method: "GET", Path: "/api/habits", Description: "list habits"}},
		},
		Frontend: agent.CodeResult{Files: map[string]string{
			"App.js":                "```js\nconsole.log(1)\n```",
			"frontend/src/main.jsx": "import App from './App';",
			"../../etc/passwd":      "root:x:0:0",
			"src/broken.jsx":        "```jsx\n```",
		}},
		Backend: agent.CodeResult{Files: map[string]string{"server.js": "require('express')();"}},
		Database: agent.DatabaseResult{
			SchemaFile: "schema.sql",
			Schema:     "CREATE TABLE habits (id INT);",
			Migrations: []agent.Migration{{Name: "create habits", SQL: "CREATE TABLE habits (id INT);"}, {Name: "002_add_index", SQL: "CREATE INDEX i ON habits (id);"}},
		},
		QA: agent.QAResult{Score: 88, TestFiles: map[string]string{"api.test.js": "test('ok', () => {});"}},
	}
}

func TestAssembleLayout(t *testing.T) {
	files, skipped := Assemble("Habit Hub", sampleArtifacts())

	if got := files["frontend/App.js"]; got != "console.log(1)" {
		t.Fatalf("frontend/App.js = %q", got)
	}
	if strings.Contains(files["frontend/App.js"], "```") {
		t.Fatal("fences should be stripped")
	}
	if _, ok := files["frontend/src/main.jsx"]; !ok {
		t.Fatal("duplicated tier prefix should collapse to frontend/src/main.jsx")
	}
	if _, ok := files["frontend/etc/passwd"]; !ok {
		t.Fatal("escaping paths should be pinned under the tier root")
	}
	for _, p := range []string{
		"backend/server.js",
		"database/schema.sql",
		"database/migrations/001_create_habits.sql",
		"database/migrations/002_add_index.sql",
		"tests/api.test.js",
		"README.md", "RESEARCH.md", "DEPLOYMENT.md", "ARCHITECTURE.md", "API.md",
		".env.example", ".gitignore", "Dockerfile", "docker-compose.yml",
	} {
		if _, ok := files[p]; !ok {
			t.Errorf("missing %s", p)
		}
	}
	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}
	if _, ok := files["frontend/src/broken.jsx"]; ok {
		t.Fatal("contaminated file should be excluded")
	}
	if !strings.Contains(files["API.md"], "/api/habits") {
		t.Fatalf("API.md should list endpoints:\n%s", files["API.md"])
	}
}

func TestTierFilesCollisionIsDeterministic(t *testing.T) {
	in := map[string]string{
		"App.js":             "bare",
		"frontend/App.js":    "prefixed",
		"/src/main.jsx":      "rooted",
		"src/main.jsx":       "relative",
		"components/Nav.jsx": "nav",
	}
	for i := 0; i < 200; i++ {
		got := TierFiles("frontend", in)
		if len(got) != 3 {
			t.Fatalf("got %d files, want 3: %v", len(got), got)
		}
		if got["frontend/App.js"] != "prefixed" {
			t.Fatalf("frontend/App.js = %q, want the prefixed key to win", got["frontend/App.js"])
		}
		if got["frontend/src/main.jsx"] != "rooted" {
			t.Fatalf("frontend/src/main.jsx = %q, want the lexically first key", got["frontend/src/main.jsx"])
		}
	}
}

type recordingUploader struct {
	mu   sync.Mutex
	keys []string
	size int
}

func (r *recordingUploader) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	data, _ := io.ReadAll(body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.size = len(data)
	return "mem://" + key, nil
}

func TestPackageWritesArchive(t *testing.T) {
	dir := t.TempDir()
	up := &recordingUploader{}
	p := New(dir, up)

	res, err := p.Package(context.Background(), "Habit Hub", sampleArtifacts())
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	if filepath.Dir(res.ZipPath) != dir || !strings.HasPrefix(filepath.Base(res.ZipPath), "habit-hub-") || filepath.Ext(res.ZipPath) != ".zip" {
		t.Fatalf("unexpected archive path %s", res.ZipPath)
	}
	if res.SkippedFiles != 1 || res.QAScore != 88 {
		t.Fatalf("unexpected result: %+v", res)
	}

	zr, err := zip.OpenReader(res.ZipPath)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != res.FileCount {
		t.Fatalf("file count %d, archive has %d", res.FileCount, len(zr.File))
	}
	var sawIcon, sawApp bool
	for _, f := range zr.File {
		switch f.Name {
		case "frontend/public/icon-512.png":
			rc, _ := f.Open()
			img, err := png.Decode(rc)
			rc.Close()
			if err != nil || img.Bounds().Dx() != 512 {
				t.Fatalf("icon-512 not a 512px png: %v", err)
			}
			sawIcon = true
		case "frontend/App.js":
			rc, _ := f.Open()
			data, _ := io.ReadAll(rc)
			rc.Close()
			if string(data) != "console.log(1)" {
				t.Fatalf("App.js = %q", data)
			}
			sawApp = true
		}
	}
	if !sawIcon || !sawApp {
		t.Fatalf("missing entries: icon=%v app=%v", sawIcon, sawApp)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the final archive in %s, found %d entries", dir, len(entries))
	}
	info, _ := os.Stat(res.ZipPath)
	if info.Size() != res.Bytes || up.size != int(res.Bytes) || len(up.keys) != 1 {
		t.Fatalf("size/mirror mismatch: stat=%d result=%d uploaded=%d", info.Size(), res.Bytes, up.size)
	}
}

func TestPackageCancelled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(dir, nil).Package(ctx, "x", sampleArtifacts()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatal("no archive should be written for a cancelled build")
	}
}

func TestPackageUnwritableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(filepath.Join(file, "sub"), nil).Package(context.Background(), "x", sampleArtifacts()); err == nil {
		t.Fatal("expected error for unusable archive dir")
	}
}

func TestIconDeterministic(t *testing.T) {
	a, err := Icon("demo", 192)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Icon("demo", 192)
	if !bytes.Equal(a, b) {
		t.Fatal("icons for the same name should match")
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Habit Hub":             "habit-hub",
		"Ünïcode Näme":          "n-code-n-me",
		"":                      "app",
		strings.Repeat("a", 60): strings.Repeat("a", 48),
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}
