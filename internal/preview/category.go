package preview

import (
	"path"
	"strings"
)

// File categories used by the live preview.
const (
	CategoryDatabase = "database"
	CategoryBackend  = "backend"
	CategoryFrontend = "frontend"
	CategoryTests    = "tests"
	CategoryDocs     = "docs"
	CategoryConfig   = "config"
	CategoryOther    = "other"
)

// Categories lists every category in display order.
var Categories = []string{CategoryDatabase, CategoryBackend, CategoryFrontend, CategoryTests, CategoryDocs, CategoryConfig, CategoryOther}

var (
	testDirs     = []string{"tests", "test", "__tests__", "e2e"}
	backendDirs  = []string{"backend", "routes", "controllers", "models", "middleware", "services", "api", "server"}
	frontendDirs = []string{"frontend", "src", "public", "components", "pages", "client", "app"}
	frontendExts = map[string]bool{".css": true, ".scss": true, ".html": true, ".jsx": true, ".tsx": true, ".vue": true, ".svelte": true}
	configExts   = map[string]bool{".yml": true, ".yaml": true, ".json": true, ".toml": true, ".ini": true}
)

// Category classifies a generated file by path. Database markers win, then tests, then the
// top-level tier directory, so frontend/src/App.test.jsx is a test, backend/migrations/001.sql
// is database and frontend/src/models/user.js stays frontend.
func Category(p string) string {
	p = strings.ToLower(strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/"))
	base := path.Base(p)
	ext := path.Ext(base)
	dirs := strings.Split(path.Dir(p), "/")
	inDir := func(names ...string) bool {
		for _, d := range dirs {
			for _, n := range names {
				if d == n {
					return true
				}
			}
		}
		return false
	}

	switch {
	case inDir("database", "migrations", "db") || ext == ".sql" || base == "schema.prisma":
		return CategoryDatabase
	case inDir(testDirs...) || strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") || strings.HasSuffix(base, "_test.go"):
		return CategoryTests
	case dirs[0] == "frontend":
		return CategoryFrontend
	case dirs[0] == "backend":
		return CategoryBackend
	case inDir(backendDirs...) || strings.HasPrefix(base, "server."):
		return CategoryBackend
	case inDir(frontendDirs...) || frontendExts[ext]:
		return CategoryFrontend
	case ext == ".md" || ext == ".mdx" || ext == ".txt":
		return CategoryDocs
	case base == "package.json" || base == "dockerfile" || strings.HasPrefix(base, ".") || configExts[ext]:
		return CategoryConfig
	default:
		return CategoryOther
	}
}

var languages = map[string]string{
	".js":     "javascript",
	".mjs":    "javascript",
	".cjs":    "javascript",
	".jsx":    "javascript",
	".ts":     "typescript",
	".tsx":    "typescript",
	".css":    "css",
	".scss":   "scss",
	".html":   "html",
	".json":   "json",
	".md":     "markdown",
	".sql":    "sql",
	".py":     "python",
	".go":     "go",
	".yml":    "yaml",
	".yaml":   "yaml",
	".toml":   "toml",
	".sh":     "shell",
	".vue":    "vue",
	".svelte": "svelte",
	".prisma": "prisma",
}

// Language returns the syntax-highlighting language for p, or "plaintext".
func Language(p string) string {
	base := strings.ToLower(path.Base(p))
	if base == "dockerfile" {
		return "dockerfile"
	}
	if lang, ok := languages[path.Ext(base)]; ok {
		return lang
	}
	return "plaintext"
}

var mimeTypes = map[string]string{
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".jsx":  "text/jsx",
	".ts":   "application/typescript",
	".tsx":  "text/tsx",
	".json": "application/json",
	".html": "text/html",
	".css":  "text/css",
	".md":   "text/markdown",
	".sql":  "application/sql",
	".yml":  "application/yaml",
	".yaml": "application/yaml",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".txt":  "text/plain",
	".py":   "text/x-python",
	".go":   "text/x-go",
	".sh":   "application/x-sh",
}

// MIME returns the content type for p from a fixed extension table.
func MIME(p string) string {
	if m, ok := mimeTypes[strings.ToLower(path.Ext(p))]; ok {
		return m
	}
	return "text/plain"
}
