// Package preview renders read-only views of a build's generated files while the build is
// still running and after it completes. Everything here is a pure function of a job snapshot.
package preview

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
	"unicode"

	"appforge/internal/models"
)

var (
	ErrFileNotFound      = errors.New("file not found")
	ErrEmptyQuery        = errors.New("search query is required")
	ErrInvalidSearchType = errors.New("search type must be all, filename or content")
)

// NotFoundError carries a few existing paths to help the caller correct a typo.
type NotFoundError struct {
	Path    string
	Samples []string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("file not found: %s", e.Path) }
func (e *NotFoundError) Unwrap() error { return ErrFileNotFound }

const (
	maxSamples         = 10
	DefaultSearchLimit = 50
	MaxSearchLimit     = 200
	contextBefore      = 50
	contextAfter       = 150
)

type FileInfo struct {
	Path     string `json:"path"`
	Category string `json:"category"`
	Language string `json:"language"`
	Size     int    `json:"size"`
	Lines    int    `json:"lines"`
}

// List returns file metadata sorted by path. A non-empty category filters the result.
func List(files map[string]string, category string) []FileInfo {
	out := make([]FileInfo, 0, len(files))
	for _, p := range sortedPaths(files) {
		cat := Category(p)
		if category != "" && category != cat {
			continue
		}
		out = append(out, FileInfo{
			Path:     p,
			Category: cat,
			Language: Language(p),
			Size:     len(files[p]),
			Lines:    countLines(files[p]),
		})
	}
	return out
}

type Node struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Type     string  `json:"type"` // dir or file
	Children []*Node `json:"children,omitempty"`
}

// Tree nests paths into a directory tree. Directories sort before files, then by name.
func Tree(paths []string) *Node {
	root := &Node{Name: "", Path: "", Type: "dir"}
	for _, p := range paths {
		parts := strings.Split(strings.Trim(p, "/"), "/")
		cur := root
		for i, part := range parts {
			if part == "" {
				continue
			}
			leaf := i == len(parts)-1
			child := findChild(cur, part, leaf)
			if child == nil {
				child = &Node{Name: part, Path: strings.Join(parts[:i+1], "/"), Type: "dir"}
				if leaf {
					child.Type = "file"
				}
				cur.Children = append(cur.Children, child)
			}
			cur = child
		}
	}
	sortTree(root)
	return root
}

func findChild(n *Node, name string, leaf bool) *Node {
	for _, c := range n.Children {
		if c.Name == name && (c.Type == "file") == leaf {
			return c
		}
	}
	return nil
}

func sortTree(n *Node) {
	sort.Slice(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if a.Type != b.Type {
			return a.Type == "dir"
		}
		return a.Name < b.Name
	})
	for _, c := range n.Children {
		sortTree(c)
	}
}

type FileContent struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	MIME     string `json:"mime"`
	Language string `json:"language"`
	Category string `json:"category"`
	Size     int    `json:"size"`
}

// File returns one file. Misses return a *NotFoundError wrapping ErrFileNotFound.
func File(files map[string]string, p string) (FileContent, error) {
	p = strings.TrimPrefix(p, "/")
	content, ok := files[p]
	if !ok {
		samples := sortedPaths(files)
		if len(samples) > maxSamples {
			samples = samples[:maxSamples]
		}
		return FileContent{}, &NotFoundError{Path: p, Samples: samples}
	}
	return FileContent{
		Path:     p,
		Content:  content,
		MIME:     MIME(p),
		Language: Language(p),
		Category: Category(p),
		Size:     len(content),
	}, nil
}

type Match struct {
	Path     string `json:"path"`
	Category string `json:"category"`
	Kind     string `json:"match_type"` // filename or content
	Line     int    `json:"line,omitempty"`
	Context  string `json:"context,omitempty"`
}

// Search finds q case-insensitively in paths and/or contents. searchType is all, filename or
// content (empty means all); limit is clamped to [1, MaxSearchLimit] with DefaultSearchLimit for 0.
func Search(files map[string]string, q, searchType string, limit int) ([]Match, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, ErrEmptyQuery
	}
	if searchType == "" {
		searchType = "all"
	}
	if searchType != "all" && searchType != "filename" && searchType != "content" {
		return nil, ErrInvalidSearchType
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	needle := lowerRunes(q)
	lowerQ := strings.ToLower(q)
	matches := make([]Match, 0)
	for _, p := range sortedPaths(files) {
		if len(matches) >= limit {
			break
		}
		cat := Category(p)
		if searchType != "content" && strings.Contains(strings.ToLower(p), lowerQ) {
			matches = append(matches, Match{Path: p, Category: cat, Kind: "filename"})
		}
		if searchType == "filename" {
			continue
		}
		content := []rune(files[p])
		hay := lowerRunes(files[p])
		for from := 0; len(matches) < limit; {
			idx := indexRunes(hay, needle, from)
			if idx < 0 {
				break
			}
			matches = append(matches, Match{
				Path:     p,
				Category: cat,
				Kind:     "content",
				Line:     lineAt(content, idx),
				Context:  window(content, idx, len(needle)),
			})
			from = idx + len(needle)
		}
	}
	return matches, nil
}

func lowerRunes(s string) []rune {
	r := []rune(s)
	for i, c := range r {
		r[i] = unicode.ToLower(c)
	}
	return r
}

func indexRunes(hay, needle []rune, from int) int {
	for i := from; i+len(needle) <= len(hay); i++ {
		match := true
		for j := range needle {
			if hay[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func lineAt(content []rune, idx int) int {
	line := 1
	for _, c := range content[:idx] {
		if c == '\n' {
			line++
		}
	}
	return line
}

func window(content []rune, idx, n int) string {
	start := idx - contextBefore
	if start < 0 {
		start = 0
	}
	end := idx + n + contextAfter
	if end > len(content) {
		end = len(content)
	}
	return string(content[start:end])
}

type CategoryStats struct {
	Files int `json:"files"`
	Bytes int `json:"bytes"`
	Lines int `json:"lines"`
}

type Summary struct {
	TotalFiles  int                      `json:"total_files"`
	TotalBytes  int                      `json:"total_bytes"`
	TotalLines  int                      `json:"total_lines"`
	ByCategory  map[string]CategoryStats `json:"by_category"`
	ByExtension map[string]int           `json:"by_extension"`
}

// Stats aggregates size and line counts across files.
func Stats(files map[string]string) Summary {
	s := Summary{ByCategory: map[string]CategoryStats{}, ByExtension: map[string]int{}}
	for p, content := range files {
		lines := countLines(content)
		s.TotalFiles++
		s.TotalBytes += len(content)
		s.TotalLines += lines

		cs := s.ByCategory[Category(p)]
		cs.Files++
		cs.Bytes += len(content)
		cs.Lines += lines
		s.ByCategory[Category(p)] = cs

		ext := strings.ToLower(path.Ext(p))
		if ext == "" {
			ext = "(none)"
		}
		s.ByExtension[ext]++
	}
	return s
}

// BundleDoc is the single-document export of a build's files.
type BundleDoc struct {
	BuildID     string             `json:"build_id"`
	ProjectName string             `json:"project_name"`
	Status      models.BuildStatus `json:"status"`
	Phase       string             `json:"phase"`
	Progress    int                `json:"progress"`
	GeneratedAt time.Time          `json:"generated_at"`
	LastUpdated time.Time          `json:"last_updated"`
	BuildStats  models.Stats       `json:"build_stats"`
	Stats       Summary            `json:"stats"`
	Files       map[string]string  `json:"files"`
}

// Bundle serializes every file with stats and metadata. Output is indented unless compress is set.
func Bundle(job models.BuildJob, compress bool, now time.Time) ([]byte, error) {
	doc := BundleDoc{
		BuildID:     job.BuildID,
		ProjectName: job.ProjectName,
		Status:      job.Status,
		Phase:       job.Phase,
		Progress:    job.Progress,
		GeneratedAt: now.UTC(),
		LastUpdated: job.LastUpdated,
		BuildStats:  job.Stats,
		Stats:       Stats(job.Files),
		Files:       job.Files,
	}
	if doc.Files == nil {
		doc.Files = map[string]string{}
	}
	if compress {
		return json.Marshal(doc)
	}
	return json.MarshalIndent(doc, "", "  ")
}

func sortedPaths(files map[string]string) []string {
	out := make([]string, 0, len(files))
	for p := range files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
