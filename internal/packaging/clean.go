package packaging

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// ErrContaminated marks generated content that still carries model artifacts after cleanup.
var ErrContaminated = errors.New("contaminated content")

const maxPlaceholderRatio = 0.30

var (
	specialTokens = strings.NewReplacer(
		"<|im_start|>", "",
		"<|im_end|>", "",
		"<|endoftext|>", "",
		"<|system|>", "",
		"<|user|>", "",
		"<|assistant|>", "",
		"<|end|>", "",
		"<|eot_id|>", "",
		"<|begin_of_text|>", "",
		"[INST]", "",
		"[/INST]", "",
	)
	sentinelLine    = regexp.MustCompile(`(?m)^[ \t]*</?s>[ \t]*$`)
	tokenPattern    = regexp.MustCompile(`<\|[A-Za-z0-9_]+\|>|\[/?INST\]`)
	boxRun          = regexp.MustCompile(`[\x{2500}-\x{257F}]{2,}`)
	fenceOpen       = regexp.MustCompile("^\\s*```[A-Za-z0-9_+.#-]*\\s*$")
	markdownWrapper = regexp.MustCompile("\\A\\s*```(?:md|markdown)[ \\t]*\\n")
)

// Clean strips wrapping code fences, model special tokens and box-drawing placeholder runs
// from the generated file name. It returns ErrContaminated when the result is unusable:
// empty, still carrying a marker, or made mostly of placeholder lines. Markdown files keep
// inner fences.
func Clean(name, content string) (string, error) {
	markdown := isMarkdown(name)
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = specialTokens.Replace(content)
	content = stripSentinels(content)
	if !markdown || markdownWrapper.MatchString(content) {
		content = stripFences(content)
	}

	lines := strings.Split(content, "\n")
	nonEmpty, placeholders := 0, 0
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		nonEmpty++
		if !boxRun.MatchString(line) {
			continue
		}
		replaced := boxRun.ReplaceAllStringFunc(line, func(run string) string {
			return strings.Repeat("-", len([]rune(run)))
		})
		if strings.Trim(strings.TrimSpace(replaced), "-|+ ") == "" {
			placeholders++
		}
		lines[i] = replaced
	}
	content = strings.Join(lines, "\n")

	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty after cleanup", ErrContaminated)
	}
	if nonEmpty > 0 && float64(placeholders)/float64(nonEmpty) > maxPlaceholderRatio {
		return "", fmt.Errorf("%w: %d of %d lines are placeholders", ErrContaminated, placeholders, nonEmpty)
	}
	if !markdown && strings.Contains(content, "```") {
		return "", fmt.Errorf("%w: code fence inside content", ErrContaminated)
	}
	if tokenPattern.MatchString(content) {
		return "", fmt.Errorf("%w: model token", ErrContaminated)
	}
	return content, nil
}

// stripSentinels removes <s> and </s> sequence markers. A marker is only taken for a model
// token when it stands on its own line, when the pair wraps the whole content, or when it opens
// (closes) content that has no matching tag anywhere. Inline strikethrough markup is kept.
func stripSentinels(content string) string {
	content = sentinelLine.ReplaceAllString(content, "")
	body := strings.TrimSpace(content)
	opens, closes := strings.Count(body, "<s>"), strings.Count(body, "</s>")
	lead, trail := strings.HasPrefix(body, "<s>"), strings.HasSuffix(body, "</s>")
	switch {
	case lead && trail && opens == 1 && closes == 1:
	case lead && closes == 0:
		trail = false
	case trail && opens == 0:
		lead = false
	default:
		return content
	}
	start := strings.Index(content, body)
	inner := body
	if lead {
		inner = strings.TrimPrefix(inner, "<s>")
	}
	if trail {
		inner = strings.TrimSuffix(inner, "</s>")
	}
	return content[:start] + inner + content[start+len(body):]
}

func isMarkdown(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".md", ".markdown", ".mdx":
		return true
	}
	return false
}

// stripFences removes a leading ```lang line and a trailing ``` line.
func stripFences(content string) string {
	trimmed := strings.Trim(content, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) > 0 && fenceOpen.MatchString(lines[0]) {
		lines = lines[1:]
	}
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "```" {
		lines = lines[:n-1]
	}
	out := strings.Join(lines, "\n")
	if out != "" && strings.HasSuffix(content, "\n") {
		out += "\n"
	}
	return out
}
