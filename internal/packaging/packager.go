// Package packaging merges agent output into a single downloadable archive.
package packaging

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"appforge/internal/agent"
	"appforge/internal/models"
	"appforge/internal/storage"
	"appforge/internal/telemetry"
)

// Artifacts is everything the agents produced for one build.
type Artifacts struct {
	Description string
	Research    agent.ResearchResult
	Strategy    agent.StrategyResult
	Frontend    agent.CodeResult
	Backend     agent.CodeResult
	Database    agent.DatabaseResult
	QA          agent.QAResult
}

type Packager struct {
	dir    string
	mirror storage.Uploader
	now    func() time.Time
}

// New returns a packager writing archives into dir. mirror may be nil.
func New(dir string, mirror storage.Uploader) *Packager {
	return &Packager{dir: dir, mirror: mirror, now: time.Now}
}

// Dir is the directory archives are written to.
func (p *Packager) Dir() string { return p.dir }

// Package assembles the archive for name. The archive appears under its final name only once
// fully written; any error removes the partial file.
func (p *Packager) Package(ctx context.Context, name string, a Artifacts) (models.BuildResult, error) {
	files, skipped := Assemble(name, a)
	telemetry.SkippedFiles.Add(float64(skipped))

	icons, err := iconFiles(name)
	if err != nil {
		return models.BuildResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.BuildResult{}, err
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return models.BuildResult{}, fmt.Errorf("packaging: create archive dir: %w", err)
	}
	tmp, err := os.CreateTemp(p.dir, ".pkg-*.tmp")
	if err != nil {
		return models.BuildResult{}, fmt.Errorf("packaging: create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	count, err := p.writeZip(tmp, files, icons)
	if err != nil {
		cleanup()
		return models.BuildResult{}, err
	}
	info, err := tmp.Stat()
	if err != nil {
		cleanup()
		return models.BuildResult{}, fmt.Errorf("packaging: stat archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return models.BuildResult{}, fmt.Errorf("packaging: close archive: %w", err)
	}

	final := filepath.Join(p.dir, fmt.Sprintf("%s-%d-%s.zip", Slug(name), p.now().UnixMilli(), uuid.New().String()[:8]))
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return models.BuildResult{}, fmt.Errorf("packaging: finalize archive: %w", err)
	}
	telemetry.PackagedFiles.Add(float64(count))
	log.Printf("packaging: wrote %s (%d files, %d bytes, %d skipped)", filepath.Base(final), count, info.Size(), skipped)

	if p.mirror != nil {
		p.upload(ctx, final)
	}

	return models.BuildResult{
		ZipPath:      final,
		FileCount:    count,
		Bytes:        info.Size(),
		SkippedFiles: skipped,
		QAScore:      a.QA.Score,
	}, nil
}

func (p *Packager) upload(ctx context.Context, zipPath string) {
	f, err := os.Open(zipPath)
	if err != nil {
		telemetry.BestEffort("packaging: mirror archive", err)
		return
	}
	defer f.Close()
	_, err = p.mirror.Upload(context.WithoutCancel(ctx), filepath.Base(zipPath), f, "application/zip")
	telemetry.BestEffort("packaging: mirror archive", err)
}

func (p *Packager) writeZip(w io.Writer, files map[string]string, binary map[string][]byte) (int, error) {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	entries := make(map[string][]byte, len(files)+len(binary))
	for k, v := range files {
		entries[k] = []byte(v)
	}
	for k, v := range binary {
		entries[k] = v
	}
	names := make([]string, 0, len(entries))
	for k := range entries {
		names = append(names, k)
	}
	sort.Strings(names)

	modified := p.now()
	for _, name := range names {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified}
		hdr.SetMode(0o644)
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return 0, fmt.Errorf("packaging: add %s: %w", name, err)
		}
		if _, err := fw.Write(entries[name]); err != nil {
			return 0, fmt.Errorf("packaging: write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("packaging: finish archive: %w", err)
	}
	return len(names), nil
}

// Assemble lays out every archive text file by path and reports how many generated files
// were dropped for contamination.
func Assemble(name string, a Artifacts) (map[string]string, int) {
	out := make(map[string]string)
	skipped := 0
	add := func(dst, content string) {
		cleaned, err := Clean(dst, content)
		if err != nil {
			log.Printf("packaging: skip %s: %v", dst, err)
			skipped++
			return
		}
		out[dst] = cleaned
	}

	for _, tier := range []map[string]string{
		TierFiles("frontend", a.Frontend.Files),
		TierFiles("backend", a.Backend.Files),
		DatabaseFiles(a.Database),
		TierFiles("tests", a.QA.TestFiles),
	} {
		for dst, content := range tier {
			add(dst, content)
		}
	}

	for p, content := range docs(name, a) {
		out[p] = content
	}
	return out, skipped
}

func iconFiles(name string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(IconSizes))
	for _, size := range IconSizes {
		data, err := Icon(name, size)
		if err != nil {
			return nil, fmt.Errorf("packaging: %w", err)
		}
		out[fmt.Sprintf("frontend/public/icon-%d.png", size)] = data
	}
	return out, nil
}

// TierFiles places generated files below tier using their archive paths. Content is left as
// generated; Assemble cleans it. When two keys land on the same archive path, the key that
// already carried the tier prefix wins, then the lexically smaller key; every collision is logged.
func TierFiles(tier string, files map[string]string) map[string]string {
	keys := make([]string, 0, len(files))
	for p := range files {
		keys = append(keys, p)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(files))
	from := make(map[string]string, len(files))
	for _, p := range keys {
		rel, ok := underTier(tier, p)
		if !ok {
			continue
		}
		if prev, dup := from[rel]; dup {
			keep, drop := prev, p
			if !hasTierPrefix(tier, prev) && hasTierPrefix(tier, p) {
				keep, drop = p, prev
			}
			log.Printf("packaging: %q and %q both map to %s, keeping %q", keep, drop, rel, keep)
			if keep == prev {
				continue
			}
		}
		out[rel] = files[p]
		from[rel] = p
	}
	return out
}

func hasTierPrefix(tier, p string) bool {
	return strings.HasPrefix(strings.TrimLeft(strings.ReplaceAll(p, "\\", "/"), "/"), tier+"/")
}

// DatabaseFiles lays out numbered migrations and the schema file under database/.
func DatabaseFiles(db agent.DatabaseResult) map[string]string {
	out := make(map[string]string, len(db.Migrations)+1)
	for i, m := range db.Migrations {
		out[fmt.Sprintf("database/migrations/%03d_%s.sql", i+1, migrationName(m.Name, i+1))] = m.SQL
	}
	if strings.TrimSpace(db.Schema) != "" {
		schemaFile := db.SchemaFile
		if schemaFile == "" {
			schemaFile = "schema.sql"
		}
		if rel, ok := underTier("database", path.Base(schemaFile)); ok {
			out[rel] = db.Schema
		}
	}
	return out
}

// underTier normalizes p below tier, dropping a duplicated tier prefix and anything that
// would escape the archive root.
func underTier(tier, p string) (string, bool) {
	clean := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	clean = strings.TrimPrefix(clean, tier+"/")
	if clean == "" || clean == "." || clean == tier {
		return "", false
	}
	return tier + "/" + clean, true
}

func migrationName(name string, n int) string {
	s := strings.ReplaceAll(Slug(name), "-", "_")
	// Drop a numeric prefix the model may have added itself.
	s = strings.TrimLeft(s, "0123456789_")
	if s == "" {
		return fmt.Sprintf("migration_%d", n)
	}
	return s
}

// Slug lowercases name into a filesystem-safe identifier.
func Slug(name string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			sb.WriteRune(r)
			dash = false
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(sb.String(), "-")
	if len(out) > 48 {
		out = strings.TrimSuffix(out[:48], "-")
	}
	if out == "" {
		return "app"
	}
	return out
}
