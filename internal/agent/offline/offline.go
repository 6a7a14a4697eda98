// Package offline generates a small but complete application from templates. It is used when
// no model provider is configured, and by tests that need realistic agent output.
package offline

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"appforge/internal/agent"
	"appforge/internal/models"
)

// Generator implements every agent role without network access.
type Generator struct{}

func New() *Generator { return &Generator{} }

func (g *Generator) Agents() agent.Agents {
	return agent.Agents{Researcher: g, Strategist: g, Coder: g, Reviewer: g}
}

var competitorPrefixes = []string{"Nimbus", "Brightly", "Orbit", "Kestrel", "Lumen", "Quarry", "Tandem", "Vela"}

func (g *Generator) Research(ctx context.Context, req models.BuildRequest) (agent.ResearchResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.ResearchResult{}, err
	}
	seed := hash(req.Name + req.Description)
	n := 3 + int(seed%3)
	comps := make([]agent.Competitor, 0, n)
	for i := 0; i < n; i++ {
		name := competitorPrefixes[(int(seed)+i)%len(competitorPrefixes)] + " " + titleWord(req.Name)
		comps = append(comps, agent.Competitor{
			Name:      name,
			Strengths: []string{"established user base", "polished onboarding"},
			Gaps:      []string{"no offline mode", "pricing aimed at enterprises"},
		})
	}
	return agent.ResearchResult{
		Summary:        fmt.Sprintf("%s targets a crowded space; incumbents leave room for a focused, fast product.", req.Name),
		TargetAudience: "small teams and individual professionals",
		Competitors:    comps,
		ReviewsScanned: 100 + int(seed%400),
		PainPoints:     []string{"slow setup", "cluttered interfaces", "expensive plans"},
		Opportunities:  []string{"one-minute onboarding", "transparent pricing", "keyboard-first workflow"},
	}, nil
}

func (g *Generator) Strategize(ctx context.Context, req models.BuildRequest, research agent.ResearchResult) (agent.StrategyResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.StrategyResult{}, err
	}
	features := req.Features
	if len(features) == 0 {
		features = []string{"dashboard", "items", "settings"}
	}
	endpoints := []agent.Endpoint{{Method: "GET", Path: "/api/health", Description: "liveness probe"}}
	for _, f := range features {
		res := slug(f)
		endpoints = append(endpoints,
			agent.Endpoint{Method: "GET", Path: "/api/" + res, Description: "list " + f},
			agent.Endpoint{Method: "POST", Path: "/api/" + res, Description: "create " + f},
		)
	}
	return agent.StrategyResult{
		Positioning:  fmt.Sprintf("The simplest way for %s to get started.", research.TargetAudience),
		CoreFeatures: features,
		TechStack: map[string]string{
			"frontend": firstNonEmpty(req.Framework, "react"),
			"backend":  "node/express",
			"database": firstNonEmpty(req.Database, "postgresql"),
		},
		Architecture: "Single-page frontend talking to a stateless REST API backed by a relational database.",
		Roadmap:      []string{"MVP with core features", "team accounts", "integrations"},
		Endpoints:    endpoints,
	}, nil
}

func (g *Generator) Frontend(ctx context.Context, b agent.Brief) (agent.CodeResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.CodeResult{}, err
	}
	name := b.Request.Name
	features := b.Strategy.CoreFeatures
	files := map[string]string{
		"package.json": fmt.Sprintf(`{
  "name": "%s-frontend",
  "private": true,
  "version": "0.1.0",
  "type": "module",
  "scripts": { "dev": "vite", "build": "vite build", "test": "vitest run" },
  "dependencies": { "react": "^18.3.1", "react-dom": "^18.3.1" },
  "devDependencies": { "@vitejs/plugin-react": "^4.3.1", "vite": "^5.4.0", "vitest": "^2.0.0" }
}
`, slug(name)),
		"index.html": fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <link rel="icon" href="/icon-192.png" />
    <title>%s</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.jsx"></script>
  </body>
</html>
`, name),
		"src/main.jsx": `import React from 'react';
import { createRoot } from 'react-dom/client';
import App from './App.jsx';
import './styles.css';

createRoot(document.getElementById('root')).render(<App />);
`,
		"src/styles.css": `body { font-family: system-ui, sans-serif; margin: 0; background: #f7f7f8; }
nav { display: flex; gap: 1rem; padding: 1rem; background: #111; }
nav button { color: #fff; background: none; border: 0; cursor: pointer; }
main { padding: 2rem; }
`,
		"src/api.js": `const BASE = import.meta.env.VITE_API_URL || 'http://localhost:4000';

export async function list(resource) {
  const res = await fetch(BASE + '/api/' + resource);
  if (!res.ok) throw new Error('request failed: ' + res.status);
  return res.json();
}

export async function create(resource, body) {
  const res = await fetch(BASE + '/api/' + resource, {
    method: 'POST',
    headers: { 'Content-Type': 'application/json' },
    body: JSON.stringify(body),
  });
  if (!res.ok) throw new Error('request failed: ' + res.status);
  return res.json();
}
`,
	}

	var imports, tabs, routes strings.Builder
	for _, f := range features {
		comp := component(f)
		res := slug(f)
		fmt.Fprintf(&imports, "import %s from './components/%s.jsx';\n", comp, comp)
		fmt.Fprintf(&tabs, "        <button onClick={() => setTab('%s')}>%s</button>\n", res, titleWord(f))
		fmt.Fprintf(&routes, "      {tab === '%s' && <%s />}\n", res, comp)
		files["src/components/"+comp+".jsx"] = fmt.Sprintf(`import React, { useEffect, useState } from 'react';
import { list, create } from '../api.js';

export default function %s() {
  const [items, setItems] = useState([]);
  const [title, setTitle] = useState('');

  useEffect(() => { list('%s').then(setItems).catch(() => setItems([])); }, []);

  async function add(e) {
    e.preventDefault();
    const item = await create('%s', { title });
    setItems([...items, item]);
    setTitle('');
  }

  return (
    <section>
      <h2>%s</h2>
      <form onSubmit={add}>
        <input value={title} onChange={(e) => setTitle(e.target.value)} placeholder="New entry" />
        <button type="submit">Add</button>
      </form>
      <ul>{items.map((it) => <li key={it.id}>{it.title}</li>)}</ul>
    </section>
  );
}
`, comp, res, res, titleWord(f))
	}
	first := "home"
	if len(features) > 0 {
		first = slug(features[0])
	}
	files["src/App.jsx"] = fmt.Sprintf(`import React, { useState } from 'react';
%s
export default function App() {
  const [tab, setTab] = useState('%s');
  return (
    <>
      <nav>
%s      </nav>
      <main>
      <h1>%s</h1>
%s      </main>
    </>
  );
}
`, imports.String(), first, tabs.String(), name, routes.String())

	return agent.CodeResult{Files: files, Components: len(features) + 1}, nil
}

func (g *Generator) Backend(ctx context.Context, b agent.Brief) (agent.CodeResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.CodeResult{}, err
	}
	features := b.Strategy.CoreFeatures
	files := map[string]string{
		"package.json": fmt.Sprintf(`{
  "name": "%s-backend",
  "private": true,
  "version": "0.1.0",
  "main": "server.js",
  "scripts": { "start": "node server.js", "test": "node --test" },
  "dependencies": { "cors": "^2.8.5", "express": "^4.19.2", "pg": "^8.12.0" }
}
`, slug(b.Request.Name)),
		"db.js": `const { Pool } = require('pg');

const pool = new Pool({ connectionString: process.env.DATABASE_URL });

module.exports = { query: (text, params) => pool.query(text, params) };
`,
	}

	var mounts strings.Builder
	for _, f := range features {
		res := slug(f)
		table := strings.ReplaceAll(res, "-", "_")
		fmt.Fprintf(&mounts, "app.use('/api/%s', require('./routes/%s'));\n", res, res)
		files["routes/"+res+".js"] = fmt.Sprintf(`const express = require('express');
const db = require('../db');

const router = express.Router();

router.get('/', async (req, res, next) => {
  try {
    const { rows } = await db.query('SELECT id, title, created_at FROM %s ORDER BY created_at DESC');
    res.json(rows);
  } catch (err) {
    next(err);
  }
});

router.post('/', async (req, res, next) => {
  if (!req.body || !req.body.title) return res.status(400).json({ error: 'title is required' });
  try {
    const { rows } = await db.query('INSERT INTO %s (title) VALUES ($1) RETURNING id, title, created_at', [req.body.title]);
    res.status(201).json(rows[0]);
  } catch (err) {
    next(err);
  }
});

module.exports = router;
`, table, table)
	}
	files["server.js"] = fmt.Sprintf(`const express = require('express');
const cors = require('cors');

const app = express();
app.use(cors());
app.use(express.json());

app.get('/api/health', (req, res) => res.json({ status: 'ok' }));
%s
app.use((err, req, res, next) => {
  console.error(err);
  res.status(500).json({ error: 'internal error' });
});

if (require.main === module) {
  const port = process.env.PORT || 4000;
  app.listen(port, () => console.log('api listening on :' + port));
}

module.exports = app;
`, mounts.String())

	return agent.CodeResult{Files: files, APIs: len(b.Strategy.Endpoints)}, nil
}

func (g *Generator) Database(ctx context.Context, b agent.Brief) (agent.DatabaseResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.DatabaseResult{}, err
	}
	var schema strings.Builder
	var migrations []agent.Migration
	for _, f := range b.Strategy.CoreFeatures {
		table := strings.ReplaceAll(slug(f), "-", "_")
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id SERIAL PRIMARY KEY,
  title TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`, table)
		schema.WriteString(ddl + "\n")
		migrations = append(migrations, agent.Migration{Name: "create_" + table, SQL: ddl})
	}
	return agent.DatabaseResult{SchemaFile: "schema.sql", Schema: schema.String(), Migrations: migrations}, nil
}

func (g *Generator) Review(ctx context.Context, b agent.Brief, files map[string]string) (agent.QAResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.QAResult{}, err
	}
	tests := map[string]string{
		"api.test.js": `const { test } = require('node:test');
const assert = require('node:assert');
const http = require('node:http');
const app = require('../backend/server');

test('health endpoint responds ok', async () => {
  const server = http.createServer(app).listen(0);
  const { port } = server.address();
  const res = await fetch('http://127.0.0.1:' + port + '/api/health');
  assert.strictEqual(res.status, 200);
  server.close();
});
`,
	}
	var issues []string
	score := 92
	for path, content := range files {
		if strings.TrimSpace(content) == "" {
			issues = append(issues, "empty file: "+path)
			score -= 5
		}
	}
	if score < 0 {
		score = 0
	}
	return agent.QAResult{Score: score, Issues: issues, TestFiles: tests}, nil
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func slug(s string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
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
	if out == "" {
		return "app"
	}
	return out
}

func component(s string) string {
	var sb strings.Builder
	for _, part := range strings.Split(slug(s), "-") {
		sb.WriteString(titleWord(part))
	}
	out := sb.String()
	if out == "" || unicode.IsDigit(rune(out[0])) {
		out = "View" + out
	}
	return out
}

func titleWord(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
