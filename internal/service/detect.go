package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/runforge/runforge/internal/domain/repo"
	"github.com/runforge/runforge/internal/domain/sandbox"
	"github.com/runforge/runforge/internal/port/cache"
	"github.com/runforge/runforge/internal/port/gitprovider"
)

const detectCacheTTL = time.Hour

// envFileCandidates is checked in order for a PORT override; first match wins.
var envFileCandidates = []string{".env", ".env.local", ".env.development"}

// versionFiles maps single-runtime version-pin files to their language.
var versionFiles = []struct {
	file     string
	language string
}{
	{".nvmrc", "node"},
	{".node-version", "node"},
	{".python-version", "python"},
	{".ruby-version", "ruby"},
	{".go-version", "go"},
	{".java-version", "java"},
}

// manifestFiles maps package manifests to their language, checked after
// version-pin files.
var manifestFiles = []struct {
	file     string
	language string
}{
	{"package.json", "node"},
	{"go.mod", "go"},
	{"pyproject.toml", "python"},
	{"requirements.txt", "python"},
	{"Gemfile", "ruby"},
	{"pom.xml", "java"},
	{"build.gradle", "java"},
	{"Cargo.toml", "rust"},
	{"composer.json", "php"},
}

// extensionLanguages maps characteristic file extensions to a language for
// the last-resort directory scan.
var extensionLanguages = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "node",
	".ts":   "node",
	".rb":   "ruby",
	".java": "java",
	".rs":   "rust",
	".php":  "php",
}

// runtimeDefaults is the per-language decision table for image, start
// command, and port.
var runtimeDefaults = map[string]sandbox.Runtime{
	"node":    {Language: "node", Image: "node:22-bookworm", StartCommand: "npm install && npm start", Port: 3000},
	"python":  {Language: "python", Image: "python:3.12-bookworm", StartCommand: "pip install -r requirements.txt && python main.py", Port: 8000},
	"go":      {Language: "go", Image: "golang:1.25-bookworm", StartCommand: "go run .", Port: 8080},
	"ruby":    {Language: "ruby", Image: "ruby:3.3-bookworm", StartCommand: "bundle install && bundle exec ruby app.rb", Port: 4567},
	"java":    {Language: "java", Image: "eclipse-temurin:21-jdk", StartCommand: "./mvnw spring-boot:run", Port: 8080},
	"rust":    {Language: "rust", Image: "rust:1-bookworm", StartCommand: "cargo run", Port: 8000},
	"php":     {Language: "php", Image: "php:8.3-apache", StartCommand: "php -S 0.0.0.0:8000", Port: 8000},
	"generic": {Language: "generic", Image: "debian:bookworm-slim", StartCommand: "sh ./start.sh", Port: 8080},
}

// RuntimeDetector determines a repository's language runtime and start
// command before a sandbox boots. Results are cached per repo+ref.
type RuntimeDetector struct {
	git   gitprovider.Provider
	cache cache.Cache
}

// NewRuntimeDetector creates a RuntimeDetector.
func NewRuntimeDetector(git gitprovider.Provider, c cache.Cache) *RuntimeDetector {
	return &RuntimeDetector{git: git, cache: c}
}

// Detect resolves the runtime for a repository at ref, following the fixed
// precedence: combined version file, single version files, manifest hints,
// extension scan, generic fallback.
func (d *RuntimeDetector) Detect(ctx context.Context, token string, r *repo.Repository, ref string) (*sandbox.Runtime, error) {
	key := fmt.Sprintf("runtime:%s:%s", r.ID, ref)
	if data, ok, _ := d.cache.Get(ctx, key); ok {
		var rt sandbox.Runtime
		if err := json.Unmarshal(data, &rt); err == nil {
			return &rt, nil
		}
	}

	rt := d.detect(ctx, token, r, ref)
	d.applyPortOverride(ctx, token, r, ref, rt)

	if data, err := json.Marshal(rt); err == nil {
		_ = d.cache.Set(ctx, key, data, detectCacheTTL)
	}
	slog.Info("runtime detected",
		"repo", r.FullName(), "language", rt.Language, "port", rt.Port, "from", rt.DetectedFrom)
	return rt, nil
}

func (d *RuntimeDetector) detect(ctx context.Context, token string, r *repo.Repository, ref string) *sandbox.Runtime {
	// 1. Combined multi-runtime version-pin file, one line per runtime.
	if data, err := d.git.ReadFile(ctx, token, r.Owner, r.Name, ref, ".tool-versions"); err == nil {
		if rt := parseToolVersions(string(data)); rt != nil {
			rt.DetectedFrom = "version-file"
			d.refineStartCommand(ctx, token, r, ref, rt)
			return rt
		}
	}

	// 2. Single-runtime version-pin files.
	for _, vf := range versionFiles {
		data, err := d.git.ReadFile(ctx, token, r.Owner, r.Name, ref, vf.file)
		if err != nil {
			continue
		}
		rt := runtimeFor(vf.language)
		rt.Version = strings.TrimSpace(string(data))
		rt.DetectedFrom = "version-file"
		d.refineStartCommand(ctx, token, r, ref, rt)
		return rt
	}

	// 3. Manifest-embedded hints.
	for _, mf := range manifestFiles {
		data, err := d.git.ReadFile(ctx, token, r.Owner, r.Name, ref, mf.file)
		if err != nil {
			continue
		}
		rt := runtimeFor(mf.language)
		rt.Version = manifestVersionHint(mf.file, data)
		rt.DetectedFrom = "manifest"
		d.refineStartCommandFrom(mf.file, data, rt)
		return rt
	}

	// 4. Extension scan of the repository root.
	if names, err := d.git.ListDir(ctx, token, r.Owner, r.Name, ref, ""); err == nil {
		counts := map[string]int{}
		for _, name := range names {
			if lang, ok := extensionLanguages[path.Ext(name)]; ok {
				counts[lang]++
			}
		}
		best, bestN := "", 0
		for lang, n := range counts {
			if n > bestN {
				best, bestN = lang, n
			}
		}
		if best != "" {
			rt := runtimeFor(best)
			rt.DetectedFrom = "extension-scan"
			return rt
		}
	}

	// 5. Nothing matched.
	rt := runtimeFor("generic")
	rt.DetectedFrom = "default"
	return rt
}

// refineStartCommand reads the language's manifest, if present, to pick a
// framework-specific start command.
func (d *RuntimeDetector) refineStartCommand(ctx context.Context, token string, r *repo.Repository, ref string, rt *sandbox.Runtime) {
	manifest := map[string]string{
		"node":   "package.json",
		"python": "pyproject.toml",
		"java":   "pom.xml",
	}[rt.Language]
	if manifest == "" {
		return
	}
	data, err := d.git.ReadFile(ctx, token, r.Owner, r.Name, ref, manifest)
	if err != nil {
		return
	}
	d.refineStartCommandFrom(manifest, data, rt)
}

// refineStartCommandFrom inspects manifest content for framework markers.
func (d *RuntimeDetector) refineStartCommandFrom(manifest string, data []byte, rt *sandbox.Runtime) {
	content := string(data)
	switch rt.Language {
	case "node":
		var pkg struct {
			Scripts      map[string]string `json:"scripts"`
			Dependencies map[string]string `json:"dependencies"`
		}
		if err := json.Unmarshal(data, &pkg); err != nil {
			return
		}
		switch {
		case pkg.Dependencies["next"] != "":
			rt.StartCommand = "npm install && npm run dev"
		case pkg.Scripts["dev"] != "":
			rt.StartCommand = "npm install && npm run dev"
		case pkg.Scripts["start"] != "":
			rt.StartCommand = "npm install && npm start"
		}
	case "python":
		switch {
		case strings.Contains(content, "django"):
			rt.StartCommand = "pip install -r requirements.txt && python manage.py runserver 0.0.0.0:8000"
		case strings.Contains(content, "fastapi"):
			rt.StartCommand = "pip install -r requirements.txt && uvicorn main:app --host 0.0.0.0 --port 8000"
		case strings.Contains(content, "flask"):
			rt.StartCommand = "pip install -r requirements.txt && flask run --host 0.0.0.0 --port 8000"
		}
	case "java":
		if manifest == "build.gradle" || strings.Contains(content, "gradle") {
			rt.StartCommand = "./gradlew bootRun"
		}
	}
}

// applyPortOverride checks the .env family for an explicit PORT, first match
// wins.
func (d *RuntimeDetector) applyPortOverride(ctx context.Context, token string, r *repo.Repository, ref string, rt *sandbox.Runtime) {
	for _, name := range envFileCandidates {
		data, err := d.git.ReadFile(ctx, token, r.Owner, r.Name, ref, name)
		if err != nil {
			continue
		}
		if port, ok := parseEnvPort(string(data)); ok {
			rt.Port = port
			return
		}
	}
}

// parseToolVersions reads the first recognized runtime line of a
// .tool-versions file ("nodejs 20.1.0").
func parseToolVersions(content string) *sandbox.Runtime {
	aliases := map[string]string{
		"nodejs": "node", "node": "node",
		"python": "python", "ruby": "ruby", "golang": "go", "go": "go",
		"java": "java", "rust": "rust", "php": "php",
	}
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if lang, ok := aliases[fields[0]]; ok {
			rt := runtimeFor(lang)
			rt.Version = fields[1]
			return rt
		}
	}
	return nil
}

// manifestVersionHint extracts a version constraint from manifest content
// where cheaply possible.
func manifestVersionHint(manifest string, data []byte) string {
	switch manifest {
	case "package.json":
		var pkg struct {
			Engines struct {
				Node string `json:"node"`
			} `json:"engines"`
		}
		if err := json.Unmarshal(data, &pkg); err == nil {
			return pkg.Engines.Node
		}
	case "go.mod":
		for _, line := range strings.Split(string(data), "\n") {
			if v, ok := strings.CutPrefix(strings.TrimSpace(line), "go "); ok {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// parseEnvPort finds PORT=n in dotenv content.
func parseEnvPort(content string) (int, bool) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		v, ok := strings.CutPrefix(line, "PORT=")
		if !ok {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 && port < 65536 {
			return port, true
		}
	}
	return 0, false
}

func runtimeFor(language string) *sandbox.Runtime {
	rt, ok := runtimeDefaults[language]
	if !ok {
		rt = runtimeDefaults["generic"]
	}
	cp := rt
	return &cp
}
