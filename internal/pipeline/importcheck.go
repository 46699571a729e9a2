package pipeline

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	npmPackageNamePattern      = regexp.MustCompile(`^(?:@[a-z0-9][a-z0-9._-]*/)?[a-z0-9][a-z0-9._-]*$`)
	generatedImportPathPattern = regexp.MustCompile(`(?m)(?:^|\s)(?:import\s+(?:type\s+)?(?:[^'"]+\s+from\s+)?|export\s+[^'"]+\s+from\s+|import\s*\(|require\()\s*['"]([^'"]+)['"]`)
)

var nodeBuiltins = map[string]bool{
	"assert": true, "async_hooks": true, "buffer": true, "child_process": true, "cluster": true,
	"console": true, "constants": true, "crypto": true, "dgram": true, "dns": true, "events": true,
	"fs": true, "http": true, "http2": true, "https": true, "module": true, "net": true, "os": true,
	"path": true, "perf_hooks": true, "process": true, "querystring": true, "readline": true,
	"stream": true, "string_decoder": true, "timers": true, "tls": true, "tty": true, "url": true,
	"util": true, "v8": true, "vm": true, "worker_threads": true, "zlib": true,
}

// ignoredImports resolve through the bundler rather than node_modules.
var ignoredImports = map[string]bool{
	"vite/client":          true,
	"virtual:pwa-register": true,
}

// packageManifest is the subset of package.json the import check reads.
type packageManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// ImportChecker resolves import specifiers against the packages a project
// can load.
type ImportChecker struct {
	template map[string]bool
}

// NewImportChecker creates a checker for a sandbox template that ships
// templatePackages.
func NewImportChecker(templatePackages []string) *ImportChecker {
	t := make(map[string]bool, len(templatePackages))
	for _, p := range templatePackages {
		if p = strings.TrimSpace(p); p != "" {
			t[p] = true
		}
	}
	return &ImportChecker{template: t}
}

// Check returns every import that neither the template, the plan, the
// generated package.json nor the Node runtime provides. An empty result is a
// pass. The second return is a package.json parse problem, if any.
func (c *ImportChecker) Check(plan *BuildPlan, files map[string]string) ([]MissingImport, error) {
	known := make(map[string]bool, len(c.template))
	for p := range c.template {
		known[p] = true
	}
	if plan != nil {
		for _, d := range plan.Dependencies {
			known[d] = true
		}
	}
	var manifestErr error
	if raw, ok := files["package.json"]; ok {
		var m packageManifest
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			manifestErr = fmt.Errorf("package.json is not valid JSON: %w", err)
		}
		for name := range m.Dependencies {
			known[strings.TrimSpace(name)] = true
		}
		for name := range m.DevDependencies {
			known[strings.TrimSpace(name)] = true
		}
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var missing []MissingImport
	seen := map[string]bool{}
	for _, p := range paths {
		if !isScriptSource(p) {
			continue
		}
		for _, match := range generatedImportPathPattern.FindAllStringSubmatch(files[p], -1) {
			if len(match) != 2 {
				continue
			}
			spec := strings.TrimSpace(match[1])
			if ignoredImports[spec] {
				continue
			}
			pkg := packageNameFromImportPath(spec)
			if pkg == "" || ignoredImports[pkg] || nodeBuiltins[pkg] || known[pkg] {
				continue
			}
			key := p + "\x00" + pkg
			if seen[key] {
				continue
			}
			seen[key] = true
			missing = append(missing, MissingImport{Package: pkg, Specifier: spec, File: p})
		}
	}
	return missing, manifestErr
}

// importFeedback builds generation feedback for unresolved imports. The
// importing files are regenerated, along with package.json when it exists.
func importFeedback(missing []MissingImport, files map[string]string) *Feedback {
	fb := &Feedback{Category: CategoryImport, Missing: missing}
	seen := map[string]bool{}
	var pkgs []string
	for _, m := range missing {
		if !seen[m.File] {
			seen[m.File] = true
			fb.Files = append(fb.Files, m.File)
		}
		if !seen["pkg:"+m.Package] {
			seen["pkg:"+m.Package] = true
			pkgs = append(pkgs, m.Package)
		}
	}
	if _, ok := files["package.json"]; ok && !seen["package.json"] {
		fb.Files = append(fb.Files, "package.json")
	}
	fb.Summary = fmt.Sprintf("unresolved imports: %s. Declare them in package.json or stop importing them.", strings.Join(pkgs, ", "))
	return fb
}

func isScriptSource(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs":
	default:
		return false
	}
	lower := strings.ToLower(p)
	if strings.HasSuffix(lower, ".d.ts") {
		return false
	}
	for _, marker := range []string{"__tests__/", "/test/", "/tests/", ".test.", ".spec."} {
		if strings.Contains(lower, marker) || strings.HasPrefix(lower, strings.TrimPrefix(marker, "/")) {
			return false
		}
	}
	base := path.Base(lower)
	switch base {
	case "jest.config.js", "jest.config.ts", "vitest.config.ts", "vitest.config.js", "setuptests.ts", "setuptests.tsx":
		return false
	}
	return true
}

// packageNameFromImportPath maps a bare specifier to its package name and
// returns "" for relative, absolute, aliased, node: and URL imports.
func packageNameFromImportPath(spec string) string {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return ""
	}
	for _, prefix := range []string{".", "/", "#", "node:", "http://", "https://", "@/", "~/"} {
		if strings.HasPrefix(spec, prefix) {
			return ""
		}
	}
	if strings.HasPrefix(spec, "@") {
		parts := strings.SplitN(spec, "/", 3)
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
		return spec
	}
	if i := strings.Index(spec, "/"); i >= 0 {
		return spec[:i]
	}
	return spec
}
