package main

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"photovault/internal/config"
)

var envKeyPattern = regexp.MustCompile(`^PHOTOVAULT_[A-Z0-9_]+$`)

func TestReadmeConfigKeysMatchAllowedKeys(t *testing.T) {
	readme := loadReadme(t)

	documented, err := backtickBullets(readme, "Supported config keys:")
	if err != nil {
		t.Fatalf("parse documented config keys: %v", err)
	}
	allowed := uniqueSorted(config.AllowedKeys())
	if !slices.Equal(documented, allowed) {
		t.Fatalf("README config keys mismatch\ndocumented: %v\nallowed:    %v", documented, allowed)
	}
}

func TestReadmeCommandSurfaceMatchesCLI(t *testing.T) {
	readme := loadReadme(t)

	documented, err := documentedCommandPaths(readme)
	if err != nil {
		t.Fatalf("parse documented commands: %v", err)
	}
	cfg := config.Default()
	actual := leafCommandPaths(newRootCmd(&cfg))

	if missing, extra := diff(actual, documented), diff(documented, actual); len(missing) > 0 || len(extra) > 0 {
		t.Fatalf("README command surface mismatch\nmissing in README: %v\nextra in README:   %v", missing, extra)
	}
}

func TestReadmeHTTPTableMatchesRoutes(t *testing.T) {
	readme := loadReadme(t)

	documented, err := documentedRoutes(readme)
	if err != nil {
		t.Fatalf("parse HTTP API table: %v", err)
	}
	registered := registeredRoutes(t, filepath.Join(repoRoot(t), "internal", "server", "routes.go"))

	if missing, extra := diff(registered, documented), diff(documented, registered); len(missing) > 0 || len(extra) > 0 {
		t.Fatalf("README HTTP API mismatch\nmissing in README: %v\nextra in README:   %v", missing, extra)
	}
}

func TestReadmeDocumentsEveryEnvironmentKey(t *testing.T) {
	readme := loadReadme(t)

	read := envKeysInSource(t)
	if len(read) == 0 {
		t.Fatal("no PHOTOVAULT_* keys found in source")
	}
	var missing []string
	for _, key := range read {
		if !strings.Contains(readme, "`"+key+"`") && !strings.Contains(readme, key+"=") {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		t.Fatalf("README missing environment keys read by the code: %v", missing)
	}
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}

func loadReadme(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(repoRoot(t), "README.md"))
	if err != nil {
		t.Fatalf("read README.md: %v", err)
	}
	return string(data)
}

// backtickBullets returns the backticked term of each "- " bullet in the
// first list after heading.
func backtickBullets(readme, heading string) ([]string, error) {
	lines := strings.Split(readme, "\n")
	start := slices.IndexFunc(lines, func(line string) bool { return strings.TrimSpace(line) == heading })
	if start == -1 {
		return nil, fmt.Errorf("missing %q section", heading)
	}

	var terms []string
	for _, line := range lines[start+1:] {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			if len(terms) > 0 {
				break
			}
			continue
		}
		fields := strings.Split(line, "`")
		if len(fields) < 3 || fields[1] == "" {
			return nil, fmt.Errorf("bullet without a backticked term: %q", line)
		}
		terms = append(terms, fields[1])
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("no bullets under %q", heading)
	}
	return uniqueSorted(terms), nil
}

func documentedCommandPaths(readme string) ([]string, error) {
	block, err := fencedBlock(readme, "## Commands", "```bash")
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(block, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "photovault" {
			continue
		}
		var parts []string
		for _, token := range fields[1:] {
			if strings.ContainsAny(token[:1], "#<[-") || strings.ContainsAny(token, "\"'") {
				break
			}
			parts = append(parts, token)
		}
		if len(parts) > 0 {
			paths = append(paths, strings.Join(parts, " "))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no command paths in the Commands section")
	}
	return uniqueSorted(paths), nil
}

func fencedBlock(readme, heading, fence string) (string, error) {
	idx := strings.Index(readme, heading)
	if idx == -1 {
		return "", fmt.Errorf("missing %q section", heading)
	}
	section := readme[idx:]
	start := strings.Index(section, fence)
	if start == -1 {
		return "", fmt.Errorf("missing %s fence under %q", fence, heading)
	}
	body := section[start+len(fence):]
	end := strings.Index(body, "```")
	if end == -1 {
		return "", fmt.Errorf("unterminated fence under %q", heading)
	}
	return body[:end], nil
}

// documentedRoutes reads "| METHOD | `path`, `path` | ... |" rows of the
// HTTP API table as "METHOD path" patterns.
func documentedRoutes(readme string) ([]string, error) {
	idx := strings.Index(readme, "## HTTP API")
	if idx == -1 {
		return nil, fmt.Errorf("missing '## HTTP API' section")
	}

	var routes []string
	for _, line := range strings.Split(readme[idx:], "\n")[1:] {
		if strings.HasPrefix(line, "## ") {
			break
		}
		cells := strings.Split(line, "|")
		if len(cells) < 4 {
			continue
		}
		method := strings.TrimSpace(cells[1])
		if method == "" || method == "Method" || strings.Trim(method, "-") == "" {
			continue
		}
		pathCell := strings.Split(cells[2], "`")
		for i := 1; i < len(pathCell); i += 2 {
			routes = append(routes, method+" "+pathCell[i])
		}
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("no routes in the HTTP API table")
	}
	return uniqueSorted(routes), nil
}

// registeredRoutes collects the pattern literals passed to mux.Handle and
// mux.HandleFunc in path.
func registeredRoutes(t *testing.T, path string) []string {
	t.Helper()
	file, err := parser.ParseFile(token.NewFileSet(), path, nil, 0)
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}

	var routes []string
	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok || (sel.Sel.Name != "Handle" && sel.Sel.Name != "HandleFunc") {
			return true
		}
		lit, ok := call.Args[0].(*ast.BasicLit)
		if !ok || lit.Kind != token.STRING {
			return true
		}
		pattern, err := strconv.Unquote(lit.Value)
		if err == nil {
			routes = append(routes, pattern)
		}
		return true
	})
	if len(routes) == 0 {
		t.Fatalf("no routes registered in %s", path)
	}
	return uniqueSorted(routes)
}

// envKeysInSource returns every PHOTOVAULT_* string constant in non-test
// sources under cmd/ and internal/.
func envKeysInSource(t *testing.T) []string {
	t.Helper()
	root := repoRoot(t)
	fset := token.NewFileSet()

	var keys []string
	for _, dir := range []string{"cmd", "internal"} {
		err := filepath.WalkDir(filepath.Join(root, dir), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			file, err := parser.ParseFile(fset, path, nil, 0)
			if err != nil {
				return err
			}
			ast.Inspect(file, func(n ast.Node) bool {
				lit, ok := n.(*ast.BasicLit)
				if !ok || lit.Kind != token.STRING {
					return true
				}
				value, err := strconv.Unquote(lit.Value)
				if err == nil && envKeyPattern.MatchString(value) {
					keys = append(keys, value)
				}
				return true
			})
			return nil
		})
		if err != nil {
			t.Fatalf("scan %s: %v", dir, err)
		}
	}
	return uniqueSorted(keys)
}

func leafCommandPaths(root *cobra.Command) []string {
	var paths []string
	var walk func(cmd *cobra.Command, prefix []string)
	walk = func(cmd *cobra.Command, prefix []string) {
		children := slices.DeleteFunc(slices.Clone(cmd.Commands()), func(child *cobra.Command) bool {
			return child.Hidden || child.Name() == "help" || child.Name() == "completion"
		})
		if len(children) == 0 && len(prefix) > 0 {
			paths = append(paths, strings.Join(prefix, " "))
		}
		for _, child := range children {
			walk(child, append(slices.Clone(prefix), child.Name()))
		}
	}
	walk(root, nil)
	return uniqueSorted(paths)
}

func diff(a, b []string) []string {
	var out []string
	for _, item := range a {
		if !slices.Contains(b, item) {
			out = append(out, item)
		}
	}
	return uniqueSorted(out)
}

func uniqueSorted(values []string) []string {
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}
