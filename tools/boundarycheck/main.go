// Command boundarycheck keeps the consent engine and the orchestrator free of
// backend and transport imports. They talk to ledgers, identity providers and
// executors only through their own interfaces.
//
// Usage:
//
//	go run ./tools/boundarycheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
)

// rule forbids import path fragments in non-test files under dir.
type rule struct {
	dir       string
	forbidden []string
}

var coreForbidden = []string{
	"database/sql",
	"net/http",
	"github.com/redis/",
	"github.com/tetratelabs/wazero",
	"github.com/aws/",
	"cloud.google.com/",
	"/pkg/api",
	"/pkg/archive",
	"/pkg/client",
	"/pkg/config",
	"/pkg/executors",
	"/pkg/ledger",
	"/pkg/provider",
}

var rules = []rule{
	{dir: "pkg/consent", forbidden: coreForbidden},
	{dir: "pkg/orchestrator", forbidden: append([]string{"/pkg/consent"}, coreForbidden...)},
	{dir: "pkg/crypto", forbidden: []string{"github.com/Doctor0Evil/Cybulous/"}},
}

type violation struct {
	file   string
	line   int
	path   string
	banned string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.file, v.line, v.path, v.banned)
}

func check(root string, rules []rule) ([]violation, error) {
	var found []violation
	fset := token.NewFileSet()

	for _, r := range rules {
		dir := filepath.Join(root, r.dir)
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("rule dir %s: %w", r.dir, err)
		}
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if info.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}

			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range r.forbidden {
					if strings.Contains(importPath, frag) {
						rel, _ := filepath.Rel(root, path)
						found = append(found, violation{
							file:   rel,
							line:   fset.Position(imp.Pos()).Line,
							path:   importPath,
							banned: frag,
						})
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()

	found, err := check(*root, rules)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	for _, v := range found {
		fmt.Println("BOUNDARY VIOLATION:", v)
	}
	if len(found) > 0 {
		fmt.Printf("\n%d boundary violation(s) found\n", len(found))
		os.Exit(1)
	}
	fmt.Println("boundary check passed")
}
