// Package extract produces the code units fed into the search engine.
// The search core only depends on the Extractor contract; the Go
// implementation here is the reference collaborator.
package extract

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"strings"

	"github.com/mistakeknot/tldr-swinton/pkg/types"
)

// Extractor yields code units for one source file. Implementations
// populate Signature, DocSummary, and FileHash on every unit.
type Extractor interface {
	// Handles reports whether this extractor can process the file.
	Handles(path string) bool

	// ExtractFile parses a source file. relPath is recorded on the
	// units; path is the on-disk location to read.
	ExtractFile(path, relPath string) ([]types.CodeUnit, error)
}

// GoExtractor extracts functions, methods, and type declarations from Go
// source via the AST.
type GoExtractor struct{}

// NewGo creates a Go extractor.
func NewGo() *GoExtractor {
	return &GoExtractor{}
}

// Handles accepts .go files.
func (e *GoExtractor) Handles(path string) bool {
	return strings.HasSuffix(path, ".go")
}

// ExtractFile parses a Go source file into code units. Syntax errors are
// non-fatal: the partial AST still yields whatever units it contains.
func (e *GoExtractor) ExtractFile(path, relPath string) ([]types.CodeUnit, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	hash := types.HashContent(content)

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if file == nil {
		return nil, fmt.Errorf("parse file: %w", err)
	}

	var units []types.CodeUnit
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			units = append(units, e.funcUnit(fset, content, d, relPath, hash))
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				units = append(units, e.typeUnit(fset, d, ts, relPath, hash))
			}
		}
	}
	return units, nil
}

func (e *GoExtractor) funcUnit(fset *token.FileSet, content []byte, d *ast.FuncDecl, relPath, hash string) types.CodeUnit {
	name := d.Name.Name
	if d.Recv != nil && len(d.Recv.List) > 0 {
		name = receiverType(d.Recv.List[0].Type) + "." + name
	}

	// The signature is the declaration source up to the body.
	sigEnd := d.End()
	if d.Body != nil {
		sigEnd = d.Body.Lbrace
	}
	start := fset.Position(d.Pos())
	end := fset.Position(d.End())
	sig := strings.TrimSpace(string(content[fset.Position(d.Pos()).Offset:fset.Position(sigEnd).Offset]))

	return types.CodeUnit{
		ID:         types.UnitID(relPath, name),
		Name:       name,
		FilePath:   relPath,
		Lines:      types.LineRange{Start: start.Line, End: end.Line},
		Signature:  sig,
		DocSummary: docSummary(d.Doc),
		FileHash:   hash,
	}
}

func (e *GoExtractor) typeUnit(fset *token.FileSet, d *ast.GenDecl, ts *ast.TypeSpec, relPath, hash string) types.CodeUnit {
	start := fset.Position(ts.Pos())
	end := fset.Position(ts.End())

	doc := ts.Doc
	if doc == nil {
		doc = d.Doc
	}

	return types.CodeUnit{
		ID:         types.UnitID(relPath, ts.Name.Name),
		Name:       ts.Name.Name,
		FilePath:   relPath,
		Lines:      types.LineRange{Start: start.Line, End: end.Line},
		Signature:  "type " + ts.Name.Name,
		DocSummary: docSummary(doc),
		FileHash:   hash,
	}
}

// docSummary returns the first sentence of a doc comment.
func docSummary(group *ast.CommentGroup) string {
	if group == nil {
		return ""
	}
	text := strings.TrimSpace(group.Text())
	if i := strings.IndexAny(text, ".\n"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

func receiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr: // generic receiver
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	default:
		return "recv"
	}
}
