// Package source inspects submitted Python code before any test is generated.
package source

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

var (
	ErrInvalidSource    = errors.New("source is not valid UTF-8")
	ErrSyntax           = errors.New("source contains syntax errors")
	ErrFunctionNotFound = errors.New("function not found")
)

// Function is a module-level function definition
type Function struct {
	Name      string
	Signature string
	StartLine int
	EndLine   int
	Async     bool
}

// Analyzer parses Python source with tree-sitter
type Analyzer struct{}

// NewAnalyzer creates an analyzer
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Functions returns the module-level functions defined in code, decorated
// ones included. A syntax error anywhere in the source is reported as ErrSyntax.
func (a *Analyzer) Functions(ctx context.Context, code string) ([]Function, error) {
	content := []byte(code)
	if !utf8.Valid(content) {
		return nil, ErrInvalidSource
	}

	// Parsers are not safe for concurrent use, so each call gets its own.
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, fmt.Errorf("tree-sitter returned nil root node")
	}
	if root.HasError() {
		if line, ok := firstErrorLine(root); ok {
			return nil, fmt.Errorf("%w near line %d", ErrSyntax, line)
		}
		return nil, ErrSyntax
	}

	var funcs []Function
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "function_definition":
			if fn, ok := function(child, content); ok {
				funcs = append(funcs, fn)
			}
		case "decorated_definition":
			if def := child.ChildByFieldName("definition"); def != nil && def.Type() == "function_definition" {
				if fn, ok := function(def, content); ok {
					funcs = append(funcs, fn)
				}
			}
		}
	}
	return funcs, nil
}

// Find returns the named module-level function
func (a *Analyzer) Find(ctx context.Context, code, name string) (*Function, error) {
	funcs, err := a.Functions(ctx, code)
	if err != nil {
		return nil, err
	}
	for i := range funcs {
		if funcs[i].Name == name {
			return &funcs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
}

// Analyze checks that code parses and defines name at module level
func (a *Analyzer) Analyze(ctx context.Context, code, name string) error {
	_, err := a.Find(ctx, code, name)
	return err
}

func function(node *sitter.Node, content []byte) (Function, bool) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return Function{}, false
	}
	fn := Function{
		Name:      nameNode.Content(content),
		StartLine: int(node.StartPoint().Row + 1),
		EndLine:   int(node.EndPoint().Row + 1),
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		if node.Child(i).Type() == "async" {
			fn.Async = true
			break
		}
	}

	params := "()"
	if p := node.ChildByFieldName("parameters"); p != nil {
		params = p.Content(content)
	}
	fn.Signature = fmt.Sprintf("def %s%s", fn.Name, params)
	if fn.Async {
		fn.Signature = "async " + fn.Signature
	}
	if rt := node.ChildByFieldName("return_type"); rt != nil {
		fn.Signature += " -> " + rt.Content(content)
	}
	return fn, true
}

// firstErrorLine finds the first ERROR or missing node, depth first
func firstErrorLine(node *sitter.Node) (int, bool) {
	if node.IsError() || node.IsMissing() {
		return int(node.StartPoint().Row + 1), true
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if !child.HasError() && !child.IsMissing() {
			continue
		}
		if line, ok := firstErrorLine(child); ok {
			return line, true
		}
	}
	return 0, false
}
