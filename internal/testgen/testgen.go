// Package testgen turns completions into behavior descriptions and pytest
// suites. Backend failures never escape: each operation degrades to a
// deterministic fallback instead.
package testgen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/marianellas/veritas/internal/domain"
	"github.com/marianellas/veritas/internal/llm"
	"github.com/marianellas/veritas/internal/prompts"
)

// ModuleName is the module the submitted code is written to and imported from
const ModuleName = "your_module"

const (
	fallbackBehavior  = "Function behavior inferred"
	unknownBehavior   = "Could not infer behavior"
	fallbackEdgeCases = "basic cases"
)

// Generator implements inference, generation and repair on top of a completion client
type Generator struct {
	client  llm.Client
	prompts *prompts.Loader
	logger  *slog.Logger
}

// New creates a Generator
func New(client llm.Client, loader *prompts.Loader, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		client:  client,
		prompts: loader,
		logger:  logger.With("component", "testgen"),
	}
}

func (g *Generator) complete(ctx context.Context, p prompts.Prompt) (string, error) {
	return g.client.Generate(ctx, p.Text, llm.Params{System: p.System, Temperature: p.Temperature})
}

// Infer describes the function and lists edge cases worth testing
func (g *Generator) Infer(ctx context.Context, code, functionName string) (string, []string, error) {
	p, err := g.prompts.BuildInferPrompt(prompts.InferData{Code: code, FunctionName: functionName})
	if err != nil {
		return "", nil, err
	}

	out, err := g.complete(ctx, p)
	if err != nil {
		g.logger.Warn("inference failed, using fallback", "function", functionName, "error", err)
		return unknownBehavior, []string{fallbackEdgeCases}, nil
	}

	behavior, edgeCases := ParseInference(out)
	return behavior, edgeCases, nil
}

// ParseInference reads the BEHAVIOR and EDGE_CASES lines of a completion
func ParseInference(text string) (string, []string) {
	var behavior string
	var edgeCases []string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "BEHAVIOR:"):
			behavior = strings.TrimSpace(strings.TrimPrefix(line, "BEHAVIOR:"))
		case strings.HasPrefix(line, "EDGE_CASES:"):
			edgeCases = edgeCases[:0]
			for _, ec := range strings.Split(strings.TrimPrefix(line, "EDGE_CASES:"), ",") {
				if ec = strings.TrimSpace(ec); ec != "" {
					edgeCases = append(edgeCases, ec)
				}
			}
		}
	}

	if behavior == "" {
		behavior = fallbackBehavior
	}
	if len(edgeCases) == 0 {
		edgeCases = []string{fallbackEdgeCases}
	}
	return behavior, edgeCases
}

// Generate writes a pytest suite for the function. The result is never empty
// and always references functionName.
func (g *Generator) Generate(ctx context.Context, code, functionName string, opts domain.RunOptions, description string, edgeCases []string) (string, error) {
	p, err := g.prompts.BuildGeneratePrompt(prompts.GenerateData{
		Code:              code,
		FunctionName:      functionName,
		Module:            ModuleName,
		Description:       description,
		EdgeCases:         edgeCases,
		Requirements:      opts.EdgeCaseCategories.Requirements(),
		PropertyBased:     opts.TestStyle == domain.StylePropertyBased,
		CoverageThreshold: opts.CoverageThreshold,
	})
	if err != nil {
		return "", err
	}

	out, err := g.complete(ctx, p)
	if err != nil {
		g.logger.Warn("generation failed, using fallback template", "function", functionName, "error", err)
		return Fallback(functionName, opts.TestStyle), nil
	}

	tests := StripFences(out)
	if tests == "" || !strings.Contains(tests, functionName) {
		g.logger.Warn("generation returned unusable tests, using fallback template", "function", functionName)
		return Fallback(functionName, opts.TestStyle), nil
	}
	return tests, nil
}

// Repair asks for a corrected suite. On any backend failure or an empty
// answer the input is returned unchanged.
func (g *Generator) Repair(ctx context.Context, testCode, errOutput, code, functionName string) (string, error) {
	p, err := g.prompts.BuildRepairPrompt(prompts.RepairData{
		Code:        code,
		TestCode:    testCode,
		ErrorOutput: errOutput,
	})
	if err != nil {
		return "", err
	}

	out, err := g.complete(ctx, p)
	if err != nil {
		g.logger.Warn("repair failed, keeping current tests", "function", functionName, "error", err)
		return testCode, nil
	}

	fixed := StripFences(out)
	if fixed == "" {
		return testCode, nil
	}
	return fixed, nil
}

// StripFences returns the body of the first markdown code fence in s, or s
// trimmed when there is none.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start == -1 {
		return s
	}

	body := s[start+3:]
	// Drop the info string (```python).
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		body = body[nl+1:]
	} else {
		body = ""
	}
	if end := strings.Index(body, "```"); end != -1 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// Fallback is the minimal suite used when generation is unavailable
func Fallback(functionName string, style domain.TestStyle) string {
	if style == domain.StylePropertyBased {
		return fmt.Sprintf(`import pytest
from hypothesis import given, strategies as st
from %[1]s import %[2]s


@given(st.integers(), st.integers())
def test_%[2]s_property_based(a, b):
    result = %[2]s(a, b)
    assert result is not None
`, ModuleName, functionName)
	}
	return fmt.Sprintf(`import pytest
from %[1]s import %[2]s


def test_%[2]s_basic():
    result = %[2]s(1, 2)
    assert result is not None
`, ModuleName, functionName)
}
