package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `import functools


def add(a, b):
    return a + b


@functools.lru_cache(maxsize=None)
def fib(n: int) -> int:
    return n if n < 2 else fib(n - 1) + fib(n - 2)


async def fetch(url):
    return url


class Calculator:
    def multiply(self, a, b):
        return a * b
`

func TestAnalyzer_Functions(t *testing.T) {
	funcs, err := NewAnalyzer().Functions(context.Background(), sample)
	require.NoError(t, err)

	names := make([]string, len(funcs))
	for i, f := range funcs {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"add", "fib", "fetch"}, names)

	assert.Equal(t, "def add(a, b)", funcs[0].Signature)
	assert.Equal(t, 4, funcs[0].StartLine)
	assert.Equal(t, "def fib(n: int) -> int", funcs[1].Signature)
	assert.True(t, funcs[2].Async)
	assert.Equal(t, "async def fetch(url)", funcs[2].Signature)
}

func TestAnalyzer_Find(t *testing.T) {
	a := NewAnalyzer()

	fn, err := a.Find(context.Background(), sample, "fib")
	require.NoError(t, err)
	assert.Equal(t, "fib", fn.Name)

	_, err = a.Find(context.Background(), sample, "multiply")
	assert.ErrorIs(t, err, ErrFunctionNotFound)
}

func TestAnalyzer_SyntaxError(t *testing.T) {
	err := NewAnalyzer().Analyze(context.Background(), "def add(a, b:\n    return a + b\n", "add")
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestAnalyzer_InvalidUTF8(t *testing.T) {
	err := NewAnalyzer().Analyze(context.Background(), "def f():\n    return '\xff'\n", "f")
	assert.ErrorIs(t, err, ErrInvalidSource)
}

func TestAnalyzer_Analyze(t *testing.T) {
	assert.NoError(t, NewAnalyzer().Analyze(context.Background(), "def add(a, b):\n    return a + b\n", "add"))
}
