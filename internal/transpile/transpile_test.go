package transpile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileOptionsDefaults(t *testing.T) {
	t.Parallel()

	opts, err := NewTypeScript().CompileOptions("")
	require.NoError(t, err)
	assert.Equal(t, "ES2020", opts["target"])
	assert.Equal(t, "CommonJS", opts["module"])
	assert.Equal(t, true, opts["esModuleInterop"])
}

func TestCompileOptionsMergesProject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{
		"compilerOptions": {"target": "ES2017", "module": "ESNext", "strict": true}
	}`), 0o644))

	opts, err := NewTypeScript().CompileOptions(dir)
	require.NoError(t, err)
	assert.Equal(t, "ES2017", opts["target"])
	assert.Equal(t, true, opts["strict"])
	assert.Equal(t, "CommonJS", opts["module"], "module stays pinned")
}

func TestCompileOptionsMissingProject(t *testing.T) {
	t.Parallel()

	opts, err := NewTypeScript(WithCompileOptions(map[string]any{"target": "ES5"})).
		CompileOptions(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "ES5", opts["target"])
}

func TestCompileOptionsProjectWithComments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{
  // generated by tsc --init
  "compilerOptions": {
    /* Language and Environment */
    "target": "ES2019",
    "strict": true,
  },
}`), 0o644))

	opts, err := NewTypeScript().CompileOptions(dir)
	require.NoError(t, err)
	assert.Equal(t, "ES2019", opts["target"])
	assert.Equal(t, true, opts["strict"])
}

func TestCompileOptionsInvalidProject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{"compilerOptions": `), 0o644))

	_, err := NewTypeScript().CompileOptions(dir)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "invalid JSON")
}

func TestTranspileTypeScript(t *testing.T) {
	t.Parallel()

	out, err := NewTypeScript().Transpile(context.Background(),
		"const add = (a: number, b: number): number => a + b;", "")
	require.NoError(t, err)
	assert.Contains(t, out, "const add = (a, b) => a + b;")
	assert.NotContains(t, out, ": number")
}

func TestTranspileSyntaxError(t *testing.T) {
	t.Parallel()

	_, err := NewTypeScript().Transpile(context.Background(), "const x = ;", "")
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "typescript compilation failed", terr.Message)
}

func TestTranspileIncompleteExpression(t *testing.T) {
	t.Parallel()

	_, err := NewTypeScript().Transpile(context.Background(),
		"const __field = (({a}) => a +\n);\n", "")
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Error(t, terr.Err)
}

func TestTranspileCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTypeScript().Transpile(ctx, "const x = 1;", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFunc(t *testing.T) {
	t.Parallel()

	var tr Transpiler = Func(func(_ context.Context, src, dir string) (string, error) {
		return src + "//" + dir, nil
	})
	out, err := tr.Transpile(context.Background(), "x", "d")
	require.NoError(t, err)
	assert.Equal(t, "x//d", out)
}
