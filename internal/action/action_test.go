package action

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/keel/internal/log"
	"github.com/mattjoyce/keel/internal/workflow"
)

func writeAction(t *testing.T, root, dir, manifest string) {
	t.Helper()
	p := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(p, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p, manifestFilename), []byte(manifest), 0o644))
}

func TestDiscover(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T) []string
		wantNames []string
		wantErr   bool
	}{
		{
			name: "valid action discovered",
			setup: func(t *testing.T) []string {
				root := t.TempDir()
				writeAction(t, root, "echo", "name: echo\nsteps:\n  - run: echo hi\n")
				return []string{root}
			},
			wantNames: []string{"echo"},
		},
		{
			name: "invalid manifest skipped",
			setup: func(t *testing.T) []string {
				root := t.TempDir()
				writeAction(t, root, "good", "name: good\nsteps:\n  - run: true\n")
				writeAction(t, root, "nosteps", "name: nosteps\n")
				writeAction(t, root, "nested", "name: nested\nsteps:\n  - uses: good\n")
				writeAction(t, root, "broken", "name: [\n")
				return []string{root}
			},
			wantNames: []string{"good"},
		},
		{
			name: "first root wins on duplicate names",
			setup: func(t *testing.T) []string {
				a, b := t.TempDir(), t.TempDir()
				writeAction(t, a, "x", "name: dup\nsteps:\n  - run: echo a\n")
				writeAction(t, b, "y", "name: dup\nsteps:\n  - run: echo b\n")
				return []string{a, b}
			},
			wantNames: []string{"dup"},
		},
		{
			name: "missing root",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "absent")}
			},
			wantErr: true,
		},
		{
			name: "empty root list",
			setup: func(t *testing.T) []string {
				return nil
			},
			wantNames: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := Discover(tt.setup(t), log.Discard())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.wantNames, reg.Names())
		})
	}
}

func TestDiscoverKeepsFirstRoot(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	writeAction(t, a, "x", "name: dup\nsteps:\n  - run: echo a\n")
	writeAction(t, b, "y", "name: dup\nsteps:\n  - run: echo b\n")

	reg, err := Discover([]string{a, b}, log.Discard())
	require.NoError(t, err)
	got, ok := reg.Get("dup")
	require.True(t, ok)
	assert.Equal(t, "echo a", got.Steps[0].Run)
}

func TestParseManifestInputs(t *testing.T) {
	m, err := ParseManifest([]byte(`name: setup
inputs:
  version: "20"
  token:
    required: true
  flag: ~
steps:
  - run: echo ${{ inputs.version }} ${{ inputs.token }} ${{ inputs.flag }}
`))
	require.NoError(t, err)
	assert.Equal(t, "20", m.Inputs["version"].Default)
	assert.True(t, m.Inputs["token"].Required)
	assert.Equal(t, "", m.Inputs["flag"].Default)
	assert.Equal(t, "token", m.Inputs["token"].Name)
}

func TestParseManifestRejects(t *testing.T) {
	cases := map[string]string{
		"no name":          "steps:\n  - run: true\n",
		"bad name":         "name: 'a b'\nsteps:\n  - run: true\n",
		"undeclared input": "name: a\nsteps:\n  - run: echo ${{ inputs.nope }}\n",
		"required default": "name: a\ninputs:\n  x:\n    required: true\n    default: y\nsteps:\n  - run: true\n",
		"empty run":        "name: a\nsteps:\n  - name: nothing\n",
		"inputs sequence":  "name: a\ninputs: [x]\nsteps:\n  - run: true\n",
	}
	for name, manifest := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(manifest))
			assert.Error(t, err)
		})
	}
}

func TestExpand(t *testing.T) {
	reg := NewRegistry()
	m, err := ParseManifest([]byte(`name: go-build
inputs:
  version: "1.22"
  target:
    required: true
  mode: readonly
steps:
  - name: toolchain
    run: echo go${{ inputs.version }}
  - name: build ${{ inputs.target }}
    run: go build ${{inputs.target}}
    env:
      GOFLAGS: -mod=${{ inputs.mode }}
`))
	require.NoError(t, err)
	require.NoError(t, reg.Add(&Action{Name: m.Name, Path: "/actions/go-build", Inputs: m.Inputs, Steps: m.Steps}))

	steps, err := reg.Expand(workflow.StepSpec{
		Name: "compile",
		Uses: "go-build",
		With: map[string]string{"target": "./cmd/..."},
		Env:  map[string]string{"CGO_ENABLED": "0"},
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, "compile: toolchain", steps[0].Name)
	assert.Equal(t, "echo go1.22", steps[0].Run)
	assert.Equal(t, "compile: build ./cmd/...", steps[1].Name)
	assert.Equal(t, "go build ./cmd/...", steps[1].Run)
	assert.Equal(t, map[string]string{
		"GOFLAGS":     "-mod=readonly",
		"CGO_ENABLED": "0",
		PathEnv:       "/actions/go-build",
	}, steps[1].Env)
	for _, s := range steps {
		assert.Empty(t, s.Uses)
	}
}

func TestExpandErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(&Action{
		Name:   "needs-token",
		Inputs: Inputs{"token": {Name: "token", Required: true}},
		Steps:  []workflow.StepSpec{{Run: "echo ${{ inputs.token }}"}, {Run: "true"}},
	}))

	_, err := reg.Expand(workflow.StepSpec{Uses: "nope"})
	assert.True(t, errors.Is(err, ErrUnknownAction))

	_, err = reg.Expand(workflow.StepSpec{Uses: "needs-token"})
	assert.ErrorContains(t, err, "missing required input")

	_, err = reg.Expand(workflow.StepSpec{Uses: "needs-token", With: map[string]string{"token": "t", "extra": "x"}})
	assert.ErrorContains(t, err, `no input "extra"`)

	_, err = reg.Expand(workflow.StepSpec{
		Uses:  "needs-token",
		With:  map[string]string{"token": "t"},
		Cache: &workflow.CacheSpec{Key: "k", Inputs: []string{"*"}, Paths: []string{"out"}},
	})
	assert.ErrorContains(t, err, "single-step action")
}

func TestExpandWorkingDirectoryAndCache(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(&Action{
		Name:   "single",
		Inputs: Inputs{"msg": {Name: "msg", Default: "hi"}},
		Steps:  []workflow.StepSpec{{Name: "say", Run: "echo ${{ inputs.msg }}", WorkingDirectory: "sub"}},
	}))

	cache := &workflow.CacheSpec{Key: "deps", Inputs: []string{"go.sum"}, Paths: []string{"vendor"}}
	steps, err := reg.Expand(workflow.StepSpec{Uses: "single", WorkingDirectory: "app", Cache: cache})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "single: say", steps[0].Name)
	assert.Equal(t, "echo hi", steps[0].Run)
	assert.Equal(t, "app/sub", steps[0].WorkingDirectory)
	require.NotNil(t, steps[0].Cache)
	assert.Equal(t, "deps", steps[0].Cache.Key)
	assert.NotSame(t, cache, steps[0].Cache)
}

func TestExpandAllPassesRunSteps(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(&Action{Name: "a", Steps: []workflow.StepSpec{{Run: "one"}, {Run: "two"}}}))

	steps, err := reg.ExpandAll([]workflow.StepSpec{{Run: "zero"}, {Uses: "a"}, {Run: "three"}})
	require.NoError(t, err)
	runs := make([]string, len(steps))
	for i, s := range steps {
		runs[i] = s.Run
	}
	assert.Equal(t, []string{"zero", "one", "two", "three"}, runs)

	_, err = reg.ExpandAll([]workflow.StepSpec{{Run: "zero"}, {Uses: "missing"}})
	assert.ErrorContains(t, err, "steps[1]")
}

func TestNilRegistryExpandsRunSteps(t *testing.T) {
	var reg *Registry
	steps, err := reg.Expand(workflow.StepSpec{Run: "echo"})
	require.NoError(t, err)
	assert.Len(t, steps, 1)

	_, err = reg.Expand(workflow.StepSpec{Uses: "x"})
	assert.ErrorIs(t, err, ErrUnknownAction)
}
