package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/element"
	"github.com/buildstream-go/bst/internal/vdir"
)

type fakeRunner struct {
	calls [][]string
	code  int
	err   error
}

func (r *fakeRunner) Run(ctx context.Context, argv []string, flags element.RunFlags, cwd string, env map[string]string) (int, error) {
	r.calls = append(r.calls, argv)
	return r.code, r.err
}

func writeArtifact(t *testing.T, files map[string]string) vdir.Directory {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, name)
		assert.NilError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		assert.NilError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	d, err := vdir.NewFSDirectory(root)
	assert.NilError(t, err)
	return d
}

func TestImportArtifactStagesUnderPath(t *testing.T) {
	depA := writeArtifact(t, map[string]string{"lib/libfoo.so": "a"})
	deps := map[string]*element.Element{"a": {Name: "a"}}
	artifacts := map[string]vdir.Directory{"a": depA}

	sb, err := NewSandbox(t.TempDir(), deps, artifacts, nil, &fakeRunner{})
	assert.NilError(t, err)

	_, err = sb.ImportArtifact("a", "/", nil)
	assert.NilError(t, err)

	warnings, err := sb.CheckOverlaps()
	assert.NilError(t, err)
	assert.Check(t, cmp.Len(warnings.Overlaps, 0))
}

func TestOverlapUnwhitelistedIsWarningByDefault(t *testing.T) {
	depA := writeArtifact(t, map[string]string{"bin/tool": "a"})
	depB := writeArtifact(t, map[string]string{"bin/tool": "b"})
	deps := map[string]*element.Element{
		"a": {Name: "a"},
		"b": {Name: "b"},
	}
	artifacts := map[string]vdir.Directory{"a": depA, "b": depB}

	sb, err := NewSandbox(t.TempDir(), deps, artifacts, nil, &fakeRunner{})
	assert.NilError(t, err)

	_, err = sb.ImportArtifact("a", "/", nil)
	assert.NilError(t, err)
	_, err = sb.ImportArtifact("b", "/", nil)
	assert.NilError(t, err)

	warnings, err := sb.CheckOverlaps()
	assert.NilError(t, err)
	assert.Check(t, cmp.Len(warnings.Overlaps, 1))
	assert.Check(t, cmp.Equal(warnings.Overlaps[0].Path, "/bin/tool"))
	assert.Check(t, cmp.DeepEqual(warnings.Overlaps[0].Chain, []string{"a", "b"}))
}

func TestOverlapWhitelistedIsPermitted(t *testing.T) {
	depA := writeArtifact(t, map[string]string{"bin/tool": "a"})
	depB := writeArtifact(t, map[string]string{"bin/tool": "b"})
	deps := map[string]*element.Element{
		"a": {Name: "a"},
		"b": {Name: "b", Public: map[string]interface{}{
			"bst": map[string]interface{}{
				"overlap-whitelist": []interface{}{"/bin/*"},
			},
		}},
	}
	artifacts := map[string]vdir.Directory{"a": depA, "b": depB}

	sb, err := NewSandbox(t.TempDir(), deps, artifacts, nil, &fakeRunner{})
	assert.NilError(t, err)
	_, err = sb.ImportArtifact("a", "/", nil)
	assert.NilError(t, err)
	_, err = sb.ImportArtifact("b", "/", nil)
	assert.NilError(t, err)

	warnings, err := sb.CheckOverlaps()
	assert.NilError(t, err)
	assert.Check(t, cmp.Len(warnings.Overlaps, 0))
}

func TestOverlapFatalWhenProjectFlagsIt(t *testing.T) {
	depA := writeArtifact(t, map[string]string{"bin/tool": "a"})
	depB := writeArtifact(t, map[string]string{"bin/tool": "b"})
	deps := map[string]*element.Element{
		"a": {Name: "a"},
		"b": {Name: "b"},
	}
	artifacts := map[string]vdir.Directory{"a": depA, "b": depB}

	sb, err := NewSandbox(t.TempDir(), deps, artifacts, map[string]bool{"overlaps": true}, &fakeRunner{})
	assert.NilError(t, err)
	_, err = sb.ImportArtifact("a", "/", nil)
	assert.NilError(t, err)
	_, err = sb.ImportArtifact("b", "/", nil)
	assert.NilError(t, err)

	_, err = sb.CheckOverlaps()
	assert.Check(t, err != nil)
	e := bsterrors.AsTaxonomy(err)
	assert.Check(t, cmp.Equal(e.Reason, bsterrors.ReasonOverlapError))
}

func TestRunNonZeroExitIsElementError(t *testing.T) {
	sb, err := NewSandbox(t.TempDir(), nil, nil, nil, &fakeRunner{code: 1})
	assert.NilError(t, err)

	_, err = sb.Run(context.Background(), []string{"false"}, 0, "/", nil)
	assert.Check(t, err != nil)
	e := bsterrors.AsTaxonomy(err)
	assert.Check(t, cmp.Equal(e.Reason, bsterrors.ReasonAssemblyFailed))
}

func TestCollectDirectoryReturnsAssembledOutput(t *testing.T) {
	root := t.TempDir()
	sb, err := NewSandbox(root, nil, nil, nil, &fakeRunner{})
	assert.NilError(t, err)

	assert.NilError(t, os.MkdirAll(filepath.Join(root, "out"), 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(root, "out", "payload"), []byte("x"), 0o644))

	dir, err := sb.CollectDirectory("/out")
	assert.NilError(t, err)
	paths, err := dir.ListRelativePaths()
	assert.NilError(t, err)
	assert.Check(t, cmp.DeepEqual(paths, []string{"payload"}))
}

func TestGlobToRegexWhitelistMatching(t *testing.T) {
	re, err := CompileWhitelist([]string{"/usr/lib/**", "/etc/foo?.conf"})
	assert.NilError(t, err)
	assert.Check(t, re.MatchString("/usr/lib/x86_64/libfoo.so"))
	assert.Check(t, re.MatchString("/etc/foo1.conf"))
	assert.Check(t, !re.MatchString("/etc/foo12.conf"))
	assert.Check(t, !re.MatchString("usr/lib/relative"))
}
