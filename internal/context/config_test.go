package context

import (
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/buildstream-go/bst/internal/pipeline"
)

func TestLoadUserConfigDefaults(t *testing.T) {
	cfg, err := LoadUserConfig([]byte(`
sourcedir: /srv/src
cache:
  quota: 10G
scheduler:
  fetchers: 4
artifacts:
  - url: https://cas.example.com
    push: true
`))
	assert.NilError(t, err)
	assert.Check(t, cmp.Equal(cfg.SourceDir, "/srv/src"))
	assert.Check(t, cmp.Equal(cfg.Scheduler.Fetchers, 4))
	assert.Check(t, cmp.Equal(cfg.Scheduler.Policy(), pipeline.OnErrorContinue))
	remotes := cfg.Remotes("myproject")
	assert.Check(t, cmp.Len(remotes, 1))
	assert.Check(t, cmp.Equal(remotes[0].URL, "https://cas.example.com"))
}

func TestLoadUserConfigRejectsUnknownOnError(t *testing.T) {
	_, err := LoadUserConfig([]byte("scheduler:\n  on-error: explode\n"))
	assert.Check(t, err != nil)
}

func TestProjectConfigRequiresNameAndVersion(t *testing.T) {
	_, err := LoadProjectConfig([]byte("element-path: elements\n"))
	assert.Check(t, err != nil)
}

func TestProjectConfigFatalWarningSet(t *testing.T) {
	cfg, err := LoadProjectConfig([]byte("name: demo\nformat-version: 1\nfatal-warnings: [overlaps]\n"))
	assert.NilError(t, err)
	set := cfg.FatalWarningSet()
	assert.Check(t, set["overlaps"])
	assert.Check(t, !set["other"])
}

func TestProjectRemotesMergeWithTopLevel(t *testing.T) {
	cfg, err := LoadUserConfig([]byte(`
artifacts:
  - url: https://global.example.com
projects:
  demo:
    artifacts:
      - url: https://demo.example.com
        push: true
`))
	assert.NilError(t, err)
	remotes := cfg.Remotes("demo")
	assert.Check(t, cmp.Len(remotes, 2))
}
