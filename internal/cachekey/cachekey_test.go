package cachekey

import (
	"testing"

	"gotest.tools/v3/assert"
)

func sampleInput() Input {
	env := map[string]string{}
	env["PATH"] = "/usr/bin"
	env["LANG"] = "C"
	return Input{
		ArtifactVersion:  1,
		ContextKey:       "ctx",
		ProjectKey:       "proj",
		ElementUniqueKey: "abc123",
		OS:               "linux",
		Arch:             "amd64",
		Environment:      env,
		SourceKeys:       []interface{}{"src1", "src2"},
		Public:           map[string]interface{}{"bst": map[string]interface{}{"integration-commands": []interface{}{}}},
		CacheKind:        "import",
		Dependencies:     []string{"base"},
	}
}

func TestKeyStableAcrossMapInsertionOrder(t *testing.T) {
	a := sampleInput()

	envReversed := map[string]string{}
	envReversed["LANG"] = "C"
	envReversed["PATH"] = "/usr/bin"
	b := sampleInput()
	b.Environment = envReversed

	ka, err := a.Compute()
	assert.NilError(t, err)
	kb, err := b.Compute()
	assert.NilError(t, err)
	assert.Check(t, ka == kb)
}

func TestKeyChangesWithCacheKindChange(t *testing.T) {
	a := sampleInput()
	b := sampleInput()
	b.CacheKind = "compose"

	ka, err := a.Compute()
	assert.NilError(t, err)
	kb, err := b.Compute()
	assert.NilError(t, err)
	assert.Check(t, ka != kb)
}

func TestStrictKeyChangesWithDependencyKeys(t *testing.T) {
	weak := sampleInput()
	weak.Dependencies = []string{"base"}

	strict1 := sampleInput()
	strict1.Dependencies = []string{"deadbeef"}

	strict2 := sampleInput()
	strict2.Dependencies = []string{"cafefeed"}

	k1, err := strict1.Compute()
	assert.NilError(t, err)
	k2, err := strict2.Compute()
	assert.NilError(t, err)
	assert.Check(t, k1 != k2)
}

func TestDependencyOrderMatters(t *testing.T) {
	a := sampleInput()
	a.Dependencies = []string{"x", "y"}
	b := sampleInput()
	b.Dependencies = []string{"y", "x"}

	ka, err := a.Compute()
	assert.NilError(t, err)
	kb, err := b.Compute()
	assert.NilError(t, err)
	assert.Check(t, ka != kb)
}
