package pluginreg

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/buildstream-go/bst/internal/element"
	"github.com/buildstream-go/bst/internal/vdir"
)

type fakeSource struct {
	ref string
}

func (f *fakeSource) Configure(config map[string]interface{}) error {
	if ref, ok := config["ref"].(string); ok {
		f.ref = ref
	}
	return nil
}
func (f *fakeSource) Preflight() error                 { return nil }
func (f *fakeSource) UniqueKey() (interface{}, error)  { return f.ref, nil }
func (f *fakeSource) Consistency() element.Consistency { return element.Resolved }
func (f *fakeSource) LoadRef(config map[string]interface{}) error {
	return f.Configure(config)
}
func (f *fakeSource) Ref() string                                      { return f.ref }
func (f *fakeSource) SetRef(ref string, config map[string]interface{}) { f.ref = ref }
func (f *fakeSource) Track(ctx context.Context) (string, error)        { return "", nil }
func (f *fakeSource) Fetch(ctx context.Context) error                  { return nil }
func (f *fakeSource) Stage(dir vdir.Directory) error                   { return nil }

var _ element.Source = (*fakeSource)(nil)

func init() {
	RegisterSource("pluginreg-test-fake", nil, func(ic *InitContext) (element.Source, error) {
		f := &fakeSource{}
		if err := f.Configure(ic.Config); err != nil {
			return nil, err
		}
		return f, nil
	})
}

func TestRegisterAndResolveSource(t *testing.T) {
	src, err := NewSource(context.Background(), "pluginreg-test-fake", map[string]interface{}{"ref": "deadbeef"})
	assert.NilError(t, err)
	assert.Check(t, cmp.Equal(src.Ref(), "deadbeef"))
}

func TestResolveUnknownSourceKind(t *testing.T) {
	_, err := NewSource(context.Background(), "no-such-kind", nil)
	assert.Check(t, err != nil)
}

func TestKindsListsRegistered(t *testing.T) {
	kinds := Kinds(TypeSource)
	found := false
	for _, k := range kinds {
		if k == "pluginreg-test-fake" {
			found = true
		}
	}
	assert.Check(t, found)
}
