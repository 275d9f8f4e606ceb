package plugins

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func plugin(name string, deps ...string) Plugin {
	return &FuncPlugin{Desc: Descriptor{Name: name, Version: "1.0", Dependencies: deps}}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Register(plugin("file_type")))

	p, err := r.Get("file_type")
	require.NoError(t, err)
	assert.Equal(t, "file_type", p.Descriptor().Name)

	_, err = r.Get("nope")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.Name)
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Register(plugin("a")))

	err := r.Register(plugin("a", "b"))
	var dup *DuplicateNameError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "a", dup.Name)

	p, _ := r.Get("a")
	assert.Empty(t, p.Descriptor().Dependencies, "first registration must be kept")
}

func TestRegistry_Snapshots(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Register(&FuncPlugin{Desc: Descriptor{Name: "a", Version: "0.2", Description: "first"}}))
	require.NoError(t, r.Register(plugin("b", "a")))

	assert.Len(t, r.All(), 2)

	info := r.Info()
	require.Contains(t, info, "a")
	assert.Equal(t, "first", info["a"].Description)
	assert.Equal(t, "0.2", info["a"].Version)
	assert.Equal(t, []string{"a"}, info["b"].Dependencies)
}

func TestDescriptor_Applies(t *testing.T) {
	all := Descriptor{Name: "x"}
	assert.True(t, all.Applies("anything"))

	elf := Descriptor{Name: "y", MimeWhitelist: []string{"application/x-executable"}}
	assert.True(t, elf.Applies("application/x-executable"))
	assert.False(t, elf.Applies("text/plain"))
}
