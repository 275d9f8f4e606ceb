package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryWith(t *testing.T, ps ...Plugin) *Registry {
	t.Helper()
	r := NewRegistry(testLogger())
	for _, p := range ps {
		require.NoError(t, r.Register(p))
	}
	return r
}

func TestResolve_Chain(t *testing.T) {
	r := registryWith(t, plugin("A"), plugin("B", "A"), plugin("C", "B"))

	order, err := NewResolver(r).Resolve([]string{"C"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestResolve_DependenciesPrecedeDependents(t *testing.T) {
	r := registryWith(t,
		plugin("base"),
		plugin("strings", "base"),
		plugin("crypto", "strings", "base"),
		plugin("elf", "base"),
		plugin("report", "crypto", "elf"),
		plugin("zeta"),
	)

	order, err := NewResolver(r).Resolve([]string{"report", "zeta"})
	require.NoError(t, err)
	require.Len(t, order, 6)

	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	for _, p := range r.All() {
		d := p.Descriptor()
		for _, dep := range d.Dependencies {
			assert.Less(t, pos[dep], pos[d.Name], "%s must run before %s", dep, d.Name)
		}
	}
}

func TestResolve_TieBreakByName(t *testing.T) {
	r := registryWith(t, plugin("c"), plugin("a"), plugin("b"), plugin("d", "c"))
	resolver := NewResolver(r)

	first, err := resolver.Resolve([]string{"d", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, first)

	for range 10 {
		again, err := resolver.Resolve([]string{"a", "d", "b"})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestResolve_Cycle(t *testing.T) {
	r := registryWith(t,
		plugin("a", "b"),
		plugin("b", "c"),
		plugin("c", "a"),
		plugin("d", "a"),
		plugin("free"),
	)

	_, err := NewResolver(r).Resolve([]string{"d", "free"})
	var cyc *CyclicDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, []string{"a", "b", "c"}, cyc.Cycle)
}

func TestResolve_SelfCycle(t *testing.T) {
	r := registryWith(t, plugin("loop", "loop"))

	_, err := NewResolver(r).Resolve([]string{"loop"})
	var cyc *CyclicDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, []string{"loop"}, cyc.Cycle)
}

func TestResolve_CycleReportOmitsPluginsBetweenCycles(t *testing.T) {
	r := registryWith(t,
		plugin("p", "q"),
		plugin("q", "p"),
		plugin("bridge", "p"),
		plugin("x", "y", "bridge"),
		plugin("y", "x"),
		plugin("top", "x"),
	)

	_, err := NewResolver(r).Resolve([]string{"top"})
	var cyc *CyclicDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, []string{"p", "q", "x", "y"}, cyc.Cycle)
	assert.NotContains(t, cyc.Error(), "bridge")
}

func TestResolve_MissingDependency(t *testing.T) {
	r := registryWith(t, plugin("a", "ghost"))

	_, err := NewResolver(r).Resolve([]string{"a"})
	var missing *MissingDependencyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "a", missing.Plugin)
	assert.Equal(t, "ghost", missing.Missing)
}

func TestResolve_UnknownRequested(t *testing.T) {
	r := registryWith(t, plugin("a"))

	_, err := NewResolver(r).Resolve([]string{"a", "b"})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "b", nf.Name)
}

func TestResolve_Empty(t *testing.T) {
	order, err := NewResolver(registryWith(t)).Resolve(nil)
	require.NoError(t, err)
	assert.Empty(t, order)
}

func TestResolveFor_MimeFilter(t *testing.T) {
	r := registryWith(t,
		plugin("file_type"),
		&FuncPlugin{Desc: Descriptor{
			Name:          "elf",
			Version:       "1",
			Dependencies:  []string{"file_type"},
			MimeWhitelist: []string{"application/x-executable"},
		}},
		plugin("hashes"),
	)
	resolver := NewResolver(r)

	order, err := resolver.ResolveFor([]string{"elf", "hashes"}, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, []string{"hashes"}, order)

	order, err = resolver.ResolveFor([]string{"elf", "hashes"}, "application/x-executable")
	require.NoError(t, err)
	assert.Equal(t, []string{"file_type", "elf", "hashes"}, order)
}
