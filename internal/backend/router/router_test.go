package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beatline/conductor/internal/backend"
	"github.com/beatline/conductor/internal/backend/stub"
	"github.com/beatline/conductor/internal/types"
)

// tagged is a stub that remembers which type it was built for.
type tagged struct {
	*stub.Backend
	typ Type
}

func (t tagged) Get(_ context.Context, _ string, id string) (*types.Beat, error) {
	return &types.Beat{ID: id, Title: string(t.typ)}, nil
}

type countingFactory struct {
	mu    sync.Mutex
	built map[Type]int
}

func (f *countingFactory) build(t Type) (backend.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.built == nil {
		f.built = make(map[Type]int)
	}
	f.built[t]++
	return tagged{Backend: stub.New(), typ: t}, nil
}

func lookPath(found bool) func(string) (string, error) {
	return func(name string) (string, error) {
		if found {
			return "/usr/bin/" + name, nil
		}
		return "", errors.New("not found")
	}
}

func repoWith(t *testing.T, markers ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, m := range markers {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, m), 0o755))
	}
	return dir
}

func TestRoutingPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		markers []string
		haveBD  bool
		want    Type
	}{
		{"knots wins over beads", []string{KnotsMarker, BeadsMarker}, true, TypeKnots},
		{"beads with bd on path", []string{BeadsMarker}, true, TypeCLI},
		{"beads without bd", []string{BeadsMarker}, false, TypeJSONL},
		{"no markers", nil, true, TypeStub},
		{"marker file is not a directory", nil, true, TypeStub},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &countingFactory{}
			r := New(Options{Factory: f.build, LookPath: lookPath(tt.haveBD)})
			dir := repoWith(t, tt.markers...)
			if tt.name == "marker file is not a directory" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, KnotsMarker), []byte("x"), 0o644))
			}

			res, err := r.Resolve(dir)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Type)

			beat, err := r.Get(context.Background(), dir, "x-1")
			require.NoError(t, err)
			assert.Equal(t, string(tt.want), beat.Title)
		})
	}
}

func TestResolveCachesPerPath(t *testing.T) {
	f := &countingFactory{}
	r := New(Options{Factory: f.build, LookPath: lookPath(true)})
	dir := repoWith(t, BeadsMarker)

	_, err := r.Resolve(dir)
	require.NoError(t, err)
	_, err = r.Resolve(dir + string(filepath.Separator) + ".")
	require.NoError(t, err)
	_, err = r.List(context.Background(), dir, types.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.DetectionCount(), "equivalent paths share one detection")

	r.ClearRepoCache(dir)
	_, err = r.Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.DetectionCount(), "cleared path is detected exactly once more")

	_, err = r.Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.DetectionCount())

	other := repoWith(t)
	_, err = r.Resolve(other)
	require.NoError(t, err)
	r.ClearRepoCache("")
	_, err = r.Resolve(dir)
	require.NoError(t, err)
	_, err = r.Resolve(other)
	require.NoError(t, err)
	assert.Equal(t, int64(5), r.DetectionCount())
}

func TestConcurrentFirstUseDetectsOnce(t *testing.T) {
	f := &countingFactory{}
	r := New(Options{Factory: f.build, LookPath: lookPath(false)})
	dir := repoWith(t, KnotsMarker)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(dir)
			assert.NoError(t, err)
			assert.Equal(t, TypeKnots, res.Type)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), r.DetectionCount())
}

func TestInstancesSharedAcrossRepos(t *testing.T) {
	f := &countingFactory{}
	r := New(Options{Factory: f.build, LookPath: lookPath(false)})
	for i := 0; i < 3; i++ {
		_, err := r.For(repoWith(t, BeadsMarker))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.built[TypeJSONL])
}

func TestNoRepoPathUsesFallback(t *testing.T) {
	f := &countingFactory{}
	r := New(Options{Factory: f.build, Fallback: TypeJSONL})
	res, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, TypeJSONL, res.Type)
	assert.Equal(t, int64(0), r.DetectionCount())
}

func TestForcedDefaultSkipsDetection(t *testing.T) {
	f := &countingFactory{}
	r := New(Options{Factory: f.build, Default: TypeKnots})
	res, err := r.Resolve(repoWith(t, BeadsMarker))
	require.NoError(t, err)
	assert.Equal(t, TypeKnots, res.Type)
	assert.Equal(t, int64(0), r.DetectionCount())
}

func TestDeleteRequiresCapability(t *testing.T) {
	f := &countingFactory{}
	r := New(Options{Factory: f.build})
	err := r.Delete(context.Background(), repoWith(t), "x-1")
	assert.True(t, backend.IsUnsupported(err))
}

func TestUnknownTypeFromDefaultFactory(t *testing.T) {
	r := New(Options{Default: Type("bogus")})
	_, err := r.Resolve(t.TempDir())
	assert.Equal(t, backend.CodeInvalidInput, backend.CodeOf(err))
}

func TestCapabilitiesFollowTheRepository(t *testing.T) {
	r := New(Options{LookPath: lookPath(false)})
	t.Cleanup(func() { _ = r.Shutdown() })

	dir := repoWith(t, BeadsMarker)
	caps := r.CapabilitiesFor(dir)
	assert.True(t, caps.Has(backend.CapCreate))
	assert.True(t, caps.Has(backend.CapManageDependencies))
	assert.False(t, r.Capabilities().Has(backend.CapCreate), "fallback stub is read-only")

	require.NoError(t, backend.RequireFor(r, dir, "apply", backend.CapCreate, backend.CapUpdate, backend.CapManageDependencies))
	assert.True(t, backend.IsUnsupported(backend.RequireFor(r, repoWith(t), "apply", backend.CapCreate)))

	broken := New(Options{Default: Type("bogus")})
	assert.Equal(t, backend.Capabilities{}, broken.CapabilitiesFor(t.TempDir()))
}
