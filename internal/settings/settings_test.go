package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ParallelismCollections, s.Parallelism)
	assert.NotEmpty(t, s.MaxParallelThreads)
	assert.NoError(t, s.Validate())
}

func TestLoadFull(t *testing.T) {
	path := writeSettings(t, `
filters:
  include_classes: [PaymentTests, RefundTests]
  exclude_methods: [SlowPath]
  include_traits:
    category: [fast, smoke]
parallelism: all
max_parallel_threads: unlimited
pre_enumerate_theories: true
culture: de-DE
diagnostics: true
stop_on_fail: true
`)

	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	assert.Equal(t, []string{"PaymentTests", "RefundTests"}, s.Filters.IncludeClasses)
	assert.Equal(t, []string{"fast", "smoke"}, s.Filters.IncludeTraits["category"])
	assert.Equal(t, ParallelismAll, s.Parallelism)
	assert.True(t, s.StopOnFail)
	assert.Equal(t, "de-DE", s.Culture)
}

func TestLoadMalformed(t *testing.T) {
	path := writeSettings(t, "filters: [not: a: map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadParallelism(t *testing.T) {
	s := Default()
	s.Parallelism = "everything"
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parallelism")
}

func TestResolveMaxThreads(t *testing.T) {
	tests := []struct {
		value   string
		numCPU  int
		want    int
		wantErr bool
	}{
		{"8", 4, 8, false},
		{"unlimited", 4, -1, false},
		{"", 4, -1, false},
		{"2x", 4, 8, false},
		{"0.5x", 8, 4, false},
		{"0.1x", 4, 1, false}, // rounds up to at least one thread
		{"0", 4, 0, true},
		{"-2", 4, 0, true},
		{"banana", 4, 0, true},
		{"0x", 4, 0, true},
	}

	for _, tt := range tests {
		s := &RunSettings{MaxParallelThreads: tt.value}
		got, err := s.ResolveMaxThreads(tt.numCPU)
		if tt.wantErr {
			assert.Error(t, err, "value %q", tt.value)
			continue
		}
		require.NoError(t, err, "value %q", tt.value)
		assert.Equal(t, tt.want, got, "value %q", tt.value)
	}
}

func TestRunRequestCarriesSettings(t *testing.T) {
	s := Default()
	s.Parallelism = ParallelismNone
	s.MaxParallelThreads = "2"
	s.StopOnFail = true
	s.Filters.IncludeNamespaces = []string{"Billing"}

	req, err := s.RunRequest()
	require.NoError(t, err)
	assert.Equal(t, ParallelismNone, req.Parallelism)
	assert.Equal(t, 2, req.MaxParallelThreads)
	assert.True(t, req.StopOnFail)
	assert.Equal(t, []string{"Billing"}, req.Filters.IncludeNamespaces)
}

func TestFindRequestCarriesFilters(t *testing.T) {
	s := Default()
	s.Filters.ExcludeClasses = []string{"Flaky"}
	s.PreEnumerateTheories = true

	req := s.FindRequest()
	assert.Equal(t, []string{"Flaky"}, req.Filters.ExcludeClasses)
	assert.True(t, req.PreEnumerateTheories)
}
