package router

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/bosun/internal/config"
	"github.com/harrison/bosun/internal/models"
	"github.com/harrison/bosun/internal/registry"
)

func newRegistry(t *testing.T, entries ...config.ExecutorConfig) *registry.Registry {
	t.Helper()
	r, err := registry.New(entries)
	require.NoError(t, err)
	return r
}

func threeProfiles(t *testing.T) *registry.Registry {
	return newRegistry(t,
		config.ExecutorConfig{Name: "codex-main", Executor: "CODEX", Weight: 5},
		config.ExecutorConfig{Name: "claude-backup", Executor: "CLAUDE", Weight: 3},
		config.ExecutorConfig{Name: "gemini-third", Executor: "GEMINI", Weight: 2},
	)
}

func testRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestPrimaryOnlyPicksPrimaryFirst(t *testing.T) {
	rt := New(threeProfiles(t), DistributionPrimaryOnly, FailoverNextInLine, DefaultPolicy(), WithRand(testRand()))

	candidates := rt.Pick(&models.Task{Title: "do something"})
	require.NotEmpty(t, candidates)
	assert.Equal(t, "codex-main", candidates[0].Name)

	// Failover order follows role priority.
	require.Len(t, candidates, 3)
	assert.Equal(t, "claude-backup", candidates[1].Name)
	assert.Equal(t, "gemini-third", candidates[2].Name)
}

func TestRoundRobinRotates(t *testing.T) {
	rt := New(threeProfiles(t), DistributionRoundRobin, FailoverNextInLine, DefaultPolicy(), WithRand(testRand()))

	first := rt.Pick(nil)[0].Name
	second := rt.Pick(nil)[0].Name
	third := rt.Pick(nil)[0].Name
	fourth := rt.Pick(nil)[0].Name

	assert.Equal(t, []string{"codex-main", "claude-backup", "gemini-third"}, []string{first, second, third})
	assert.Equal(t, "codex-main", fourth, "cursor wraps")
}

func TestMaxRetriesCapsCandidates(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxRetries = 1
	rt := New(threeProfiles(t), DistributionPrimaryOnly, FailoverNextInLine, policy, WithRand(testRand()))

	candidates := rt.Pick(nil)
	assert.Len(t, candidates, 2, "initial pick plus one retry")
}

func TestDisabledProfileSkipped(t *testing.T) {
	reg := threeProfiles(t)
	now := time.Now()
	rt := New(reg, DistributionPrimaryOnly, FailoverNextInLine, DefaultPolicy(),
		WithRand(testRand()), WithClock(func() time.Time { return now }))

	// Three consecutive failures disable the primary for five minutes.
	assert.False(t, rt.ReportFailure("codex-main"))
	assert.False(t, rt.ReportFailure("codex-main"))
	assert.True(t, rt.ReportFailure("codex-main"))

	candidates := rt.Pick(nil)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "claude-backup", candidates[0].Name)

	// After the cooldown the primary returns.
	now = now.Add(6 * time.Minute)
	candidates = rt.Pick(nil)
	assert.Equal(t, "codex-main", candidates[0].Name)
}

func TestReportSuccessResetsCounter(t *testing.T) {
	rt := New(threeProfiles(t), DistributionPrimaryOnly, FailoverNextInLine, DefaultPolicy(), WithRand(testRand()))

	rt.ReportFailure("codex-main")
	rt.ReportFailure("codex-main")
	rt.ReportSuccess("codex-main")
	assert.False(t, rt.ReportFailure("codex-main"), "counter restarted after success")
}

func TestAllDisabledYieldsEmpty(t *testing.T) {
	reg := newRegistry(t, config.ExecutorConfig{Name: "only", Executor: "CODEX"})
	now := time.Now()
	policy := DefaultPolicy()
	policy.DisableOnConsecutiveFailures = 1
	rt := New(reg, DistributionPrimaryOnly, FailoverNextInLine, policy,
		WithRand(testRand()), WithClock(func() time.Time { return now }))

	rt.ReportFailure("only")
	assert.Empty(t, rt.Pick(nil))
}

func TestScopeMatchingOverridesDistribution(t *testing.T) {
	reg := newRegistry(t,
		config.ExecutorConfig{Name: "codex-main", Executor: "CODEX"},
		config.ExecutorConfig{Name: "api-claude", Executor: "CLAUDE"},
	)
	rt := New(reg, DistributionPrimaryOnly, FailoverNextInLine, DefaultPolicy(), WithRand(testRand()))

	candidates := rt.Pick(&models.Task{Title: "feat(api): add pagination"})
	require.NotEmpty(t, candidates)
	assert.Equal(t, "api-claude", candidates[0].Name)
}

// Property 5: the empirical weighted pick distribution converges to the
// normalized weights (chi-squared over 1e5 draws, 2 degrees of freedom).
func TestWeightedDistributionConverges(t *testing.T) {
	rt := New(threeProfiles(t), DistributionWeighted, FailoverNextInLine, DefaultPolicy(), WithRand(testRand()))

	const draws = 100000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		counts[rt.Pick(nil)[0].Name]++
	}

	expected := map[string]float64{
		"codex-main":    draws * 5.0 / 10.0,
		"claude-backup": draws * 3.0 / 10.0,
		"gemini-third":  draws * 2.0 / 10.0,
	}

	chi2 := 0.0
	for name, exp := range expected {
		diff := float64(counts[name]) - exp
		chi2 += diff * diff / exp
	}
	// 99.9th percentile of chi-squared with 2 degrees of freedom.
	assert.Less(t, chi2, 13.82, "counts=%v chi2=%v", counts, chi2)
	assert.False(t, math.IsNaN(chi2))
}

func TestWeightedRandomFailoverCoversAll(t *testing.T) {
	rt := New(threeProfiles(t), DistributionPrimaryOnly, FailoverWeightedRandom, DefaultPolicy(), WithRand(testRand()))

	candidates := rt.Pick(nil)
	require.Len(t, candidates, 3)
	seen := map[string]bool{}
	for _, c := range candidates {
		seen[c.Name] = true
	}
	assert.Len(t, seen, 3, "no duplicates in candidate order")
}

func TestUnknownModesFallBackToDefaults(t *testing.T) {
	rt := New(threeProfiles(t), "chaotic", "vibes", DefaultPolicy(), WithRand(testRand()))
	candidates := rt.Pick(nil)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "codex-main", candidates[0].Name)
}
