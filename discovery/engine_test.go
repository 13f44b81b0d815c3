package discovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalCandidateId(t *testing.T) {
	cases := map[string]string{
		"r/Camping":                                    "r/camping",
		" https://www.reddit.com/r/Camping/ ":          "r/camping",
		"https://old.reddit.com/r/GoRVing/comments/x1": "r/gorving",
		"/r/vandwellers":                               "r/vandwellers",
		"r/":                                           "",
		"":                                             "",
		"SomeHandle/":                                  "somehandle",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalCandidateId(in), in)
	}
}

func TestTermCandidates_LazyAndRestartable(t *testing.T) {
	proxy := newFakeSearchProxy()
	proxy.results["camping"] = []string{"r/camping", "r/Camping", "r/tentcamping"}
	engine := NewEngine(proxy, 20, 0)

	it := engine.Candidates("camping")
	assert.Equal(t, 0, proxy.calls["camping"])

	collect := func() []string {
		ids := []string{}
		for {
			id, ok, err := it.Next(context.Background())
			require.NoError(t, err)
			if !ok {
				return ids
			}
			ids = append(ids, id)
		}
	}
	assert.Equal(t, []string{"r/camping", "r/tentcamping"}, collect())
	it.Reset()
	assert.Equal(t, []string{"r/camping", "r/tentcamping"}, collect())
	assert.Equal(t, 1, proxy.calls["camping"])
}

func TestTermCandidates_Capped(t *testing.T) {
	proxy := newFakeSearchProxy()
	for i := 0; i < 30; i++ {
		proxy.results["big"] = append(proxy.results["big"], fmt.Sprintf("r/c%d", i))
	}
	candidates, failures := NewEngine(proxy, 20, 0).Discover(context.Background(), []string{"big"})
	assert.Empty(t, failures)
	assert.Len(t, candidates, 20)
}

func TestEngine_RetryOnceThenFail(t *testing.T) {
	proxy := newFakeSearchProxy()
	proxy.results["flaky"] = []string{"r/flaky"}
	proxy.failures["flaky"] = 1
	proxy.results["down"] = []string{"r/down"}
	proxy.failures["down"] = 2

	engine := NewEngine(proxy, 20, 0)

	ids := []string{}
	it := engine.Candidates("flaky")
	for {
		id, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"r/flaky"}, ids)
	assert.Equal(t, 2, proxy.calls["flaky"])

	_, ok, err := engine.Candidates("down").Next(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDiscoveryFailure)
	assert.Equal(t, 2, proxy.calls["down"])
}

func TestEngine_DiscoverToleratesFailedTerms(t *testing.T) {
	proxy := newFakeSearchProxy()
	proxy.results["camping"] = []string{"r/camping", "r/tentcamping"}
	proxy.failures["broken"] = 2
	proxy.results["RV travel"] = []string{"https://www.reddit.com/r/Camping/", "r/rvliving"}

	candidates, failures := NewEngine(proxy, 20, 0).Discover(context.Background(), []string{"camping", "broken", "RV travel"})
	assert.Equal(t, []string{"r/camping", "r/tentcamping", "r/rvliving"}, candidates)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures["broken"], ErrDiscoveryFailure)
}
