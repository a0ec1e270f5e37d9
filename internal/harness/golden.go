package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// RunGolden loads the scenario at path, runs it, and compares the
// canonical result against testdata/golden/<scenario name>.golden.
// Inline expectations must pass before the snapshot is compared, so a
// stale golden never masks a behavioral regression.
//
// Regenerate snapshots with:
//
//	go test ./internal/harness -update
func RunGolden(t *testing.T, path string) *Result {
	t.Helper()

	s, err := LoadScenario(path)
	require.NoError(t, err)

	res, err := Run(s)
	require.NoError(t, err)
	for _, msg := range res.Errors {
		t.Error(msg)
	}
	if len(res.Errors) > 0 {
		t.FailNow()
	}

	buf, err := res.Canonical()
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, s.Name, buf)
	return res
}
