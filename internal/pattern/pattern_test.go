package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatching(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"order.created", "order.created", true},
		{"order.created", "order.updated", false},
		{"order.created", "Order.Created", false},
		{"order.*", "order.created", true},
		{"order.*", "order.created.eu", false},
		{"order.*", "order", false},
		{"*.created", "order.created", true},
		{"*.created", "user.created", true},
		{"*.created", "created", false},
		{"order.**", "order.created", true},
		{"order.**", "order.created.eu.west", true},
		{"order.**", "payment.created", false},
		{"order.*.eu", "order.created.eu", true},
		{"order.*.eu", "order.created.us", false},
		{"*", "anything", true},
		{"*", "any.thing.at.all", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" vs "+tt.topic, func(t *testing.T) {
			got, err := MatchTopic(tt.pattern, tt.topic)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyMatching(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"user:123:age", "user:123:age", true},
		{"user:*:age", "user:123:age", true},
		{"user:*:age", "user:123:name", false},
		{"user:*", "user:123", true},
		{"user:*", "user:123:age", false},
		{"user:**", "user:123:age", true},
		{"order:*:status", "order:9:status", true},
		{"*", "user:123", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" vs "+tt.key, func(t *testing.T) {
			got, err := MatchKey(tt.pattern, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTailGlobMatchesZeroRemaining(t *testing.T) {
	// "order.**" requires the fixed prefix only; "order" itself has the
	// prefix and zero remaining segments.
	got, err := MatchTopic("order.**", "order")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCompileRejectsMalformedPatterns(t *testing.T) {
	for _, p := range []string{"", "order..created", "order.**.created", "ord*er.created"} {
		_, err := CompileTopic(p)
		assert.Error(t, err, "pattern %q", p)
	}
}

func TestCompileReturnsCachedMatcher(t *testing.T) {
	a, err := CompileTopic("cache.test.*")
	require.NoError(t, err)
	b, err := CompileTopic("cache.test.*")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestSeparatorsAreIndependent(t *testing.T) {
	// The same source pattern compiled per separator must not collide.
	topic, err := Compile("a.b:c", TopicSep)
	require.NoError(t, err)
	key, err := Compile("a.b:c", KeySep)
	require.NoError(t, err)

	assert.True(t, topic.Matches("a.b:c"))
	assert.True(t, key.Matches("a.b:c"))
	assert.NotSame(t, topic, key)
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"order.created", "order.created", true},
		{"order.created", "order.updated", false},
		{"order.*", "*.created", true},
		{"order.*", "payment.*", false},
		{"order.*", "order.created.eu", false},
		{"order.**", "order.created.eu", true},
		{"order.**", "payment.**", false},
		{"order.**", "*.created", true},
		{"*", "payment.settled", true},
		{"*", "order.**", true},
	}
	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			a, err := CompileTopic(tt.a)
			require.NoError(t, err)
			b, err := CompileTopic(tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Overlaps(b))
			assert.Equal(t, tt.want, b.Overlaps(a), "overlap must be symmetric")
		})
	}
}

func TestOverlapsAcrossSeparators(t *testing.T) {
	topic, err := CompileTopic("*")
	require.NoError(t, err)
	key, err := CompileKey("*")
	require.NoError(t, err)
	assert.False(t, topic.Overlaps(key))
}

func TestIsLiteral(t *testing.T) {
	lit, err := CompileTopic("order.created")
	require.NoError(t, err)
	assert.True(t, lit.IsLiteral())

	wild, err := CompileTopic("order.*")
	require.NoError(t, err)
	assert.False(t, wild.IsLiteral())

	all, err := CompileTopic("*")
	require.NoError(t, err)
	assert.False(t, all.IsLiteral())
}
