package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"HTTPS://EC.Europa.eu:443/info/feedback_en?p_id=1&page=2#top", "https://ec.europa.eu/info/feedback_en?p_id=1&page=2"},
		{"http://ec.europa.eu:80/a", "http://ec.europa.eu/a"},
		{"  https://ec.europa.eu/a?b=1&a=2  ", "https://ec.europa.eu/a?a=2&b=1"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestQueueAcceptsEachURLOnce(t *testing.T) {
	q := New()
	assert.True(t, q.Add(Item{URL: "https://ec.europa.eu/list?page=0", Kind: "listing"}))
	assert.False(t, q.Add(Item{URL: "https://EC.europa.eu/list?page=0#x", Kind: "listing"}))
	assert.True(t, q.Add(Item{URL: "https://ec.europa.eu/F1_en", Kind: "detail"}))
	assert.Equal(t, 2, q.Len())

	first, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "listing", first.Kind)

	// processed items stay visited
	assert.False(t, q.Add(Item{URL: "https://ec.europa.eu/list?page=0"}))
	assert.True(t, q.IsVisited("https://ec.europa.eu/list?page=0"))

	second, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "https://ec.europa.eu/F1_en", second.URL)

	_, ok = q.Next()
	assert.False(t, ok)
	assert.Equal(t, 2, q.VisitedCount())
}

func TestQueueRejectsUnparsable(t *testing.T) {
	q := New()
	assert.False(t, q.Add(Item{URL: "http://[::1"}))
	assert.Equal(t, 0, q.Len())
}
