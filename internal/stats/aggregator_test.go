package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mdagent/internal/requestlog"
)

func TestAggregatorSummary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	started := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	html := NewMemoryStore()
	require.NoError(t, html.Add(ctx, Delta{Requests: 4, Tokens: 4000, ArchiveRequests: 2}, started))

	log := requestlog.NewMemoryStore(nil)
	for _, n := range []int{300, 200} {
		_, err := log.Insert(ctx, requestlog.Entry{EntityID: 1, Tokens: n, CreatedAt: started})
		require.NoError(t, err)
	}

	agg := NewAggregator(html, log)
	sum, err := agg.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, Side{Requests: 4, Tokens: 4000, AverageTokens: 1000}, sum.HTML)
	require.Equal(t, Side{Requests: 2, Tokens: 500, AverageTokens: 250}, sum.Markdown)
	require.Equal(t, int64(2), sum.HTMLArchiveRequests)
	require.NotNil(t, sum.SavingsPercent)
	require.InDelta(t, 75.0, *sum.SavingsPercent, 0.001)
	require.NotNil(t, sum.StartedAt)
	require.Equal(t, started, *sum.StartedAt)
}

func TestAggregatorSavingsRounding(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	html := NewMemoryStore()
	require.NoError(t, html.Add(ctx, Delta{Requests: 3, Tokens: 1000}, time.Unix(0, 0)))
	log := requestlog.NewMemoryStore(nil)
	_, err := log.Insert(ctx, requestlog.Entry{Tokens: 111})
	require.NoError(t, err)

	sum, err := NewAggregator(html, log).Summary(ctx)
	require.NoError(t, err)
	// 1 - 111/333.33 = 0.667
	require.InDelta(t, 66.7, *sum.SavingsPercent, 0.0001)
}

func TestAggregatorResetKeepsMarkdownSide(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	html := NewMemoryStore()
	require.NoError(t, html.Add(ctx, Delta{Requests: 1, Tokens: 10}, time.Now()))
	log := requestlog.NewMemoryStore(nil)
	_, err := log.Insert(ctx, requestlog.Entry{Tokens: 5})
	require.NoError(t, err)

	agg := NewAggregator(html, log)
	require.NoError(t, agg.Reset(ctx))

	sum, err := agg.Summary(ctx)
	require.NoError(t, err)
	require.Zero(t, sum.HTML.Requests)
	require.Nil(t, sum.StartedAt)
	require.Nil(t, sum.SavingsPercent)
	require.Equal(t, int64(1), sum.Markdown.Requests)
}
