package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	c := NewDefault()
	testCases := []struct {
		name     string
		ua       string
		wantType Category
		wantName string
	}{
		{
			"gptbot",
			"Mozilla/5.0 AppleWebKit/537.36 (KHTML, like Gecko; compatible; GPTBot/1.2; +https://openai.com/gptbot)",
			AIBot, "GPTBot",
		},
		{"claude lowercase", "claudebot/1.0", AIBot, "ClaudeBot"},
		{
			"googlebot",
			"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
			SearchCrawler, "Googlebot",
		},
		{"bing", "Mozilla/5.0 (compatible; bingbot/2.0)", SearchCrawler, "Bingbot"},
		{"tool crawler", "facebookexternalhit/1.1", ToolCrawler, "facebookexternalhit"},
		{"curl", "curl/8.4.0", ToolCrawler, "curl"},
		{"generic spider", "SomeNewSpider/0.1", Crawler, NameOtherBot},
		{
			"browser",
			"Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
			Browser, NameBrowser,
		},
		{"unknown", "custom-client", Unknown, NameUnknown},
		{"empty", "", Unknown, NameUnknown},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := c.Classify(tc.ua)
			require.Equal(t, tc.wantType, got.Type)
			require.Equal(t, tc.wantName, got.Name)
		})
	}
}

func TestClassifyListOrderDecidesPriority(t *testing.T) {
	t.Parallel()

	// A name present in both the AI and search lists must resolve to the AI list.
	c := New([]string{"DualBot"}, []string{"DualBot", "Other"}, nil)
	require.Equal(t, Result{Type: AIBot, Name: "DualBot"}, c.Classify("DualBot/1.0"))

	// Search crawlers win over tool crawlers.
	c = New(nil, []string{"Shared"}, []string{"Shared"})
	require.Equal(t, SearchCrawler, c.Classify("shared-agent").Type)
}

func TestClassifyIgnoresBlankNames(t *testing.T) {
	t.Parallel()

	c := New([]string{"", "  "}, nil, nil)
	require.Equal(t, Unknown, c.Classify("anything").Type)
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	got, ok := ParseCategory("ai_bot")
	require.True(t, ok)
	require.Equal(t, AIBot, got)

	_, ok = ParseCategory("robot")
	require.False(t, ok)
}

func FuzzClassifyDeterministic(f *testing.F) {
	for _, seed := range []string{"", "GPTBot", "Mozilla/5.0", "spider", "\x00\xff"} {
		f.Add(seed)
	}
	c := NewDefault()
	f.Fuzz(func(t *testing.T, ua string) {
		first := c.Classify(ua)
		second := c.Classify(ua)
		if first != second {
			t.Fatalf("Classify(%q) not deterministic: %v vs %v", ua, first, second)
		}
		if _, ok := ParseCategory(string(first.Type)); !ok {
			t.Fatalf("Classify(%q) returned unknown category %q", ua, first.Type)
		}
	})
}
