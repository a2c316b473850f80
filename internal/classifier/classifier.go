// Package classifier maps User-Agent strings to coarse client categories.
//
// Matching is an ordered list of (category, names) rules evaluated in priority
// order: AI bots, then search crawlers, then tool crawlers. Each name is tested as a
// case-insensitive substring of the User-Agent. When no configured name matches, a
// generic bot token test yields Crawler, a browser token test yields Browser, and
// anything else is Unknown.
package classifier

import (
	"regexp"
	"strings"
)

// Category is the coarse class assigned to a client.
type Category string

// Known categories, in the order they are reported on dashboards.
const (
	AIBot         Category = "ai_bot"
	SearchCrawler Category = "search_crawler"
	ToolCrawler   Category = "tool_crawler"
	Crawler       Category = "crawler"
	Browser       Category = "browser"
	Unknown       Category = "unknown"
)

// Display names used when no configured bot name matched.
const (
	NameOtherBot = "Other bot"
	NameBrowser  = "Browser"
	NameUnknown  = "Unknown"
)

var (
	genericBotPattern     = regexp.MustCompile(`(?i)(bot|crawler|spider|scraper)`)
	genericBrowserPattern = regexp.MustCompile(`(?i)(mozilla|chrome|safari|firefox|edge|opera)`)
)

// Default name lists, used when configuration leaves a list empty.
var (
	DefaultAIBots = []string{
		"GPTBot", "OAI-SearchBot", "ChatGPT-User", "ClaudeBot", "Claude-User",
		"Claude-SearchBot", "anthropic-ai", "Google-Extended", "CCBot", "Bytespider",
		"Amazonbot", "PerplexityBot", "Perplexity-User", "Applebot-Extended",
		"meta-externalagent", "cohere-ai", "Diffbot", "YouBot",
	}
	DefaultSearchCrawlers = []string{
		"Googlebot", "Bingbot", "Slurp", "YandexBot", "DuckDuckBot", "Baiduspider",
		"Applebot", "PetalBot", "SeznamBot", "Qwantify",
	}
	DefaultToolCrawlers = []string{
		"GoogleOther", "facebookexternalhit", "Twitterbot", "LinkedInBot", "Slackbot",
		"Discordbot", "TelegramBot", "WhatsApp", "AhrefsBot", "SemrushBot", "MJ12bot",
		"DotBot", "curl", "Wget", "python-requests", "Go-http-client",
	}
)

// Result is the outcome of classifying a User-Agent.
type Result struct {
	Type Category `json:"type"`
	Name string   `json:"name"`
}

type rule struct {
	category Category
	names    []string
	lowered  []string
}

// Classifier is an immutable, concurrency-safe User-Agent classifier.
type Classifier struct {
	rules []rule
}

// New builds a Classifier from the three configured name lists. Blank entries are
// ignored; the order inside each list decides which name wins when several match.
func New(aiBots, searchCrawlers, toolCrawlers []string) *Classifier {
	return &Classifier{
		rules: []rule{
			newRule(AIBot, aiBots),
			newRule(SearchCrawler, searchCrawlers),
			newRule(ToolCrawler, toolCrawlers),
		},
	}
}

// NewDefault builds a Classifier from the built-in name lists.
func NewDefault() *Classifier {
	return New(DefaultAIBots, DefaultSearchCrawlers, DefaultToolCrawlers)
}

func newRule(category Category, names []string) rule {
	r := rule{category: category}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		r.names = append(r.names, name)
		r.lowered = append(r.lowered, strings.ToLower(name))
	}
	return r
}

// Classify returns the category and display name for userAgent.
func (c *Classifier) Classify(userAgent string) Result {
	if strings.TrimSpace(userAgent) == "" {
		return Result{Type: Unknown, Name: NameUnknown}
	}
	ua := strings.ToLower(userAgent)
	for _, r := range c.rules {
		for i, needle := range r.lowered {
			if strings.Contains(ua, needle) {
				return Result{Type: r.category, Name: r.names[i]}
			}
		}
	}
	if genericBotPattern.MatchString(ua) {
		return Result{Type: Crawler, Name: NameOtherBot}
	}
	if genericBrowserPattern.MatchString(ua) {
		return Result{Type: Browser, Name: NameBrowser}
	}
	return Result{Type: Unknown, Name: NameUnknown}
}

// Categories lists every category in reporting order.
func Categories() []Category {
	return []Category{AIBot, SearchCrawler, ToolCrawler, Crawler, Browser, Unknown}
}

// ParseCategory validates a category name taken from user input.
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories() {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}
