package negotiation

import (
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/JakeFAU/mdagent/internal/requestlog"
)

// Format is a requested alternate representation.
type Format string

// Supported formats. FormatNone means the client asked for the HTML page.
const (
	FormatNone     Format = ""
	FormatMarkdown Format = "md"
	FormatText     Format = "txt"
)

// FormatParam is the query parameter that selects a format explicitly.
const FormatParam = "format"

// ContentType is the media type served for f.
func (f Format) ContentType() string {
	if f == FormatText {
		return "text/plain"
	}
	return "text/markdown"
}

// Sibling is the other text format, advertised in the alternate Link header.
func (f Format) Sibling() Format {
	if f == FormatText {
		return FormatMarkdown
	}
	return FormatText
}

// RequestedFormat reports the format r asks for and how it asked. The explicit
// parameter wins over the Accept header; any other parameter value is ignored.
func RequestedFormat(r *http.Request) (Format, string) {
	switch Format(r.URL.Query().Get(FormatParam)) {
	case FormatMarkdown:
		return FormatMarkdown, requestlog.MethodFormatParam
	case FormatText:
		return FormatText, requestlog.MethodFormatParam
	}
	if acceptsMarkdown(r.Header.Values("Accept")) {
		return FormatMarkdown, requestlog.MethodAcceptHeader
	}
	return FormatNone, ""
}

func acceptsMarkdown(values []string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil || mediaType != "text/markdown" {
				continue
			}
			if q, ok := params["q"]; ok {
				if f, err := strconv.ParseFloat(q, 64); err == nil && f <= 0 {
					continue
				}
			}
			return true
		}
	}
	return false
}
