package core

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// extract.go is the crawler's default Extractor: a streaming HTML walk that
// collects visible text and outbound links, plus the <link rel=canonical>
// href the dedup pipeline prefers over the fetched URL.

// HTMLExtractor implements Extractor over golang.org/x/net/html.
type HTMLExtractor struct{}

// NewHTMLExtractor returns the default text/link extractor.
func NewHTMLExtractor() *HTMLExtractor { return &HTMLExtractor{} }

var skipTextTags = map[string]struct{}{
	"script": {}, "style": {}, "noscript": {}, "template": {},
}

// Extract walks body as HTML and returns its visible text and outbound
// links exactly as declared in href attributes (the caller resolves them
// against the page's own URL before following or scoring them). ok is false
// if body could not be parsed as HTML at all, in which case the caller
// should treat the page as non-indexable.
func (e *HTMLExtractor) Extract(body []byte, contentType string) (text string, outLinks []string, ok bool) {
	if !strings.Contains(contentType, "html") && len(body) > 0 && !looksLikeHTML(body) {
		return "", nil, false
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", nil, false
	}
	var buf strings.Builder
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if _, skip := skipTextTags[n.Data]; skip {
				return
			}
			if n.Data == "a" {
				if href := attr(n, "href"); href != "" {
					links = append(links, href)
				}
			}
		}
		if n.Type == html.TextNode {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				buf.WriteString(trimmed)
				buf.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return buf.String(), links, true
}

// CanonicalLink returns the <link rel="canonical" href="..."> target, or ""
// if the document doesn't declare one.
func (e *HTMLExtractor) CanonicalLink(body []byte, base string) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var found string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "link" && attr(n, "rel") == "canonical" {
			if href := attr(n, "href"); href != "" {
				found = resolveAgainst(base, href)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func resolveAgainst(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}

func looksLikeHTML(body []byte) bool {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	lower := strings.ToLower(string(head))
	return strings.Contains(lower, "<html") || strings.Contains(lower, "<!doctype html") || strings.Contains(lower, "<body")
}
