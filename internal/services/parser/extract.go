// -----------------------------------------------------------------------
// Document extraction - metadata scraping and readable-content pruning.
// Runs inside the parser subprocess.
// -----------------------------------------------------------------------

package parser

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// Extract parses the document and produces the IPC response. It never
// returns a partial response: metadata extraction failing is a hard error,
// readable-content pruning failing just leaves ReadableContent null.
func Extract(req *Request) (*Response, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(req.HTMLContent))
	if err != nil {
		return nil, fmt.Errorf("document does not parse: %w", err)
	}

	meta := extractMetadata(doc, req.URL)

	resp := &Response{Metadata: meta}
	if content := extractReadableContent(req.HTMLContent, req.URL); content != "" {
		resp.ReadableContent = &ReadableContent{Content: content}
	}
	return resp, nil
}

// extractMetadata scrapes OpenGraph, twitter cards, plain meta tags, and
// JSON-LD basics, in that preference order.
func extractMetadata(doc *goquery.Document, pageURL string) *Metadata {
	meta := &Metadata{}

	meta.Title = firstNonEmpty(
		metaContent(doc, `meta[property="og:title"]`),
		metaContent(doc, `meta[name="twitter:title"]`),
		strings.TrimSpace(doc.Find("title").First().Text()),
	)
	meta.Description = firstNonEmpty(
		metaContent(doc, `meta[property="og:description"]`),
		metaContent(doc, `meta[name="twitter:description"]`),
		metaContent(doc, `meta[name="description"]`),
	)
	meta.Image = resolveURL(pageURL, firstNonEmpty(
		metaContent(doc, `meta[property="og:image"]`),
		metaContent(doc, `meta[name="twitter:image"]`),
	))
	meta.Logo = resolveURL(pageURL, firstNonEmpty(
		linkHref(doc, `link[rel="apple-touch-icon"]`),
		linkHref(doc, `link[rel="icon"]`),
		linkHref(doc, `link[rel="shortcut icon"]`),
	))
	meta.Author = firstNonEmpty(
		metaContent(doc, `meta[name="author"]`),
		metaContent(doc, `meta[property="article:author"]`),
	)
	meta.Publisher = firstNonEmpty(
		metaContent(doc, `meta[property="og:site_name"]`),
		metaContent(doc, `meta[name="application-name"]`),
	)
	meta.DatePublished = firstNonEmpty(
		metaContent(doc, `meta[property="article:published_time"]`),
		metaContent(doc, `meta[name="date"]`),
	)
	meta.DateModified = metaContent(doc, `meta[property="article:modified_time"]`)

	applyJSONLD(doc, meta)

	return meta
}

// jsonLDDocument covers the Article/WebPage fields we care about. JSON-LD
// authors and publishers appear both as plain strings and as nested objects.
type jsonLDDocument struct {
	Type          string          `json:"@type"`
	Headline      string          `json:"headline"`
	Description   string          `json:"description"`
	Image         json.RawMessage `json:"image"`
	Author        json.RawMessage `json:"author"`
	Publisher     json.RawMessage `json:"publisher"`
	DatePublished string          `json:"datePublished"`
	DateModified  string          `json:"dateModified"`
}

func applyJSONLD(doc *goquery.Document, meta *Metadata) {
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var ld jsonLDDocument
		if err := json.Unmarshal([]byte(s.Text()), &ld); err != nil {
			return true // Keep scanning, many pages carry several blocks
		}

		if meta.Title == "" {
			meta.Title = strings.TrimSpace(ld.Headline)
		}
		if meta.Description == "" {
			meta.Description = strings.TrimSpace(ld.Description)
		}
		if meta.Author == "" {
			meta.Author = jsonLDName(ld.Author)
		}
		if meta.Publisher == "" {
			meta.Publisher = jsonLDName(ld.Publisher)
		}
		if meta.DatePublished == "" {
			meta.DatePublished = strings.TrimSpace(ld.DatePublished)
		}
		if meta.DateModified == "" {
			meta.DateModified = strings.TrimSpace(ld.DateModified)
		}
		return true
	})
}

// jsonLDName unwraps a JSON-LD person/organization reference to its name
func jsonLDName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.TrimSpace(asString)
	}
	var asObject struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &asObject); err == nil {
		return strings.TrimSpace(asObject.Name)
	}
	var asList []json.RawMessage
	if err := json.Unmarshal(raw, &asList); err == nil && len(asList) > 0 {
		return jsonLDName(asList[0])
	}
	return ""
}

// extractReadableContent prunes boilerplate with readability and renders the
// surviving article body as markdown. Empty string means no article body.
func extractReadableContent(htmlContent, pageURL string) string {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}

	article, err := readability.FromReader(strings.NewReader(htmlContent), parsedURL)
	if err != nil {
		return ""
	}
	body := strings.TrimSpace(article.Content)
	if body == "" {
		return ""
	}

	converter := md.NewConverter(parsedURL.Host, true, nil)
	markdown, err := converter.ConvertString(body)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(markdown)
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}

func linkHref(doc *goquery.Document, selector string) string {
	href, _ := doc.Find(selector).First().Attr("href")
	return strings.TrimSpace(href)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveURL makes a possibly relative reference absolute against the page
func resolveURL(pageURL, ref string) string {
	if ref == "" {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ref
	}
	resolved, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return resolved.String()
}
