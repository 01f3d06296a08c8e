package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articleHTML = `<!DOCTYPE html>
<html>
<head>
	<title>Fallback Title</title>
	<meta property="og:title" content="Understanding Queues">
	<meta property="og:description" content="A long look at job queues.">
	<meta property="og:image" content="/images/banner.png">
	<meta property="og:site_name" content="Example Engineering">
	<meta name="author" content="Jane Roe">
	<meta property="article:published_time" content="2024-03-01T10:00:00Z">
	<link rel="icon" href="/favicon.ico">
</head>
<body>
	<nav>Home | About | Contact</nav>
	<article>
		<h1>Understanding Queues</h1>
		<p>Queues decouple producers from consumers. This paragraph needs to be
		long enough that the readability pruning keeps it as article content
		rather than discarding it as boilerplate along with the navigation.</p>
		<p>Retry budgets bound the damage a failing job can do, while backoff
		spreads the retries out so a struggling dependency gets room to
		recover before the next attempt arrives.</p>
	</article>
	<footer>Copyright 2024</footer>
</body>
</html>`

func TestExtractMetadata(t *testing.T) {
	resp, err := Extract(&Request{
		HTMLContent: articleHTML,
		URL:         "https://example.com/posts/queues",
		JobID:       "job-1",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Metadata)

	meta := resp.Metadata
	assert.Equal(t, "Understanding Queues", meta.Title)
	assert.Equal(t, "A long look at job queues.", meta.Description)
	assert.Equal(t, "https://example.com/images/banner.png", meta.Image, "relative image must resolve against the page")
	assert.Equal(t, "https://example.com/favicon.ico", meta.Logo)
	assert.Equal(t, "Jane Roe", meta.Author)
	assert.Equal(t, "Example Engineering", meta.Publisher)
	assert.Equal(t, "2024-03-01T10:00:00Z", meta.DatePublished)
}

func TestExtractTitleFallsBackToTitleTag(t *testing.T) {
	resp, err := Extract(&Request{
		HTMLContent: `<html><head><title>Plain Title</title></head><body><p>hi</p></body></html>`,
		URL:         "https://example.com/",
	})
	require.NoError(t, err)
	assert.Equal(t, "Plain Title", resp.Metadata.Title)
}

func TestExtractJSONLDFillsGaps(t *testing.T) {
	html := `<html><head>
		<script type="application/ld+json">
		{"@type":"Article","headline":"LD Headline","author":{"name":"LD Author"},
		 "publisher":{"name":"LD Publisher"},"datePublished":"2024-05-05"}
		</script>
	</head><body><p>body</p></body></html>`

	resp, err := Extract(&Request{HTMLContent: html, URL: "https://example.com/"})
	require.NoError(t, err)

	meta := resp.Metadata
	assert.Equal(t, "LD Headline", meta.Title)
	assert.Equal(t, "LD Author", meta.Author)
	assert.Equal(t, "LD Publisher", meta.Publisher)
	assert.Equal(t, "2024-05-05", meta.DatePublished)
}

func TestExtractJSONLDDoesNotOverrideMetaTags(t *testing.T) {
	html := `<html><head>
		<meta property="og:title" content="Tag Title">
		<script type="application/ld+json">{"headline":"LD Headline"}</script>
	</head><body></body></html>`

	resp, err := Extract(&Request{HTMLContent: html, URL: "https://example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "Tag Title", resp.Metadata.Title)
}

func TestExtractReadableContent(t *testing.T) {
	resp, err := Extract(&Request{
		HTMLContent: articleHTML,
		URL:         "https://example.com/posts/queues",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.ReadableContent)

	content := resp.ReadableContent.Content
	assert.Contains(t, content, "Queues decouple producers from consumers")
	assert.NotContains(t, content, "Home | About | Contact", "navigation must be pruned")
}

func TestExtractNoArticleBody(t *testing.T) {
	resp, err := Extract(&Request{
		HTMLContent: `<html><body></body></html>`,
		URL:         "https://example.com/",
	})
	require.NoError(t, err)
	assert.Nil(t, resp.ReadableContent)
}

func TestJSONLDNameShapes(t *testing.T) {
	assert.Equal(t, "plain", jsonLDName([]byte(`"plain"`)))
	assert.Equal(t, "nested", jsonLDName([]byte(`{"name":"nested"}`)))
	assert.Equal(t, "first", jsonLDName([]byte(`[{"name":"first"},{"name":"second"}]`)))
	assert.Equal(t, "", jsonLDName([]byte(`42`)))
	assert.Equal(t, "", jsonLDName(nil))
}
