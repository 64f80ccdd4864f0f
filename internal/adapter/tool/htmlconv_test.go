package tool

import (
	"strings"
	"testing"
)

const articlePage = `<!DOCTYPE html>
<html>
<head>
	<title> Release Notes </title>
	<style>body { color: red }</style>
	<script>var tracking = "pixel";</script>
</head>
<body>
	<nav><a href="/">Home navigation</a></nav>
	<header>Site banner</header>
	<article>
		<h1>Version 2.0</h1>
		<p>The release adds <strong>streaming</strong> support.</p>
		<!-- editor note -->
		<ul><li>first change</li><li>second change</li></ul>
		<p>See <a href="https://example.com/docs">the docs</a>.</p>
		<form><button>Subscribe</button></form>
	</article>
	<aside>Related posts</aside>
	<footer>Copyright</footer>
</body>
</html>`

func TestHTMLToMarkdown(t *testing.T) {
	title, md, err := htmlToMarkdown(articlePage)
	if err != nil {
		t.Fatalf("htmlToMarkdown: %v", err)
	}
	if title != "Release Notes" {
		t.Errorf("title = %q", title)
	}
	for _, want := range []string{"Version 2.0", "**streaming**", "first change", "[the docs](https://example.com/docs)"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	for _, unwanted := range []string{"navigation", "banner", "tracking", "color: red", "editor note", "Subscribe", "Related posts", "Copyright"} {
		if strings.Contains(md, unwanted) {
			t.Errorf("markdown contains %q:\n%s", unwanted, md)
		}
	}
	if strings.Contains(md, "\n\n\n") {
		t.Error("blank line runs not collapsed")
	}
}

func TestMainContentSelection(t *testing.T) {
	tests := []struct {
		name string
		page string
		want string
		skip string
	}{
		{
			"main over article",
			`<body><article>teaser</article><main><p>main body</p></main></body>`,
			"main body", "teaser",
		},
		{
			"content hint",
			`<body><div class="sidebar">ads</div><div id="post-content"><p>hinted text</p></div></body>`,
			"hinted text", "ads",
		},
		{
			"body fallback",
			`<body><p>just a paragraph</p></body>`,
			"just a paragraph", "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, md, err := htmlToMarkdown(tt.page)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(md, tt.want) {
				t.Errorf("markdown %q missing %q", md, tt.want)
			}
			if tt.skip != "" && strings.Contains(md, tt.skip) {
				t.Errorf("markdown %q contains %q", md, tt.skip)
			}
		})
	}
}

func TestHTMLToMarkdownNoTitle(t *testing.T) {
	title, md, err := htmlToMarkdown("<p>bare fragment</p>")
	if err != nil {
		t.Fatal(err)
	}
	if title != "" {
		t.Errorf("title = %q", title)
	}
	if md != "bare fragment" {
		t.Errorf("markdown = %q", md)
	}
}
