package tool

import (
	"bytes"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// noiseElements never carry page content worth sending to a model.
var noiseElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Head:     true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Nav:      true,
	atom.Aside:    true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Form:     true,
	atom.Button:   true,
}

var contentHints = []string{"content", "article", "post", "entry", "story", "main"}

// htmlToMarkdown extracts the page title and converts the main content of
// an HTML document to markdown.
func htmlToMarkdown(raw string) (title, markdown string, err error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", "", err
	}
	title = strings.TrimSpace(textOf(findFirst(doc, atom.Title)))

	root := mainContent(doc)
	prune(root)

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return title, "", err
	}
	md, err := htmltomarkdown.ConvertString(buf.String())
	if err != nil {
		return title, "", err
	}
	md = blankRuns.ReplaceAllString(md, "\n\n")
	return title, strings.TrimSpace(md), nil
}

// mainContent picks <main>, then <article>, then an element whose id or
// class suggests content, then <body>.
func mainContent(doc *html.Node) *html.Node {
	if n := findFirst(doc, atom.Main); n != nil {
		return n
	}
	if n := findFirst(doc, atom.Article); n != nil {
		return n
	}
	if n := findNode(doc, hasContentHint); n != nil {
		return n
	}
	if n := findFirst(doc, atom.Body); n != nil {
		return n
	}
	return doc
}

func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode || (c.Type == html.ElementNode && noiseElements[c.DataAtom]) {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
	}
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	return findNode(n, func(n *html.Node) bool { return n.Type == html.ElementNode && n.DataAtom == a })
}

func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func hasContentHint(n *html.Node) bool {
	if n.Type != html.ElementNode || n.DataAtom == atom.Body || n.DataAtom == atom.Html {
		return false
	}
	for _, attr := range n.Attr {
		if attr.Key != "id" && attr.Key != "class" {
			continue
		}
		val := strings.ToLower(attr.Val)
		for _, hint := range contentHints {
			if strings.Contains(val, hint) {
				return true
			}
		}
	}
	return false
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
