package intercept

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"cinerelay/internal/upstream"
)

var (
	absURLPattern = regexp.MustCompile(`https?://[^\s"'<>` + "`" + `]+`)
	mediaAttrs    = []string{"src", "data-src", "data-url", "data-file"}
)

// ScanDocument lists candidate media URLs found in an upstream document.
func ScanDocument(doc upstream.Document) []string {
	base, _ := url.Parse(doc.URL)
	switch doc.Kind {
	case upstream.KindManifest:
		return []string{doc.URL}
	case upstream.KindHTML:
		return ScanHTML(doc.Body, base)
	case upstream.KindJSON:
		return scanText(string(doc.Body))
	}
	return nil
}

// ScanHTML walks media elements and inline scripts. Relative element URLs are
// resolved against base.
func ScanHTML(body []byte, base *url.URL) []string {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || seen[raw] {
			return
		}
		if _, ok := Classify(raw); !ok {
			return
		}
		seen[raw] = true
		out = append(out, raw)
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Video, atom.Source, atom.Audio:
				for _, a := range n.Attr {
					for _, name := range mediaAttrs {
						if a.Key == name {
							add(resolve(base, a.Val))
						}
					}
				}
			case atom.Script:
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					if c.Type == html.TextNode {
						for _, u := range scanText(c.Data) {
							add(u)
						}
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// scanText pulls absolute media URLs out of script or JSON text, including
// the escaped-slash form JSON encoders emit.
func scanText(s string) []string {
	s = strings.ReplaceAll(s, `\/`, `/`)
	var out []string
	for _, m := range absURLPattern.FindAllString(s, -1) {
		m = strings.TrimRight(m, `),;\`)
		if _, ok := Classify(m); ok {
			out = append(out, m)
		}
	}
	return out
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}
