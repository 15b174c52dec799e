// Package opml reads and writes harvest source lists as OPML.
//
// Folders map to entry types and feed outlines to container nicknames:
//
//	<outline text="Baidu">
//	  <outline text="MMD Teiba" type="rss" xmlUrl="https://..."/>
//	</outline>
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bryan-buckman/subscriptiondb/internal/model"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a folder or a feed.
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Parse reads an OPML document into harvest sources. Nested folder names are joined with
// "/" to form the type; feeds outside any folder get defaultType. Feeds without a name use
// their URL as nickname.
func Parse(r io.Reader, defaultType string) ([]model.Source, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var sources []model.Source
	var walk func(outlines []Outline, path []string)
	walk = func(outlines []Outline, path []string) {
		for _, o := range outlines {
			switch {
			case o.XMLURL != "":
				typ := defaultType
				if len(path) > 0 {
					typ = strings.Join(path, "/")
				}
				sources = append(sources, model.Source{
					Type:     typ,
					Nickname: firstNonEmpty(o.Title, o.Text, o.XMLURL),
					URL:      o.XMLURL,
				})
			case len(o.Outlines) > 0:
				walk(o.Outlines, append(path[:len(path):len(path)], firstNonEmpty(o.Text, o.Title)))
			}
		}
	}
	walk(doc.Body.Outlines, nil)
	return sources, nil
}

// Export renders sources as an OPML document with one folder per type. Folders and feeds are
// sorted so the output is stable.
func Export(title string, sources []model.Source, created time.Time) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: created.Format(time.RFC1123Z),
		},
	}

	byType := make(map[string][]Outline)
	for _, s := range sources {
		byType[s.Type] = append(byType[s.Type], Outline{
			Text:   s.Nickname,
			Title:  s.Nickname,
			Type:   "rss",
			XMLURL: s.URL,
		})
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		feeds := byType[t]
		sort.SliceStable(feeds, func(i, j int) bool { return feeds[i].Text < feeds[j].Text })
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{Text: t, Title: t, Outlines: feeds})
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode opml: %w", err)
	}
	return append([]byte(xml.Header), output...), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
