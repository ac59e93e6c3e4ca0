// Package bundle renders the files published in an owner's root
// directory.
package bundle

import (
	"bytes"
	"fmt"
	"github.com/cpacia/feedpinner/repo"
	"github.com/cpacia/feedpinner/store"
	"github.com/gorilla/feeds"
	"html/template"
	"time"
)

const (
	IndexFile = "index.html"
	RSSFile   = "feed.xml"
	AtomFile  = "atom.xml"
	JSONFile  = "feed.json"

	DefaultGateway = "dweb.link"
)

// Site is the input of one bundle build. Entries are ordered most recent
// first.
type Site struct {
	Owner   *repo.Owner
	Entries []repo.Entry
	// WebHost is the host the site is served from. The gateway path of
	// the owner handle is used when empty.
	WebHost string
}

// Builder renders the files of a site. Builds are pure: the same site
// always renders the same bytes.
type Builder interface {
	BuildFeedFiles(site Site) ([]store.File, error)
	BuildActivityPubFiles(site Site) ([]store.File, error)
}

// Default renders the built-in templates.
type Default struct {
	Gateway string
}

// NewDefault returns a builder linking assets through gateway.
func NewDefault(gateway string) *Default {
	if gateway == "" {
		gateway = DefaultGateway
	}
	return &Default{Gateway: gateway}
}

func (d *Default) assetURL(c string) string {
	if c == "" {
		return ""
	}
	return fmt.Sprintf("https://%s/ipfs/%s", d.Gateway, c)
}

func (d *Default) baseURL(site Site) string {
	if site.WebHost != "" {
		return "https://" + site.WebHost
	}
	return fmt.Sprintf("https://%s/ipns/%s", d.Gateway, site.Owner.Handle)
}

// updated returns the time of the newest entry.
func updated(entries []repo.Entry) time.Time {
	var t time.Time
	for _, e := range entries {
		if e.CreatedAt.After(t) {
			t = e.CreatedAt
		}
	}
	return t.UTC()
}

func displayName(o *repo.Owner) string {
	if o.DisplayName != "" {
		return o.DisplayName
	}
	return o.Handle
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Name}}</title>
<link rel="alternate" type="application/rss+xml" href="feed.xml">
<link rel="alternate" type="application/atom+xml" href="atom.xml">
<link rel="alternate" type="application/feed+json" href="feed.json">
</head>
<body>
{{if .Cover}}<img class="cover" src="{{.Cover}}" alt="">{{end}}
<header>
{{if .Avatar}}<img class="avatar" src="{{.Avatar}}" alt="">{{end}}
<h1>{{.Name}}</h1>
{{if .About}}<p>{{.About}}</p>{{end}}
</header>
<main>
{{range .Entries}}<article>
<h2><a href="./{{.Slug}}">{{.Title}}</a></h2>
<time datetime="{{.Date}}">{{.Date}}</time>
{{if .Summary}}<p>{{.Summary}}</p>{{end}}
</article>
{{end}}</main>
</body>
</html>
`))

type indexEntry struct {
	Slug    string
	Title   string
	Summary string
	Date    string
}

type indexPage struct {
	Name    string
	About   string
	Avatar  string
	Cover   string
	Entries []indexEntry
}

func (d *Default) buildIndex(site Site) ([]byte, error) {
	page := indexPage{
		Name:   displayName(site.Owner),
		About:  site.Owner.About,
		Avatar: d.assetURL(site.Owner.AvatarCID),
		Cover:  d.assetURL(site.Owner.CoverCID),
	}
	for _, e := range site.Entries {
		page.Entries = append(page.Entries, indexEntry{
			Slug:    e.Slug,
			Title:   e.Title,
			Summary: e.Summary,
			Date:    e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, page); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Default) feed(site Site) *feeds.Feed {
	base := d.baseURL(site)
	ts := updated(site.Entries)
	f := &feeds.Feed{
		Title:       displayName(site.Owner),
		Link:        &feeds.Link{Href: base + "/"},
		Description: site.Owner.About,
		Author:      &feeds.Author{Name: displayName(site.Owner)},
		Id:          base + "/",
		Created:     ts,
		Updated:     ts,
	}
	if avatar := d.assetURL(site.Owner.AvatarCID); avatar != "" {
		f.Image = &feeds.Image{Url: avatar, Title: f.Title, Link: f.Link.Href}
	}
	for _, e := range site.Entries {
		link := fmt.Sprintf("%s/%s", base, e.Slug)
		f.Items = append(f.Items, &feeds.Item{
			Title:       e.Title,
			Link:        &feeds.Link{Href: link},
			Description: e.Summary,
			Id:          link,
			Created:     e.CreatedAt.UTC(),
			Updated:     e.CreatedAt.UTC(),
		})
	}
	return f
}

// BuildFeedFiles renders the index page and the RSS, Atom and JSON
// feeds.
func (d *Default) BuildFeedFiles(site Site) ([]store.File, error) {
	if site.Owner == nil {
		return nil, fmt.Errorf("site has no owner")
	}
	index, err := d.buildIndex(site)
	if err != nil {
		return nil, fmt.Errorf("render index: %w", err)
	}

	f := d.feed(site)
	rss, err := f.ToRss()
	if err != nil {
		return nil, fmt.Errorf("render rss: %w", err)
	}
	atom, err := f.ToAtom()
	if err != nil {
		return nil, fmt.Errorf("render atom: %w", err)
	}
	jsonFeed, err := f.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("render json feed: %w", err)
	}

	return []store.File{
		{Path: IndexFile, Content: index},
		{Path: RSSFile, Content: []byte(rss)},
		{Path: AtomFile, Content: []byte(atom)},
		{Path: JSONFile, Content: []byte(jsonFeed)},
	}, nil
}
