package bundle

import (
	"encoding/json"
	"fmt"
	"github.com/cpacia/feedpinner/store"
	"net/url"
	"strings"
	"time"
)

const (
	ActorFile     = "actor.json"
	OutboxFile    = "outbox.json"
	WebfingerFile = ".well-known/webfinger"

	activityStreams = "https://www.w3.org/ns/activitystreams"
)

type image struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type actor struct {
	Context           string `json:"@context"`
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Name              string `json:"name"`
	Summary           string `json:"summary,omitempty"`
	URL               string `json:"url"`
	Outbox            string `json:"outbox"`
	Icon              *image `json:"icon,omitempty"`
	Image             *image `json:"image,omitempty"`
}

type note struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	Content      string `json:"content,omitempty"`
	URL          string `json:"url"`
	Published    string `json:"published"`
	AttributedTo string `json:"attributedTo"`
}

type activity struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Actor     string `json:"actor"`
	Published string `json:"published"`
	Object    note   `json:"object"`
}

type outbox struct {
	Context      string     `json:"@context"`
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	TotalItems   int        `json:"totalItems"`
	OrderedItems []activity `json:"orderedItems"`
}

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfinger struct {
	Subject string          `json:"subject"`
	Links   []webfingerLink `json:"links"`
}

func (d *Default) image(c string) *image {
	if c == "" {
		return nil
	}
	return &image{Type: "Image", URL: d.assetURL(c)}
}

// BuildActivityPubFiles renders the actor, its outbox and the webfinger
// document pointing at the actor.
func (d *Default) BuildActivityPubFiles(site Site) ([]store.File, error) {
	if site.Owner == nil {
		return nil, fmt.Errorf("site has no owner")
	}
	base := d.baseURL(site)
	actorID := base + "/" + ActorFile

	a := actor{
		Context:           activityStreams,
		ID:                actorID,
		Type:              "Person",
		PreferredUsername: site.Owner.Handle,
		Name:              displayName(site.Owner),
		Summary:           site.Owner.About,
		URL:               base + "/",
		Outbox:            base + "/" + OutboxFile,
		Icon:              d.image(site.Owner.AvatarCID),
		Image:             d.image(site.Owner.CoverCID),
	}

	box := outbox{
		Context:      activityStreams,
		ID:           a.Outbox,
		Type:         "OrderedCollection",
		TotalItems:   len(site.Entries),
		OrderedItems: make([]activity, 0, len(site.Entries)),
	}
	for _, e := range site.Entries {
		link := base + "/" + e.Slug
		published := e.CreatedAt.UTC().Format(time.RFC3339)
		box.OrderedItems = append(box.OrderedItems, activity{
			ID:        link + "#create",
			Type:      "Create",
			Actor:     actorID,
			Published: published,
			Object: note{
				ID:           link,
				Type:         "Article",
				Name:         e.Title,
				Content:      e.Summary,
				URL:          link,
				Published:    published,
				AttributedTo: actorID,
			},
		})
	}

	host := site.WebHost
	if host == "" {
		if u, err := url.Parse(base); err == nil {
			host = u.Host
		}
	}
	wf := webfinger{
		Subject: fmt.Sprintf("acct:%s@%s", strings.ToLower(site.Owner.Handle), host),
		Links: []webfingerLink{{
			Rel:  "self",
			Type: "application/activity+json",
			Href: actorID,
		}},
	}

	files := make([]store.File, 0, 3)
	for _, f := range []struct {
		path string
		v    interface{}
	}{
		{ActorFile, a},
		{OutboxFile, box},
		{WebfingerFile, wf},
	} {
		b, err := json.MarshalIndent(f.v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", f.path, err)
		}
		files = append(files, store.File{Path: f.path, Content: b})
	}
	return files, nil
}
