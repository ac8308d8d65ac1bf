package web

import (
	"fmt"
	"sort"
	"time"

	"github.com/gorilla/feeds"

	"github.com/anterales/relay/db"
	"github.com/anterales/relay/util"
)

// GetJoinFeed renders an Atom feed of recently connected instances so
// operators can watch the relay grow from a feed reader.
func GetJoinFeed(conf *util.AppConfig, database *db.DB) (error, string) {
	err, listeners := database.ReadAllListeners()
	if err != nil {
		return err, ""
	}

	sort.Slice(listeners, func(i, j int) bool {
		return listeners[i].CreatedAt.After(listeners[j].CreatedAt)
	})
	if len(listeners) > 50 {
		listeners = listeners[:50]
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("Instances connected to %s", conf.Conf.Hostname),
		Link:        &feeds.Link{Href: conf.BaseURL()},
		Description: conf.Conf.LocalBlurb,
		Created:     time.Now(),
	}

	for _, listener := range listeners {
		host, herr := util.Domain(listener.ActorIRI)
		if herr != nil {
			continue
		}

		title := host
		if node := nodeFor(database, listener.ActorIRI); node != nil && node.Software != "" {
			title = fmt.Sprintf("%s (%s %s)", host, node.Software, node.Version)
		}

		feed.Items = append(feed.Items, &feeds.Item{
			Id:      listener.ActorIRI,
			Title:   title,
			Link:    &feeds.Link{Href: "https://" + host},
			Created: listener.CreatedAt,
		})
	}

	atom, err := feed.ToAtom()
	if err != nil {
		return err, ""
	}
	return nil, atom
}
