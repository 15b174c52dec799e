// Package model defines shared data structures.
package model

import (
	"encoding/json"
	"sort"
)

// Entry represents a single harvested item tracked by the service.
type Entry struct {
	ID        int64  `json:"id"` // zero until the durable store assigns one
	Type      string `json:"type"`
	Nickname  string `json:"nickname"`
	Title     string `json:"title"`
	Href      string `json:"href"`
	Img       string `json:"img"`
	IsNoticed bool   `json:"isNoticed"`
}

// Key returns the dedup key of the entry.
func (e Entry) Key() DedupKey {
	return DedupKey{
		Type:     e.Type,
		Nickname: e.Nickname,
		Title:    e.Title,
		Href:     e.Href,
		Img:      e.Img,
	}
}

// DedupKey identifies logical entry uniqueness. Matching is exact and case-sensitive.
type DedupKey struct {
	Type     string `json:"containerType"`
	Nickname string `json:"nickname"`
	Title    string `json:"title"`
	Href     string `json:"href"`
	Img      string `json:"img"`
}

// String returns a stable JSON encoding of the key.
func (k DedupKey) String() string {
	b, _ := json.Marshal(k)
	return string(b)
}

// AddRequest is an entry-creation request as submitted by a client.
type AddRequest struct {
	Type     string `json:"containerType"`
	Nickname string `json:"nickname"`
	Title    string `json:"title"`
	Href     string `json:"href"`
	Img      string `json:"img"`
}

// Entry converts the request to an unpersisted entry.
func (r AddRequest) Entry() Entry {
	return Entry{
		Type:     r.Type,
		Nickname: r.Nickname,
		Title:    r.Title,
		Href:     r.Href,
		Img:      r.Img,
	}
}

// Container groups the entries of one (type, nickname) pair.
type Container struct {
	Type     string  `json:"type"`
	Nickname string  `json:"nickname"`
	List     []Entry `json:"list"`
}

// View is the aggregated read model served to clients.
type View struct {
	Types     []string    `json:"types"`
	Container []Container `json:"container"`
}

// GroupContainers groups entries by (type, nickname). Containers are ordered by type then
// nickname; entries inside a container are ordered by title.
func GroupContainers(entries []Entry) []Container {
	type groupKey struct{ typ, nickname string }
	index := make(map[groupKey]int)
	var containers []Container
	for _, e := range entries {
		k := groupKey{e.Type, e.Nickname}
		i, ok := index[k]
		if !ok {
			i = len(containers)
			index[k] = i
			containers = append(containers, Container{Type: e.Type, Nickname: e.Nickname})
		}
		containers[i].List = append(containers[i].List, e)
	}
	for i := range containers {
		list := containers[i].List
		sort.SliceStable(list, func(a, b int) bool {
			if list[a].Title != list[b].Title {
				return list[a].Title < list[b].Title
			}
			return list[a].ID < list[b].ID
		})
	}
	sort.Slice(containers, func(a, b int) bool {
		if containers[a].Type != containers[b].Type {
			return containers[a].Type < containers[b].Type
		}
		return containers[a].Nickname < containers[b].Nickname
	})
	return containers
}

// Source is one harvested feed. Its items become entries of the (Type, Nickname) container.
type Source struct {
	Type     string `yaml:"type" json:"type"`
	Nickname string `yaml:"nickname" json:"nickname"`
	URL      string `yaml:"url" json:"url"`
}

// Settings key constants.
const (
	// SettingLastMigration holds the RFC 3339 time of the last successful tier migration.
	SettingLastMigration = "last_migration_at"
)
