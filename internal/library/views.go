package library

import (
	"cmp"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Sort orders accepted by the view helpers.
const (
	Ascending  = "asc"
	Descending = "desc"
)

// AllCategories disables the category filter of FilterNotes.
const AllCategories = "all"

// TagCount is one row of the tag cloud.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

func newCollator() *collate.Collator {
	return collate.New(language.Und)
}

func direction(order string) int {
	if strings.EqualFold(order, Descending) {
		return -1
	}
	return 1
}

// SortLinks returns a sorted copy. by is title, url or tags (tag count);
// anything else keeps the input order.
func SortLinks(links []Link, by, order string) []Link {
	out := slices.Clone(links)
	col := newCollator()
	sign := direction(order)
	var compare func(a, b Link) int
	switch by {
	case "title":
		compare = func(a, b Link) int { return col.CompareString(a.Title, b.Title) }
	case "url":
		compare = func(a, b Link) int { return col.CompareString(a.URL, b.URL) }
	case "tags":
		compare = func(a, b Link) int { return cmp.Compare(len(a.Tags), len(b.Tags)) }
	default:
		return out
	}
	slices.SortStableFunc(out, func(a, b Link) int { return sign * compare(a, b) })
	return out
}

// FilterLinks keeps links whose title, URL or any tag contains term, case
// insensitively. An empty term keeps everything.
func FilterLinks(links []Link, term string) []Link {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return slices.Clone(links)
	}
	out := make([]Link, 0, len(links))
	for _, link := range links {
		if matchesLink(link, term) {
			out = append(out, link)
		}
	}
	return out
}

func matchesLink(link Link, term string) bool {
	if strings.Contains(strings.ToLower(link.Title), term) || strings.Contains(strings.ToLower(link.URL), term) {
		return true
	}
	return slices.ContainsFunc(link.Tags, func(tag string) bool {
		return strings.Contains(strings.ToLower(tag), term)
	})
}

// AllTags lists distinct tags in first-seen order.
func AllTags(links []Link) []string {
	seen := make(map[string]struct{})
	var tags []string
	for _, link := range links {
		for _, tag := range link.Tags {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	return tags
}

// GroupByTag indexes links by each of their tags. Untagged links land under
// Uncategorized.
func GroupByTag(links []Link) map[string][]Link {
	groups := make(map[string][]Link)
	for _, link := range links {
		if len(link.Tags) == 0 {
			groups[Uncategorized] = append(groups[Uncategorized], link)
			continue
		}
		for _, tag := range link.Tags {
			groups[tag] = append(groups[tag], link)
		}
	}
	return groups
}

// TagCounts counts links per tag, most used first. Ties keep first-seen
// order.
func TagCounts(links []Link) []TagCount {
	index := make(map[string]int)
	var counts []TagCount
	bump := func(tag string) {
		if i, ok := index[tag]; ok {
			counts[i].Count++
			return
		}
		index[tag] = len(counts)
		counts = append(counts, TagCount{Tag: tag, Count: 1})
	}
	for _, link := range links {
		if len(link.Tags) == 0 {
			bump(Uncategorized)
			continue
		}
		for _, tag := range link.Tags {
			bump(tag)
		}
	}
	slices.SortStableFunc(counts, func(a, b TagCount) int { return cmp.Compare(b.Count, a.Count) })
	return counts
}

// SortNotes returns a sorted copy with pinned notes first. by is createdAt,
// updatedAt, title or category; the order applies within each pin group.
func SortNotes(notes []Note, by, order string) []Note {
	out := slices.Clone(notes)
	col := newCollator()
	sign := direction(order)
	var compare func(a, b Note) int
	switch by {
	case "updatedAt":
		compare = func(a, b Note) int { return a.UpdatedAt.Compare(b.UpdatedAt) }
	case "title":
		compare = func(a, b Note) int { return col.CompareString(a.Title, b.Title) }
	case "category":
		compare = func(a, b Note) int { return col.CompareString(a.Category, b.Category) }
	default:
		compare = func(a, b Note) int { return a.CreatedAt.Compare(b.CreatedAt) }
	}
	slices.SortStableFunc(out, func(a, b Note) int {
		if a.IsPinned != b.IsPinned {
			if a.IsPinned {
				return -1
			}
			return 1
		}
		return sign * compare(a, b)
	})
	return out
}

// FilterNotes keeps notes in category whose title or content contains term.
// An empty category or "all" matches every category.
func FilterNotes(notes []Note, category, term string) []Note {
	term = strings.ToLower(strings.TrimSpace(term))
	category = strings.TrimSpace(category)
	anyCategory := category == "" || strings.EqualFold(category, AllCategories)
	out := make([]Note, 0, len(notes))
	for _, note := range notes {
		if !anyCategory && note.Category != category {
			continue
		}
		if term != "" && !strings.Contains(strings.ToLower(note.Title), term) && !strings.Contains(strings.ToLower(note.Content), term) {
			continue
		}
		out = append(out, note)
	}
	return out
}

// Categories lists distinct note categories in first-seen order.
func Categories(notes []Note) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, note := range notes {
		if _, ok := seen[note.Category]; ok {
			continue
		}
		seen[note.Category] = struct{}{}
		out = append(out, note.Category)
	}
	return out
}
