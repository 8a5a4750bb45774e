package importer

import "github.com/MrSnakeDoc/marks/internal/domain"

// MapBookmarks flattens the categories into drafts, in file order. The
// bookmark's name is the title, its abbreviation the fallback. Entries
// without an href are dropped.
func MapBookmarks(config BookmarksConfig) []domain.Draft {
	drafts := make([]domain.Draft, 0)
	for _, category := range config {
		for _, bookmarkList := range category {
			for _, bookmarkMap := range bookmarkList {
				for name, entries := range bookmarkMap {
					// Each bookmark has a list with a single entry
					if len(entries) == 0 || entries[0].Href == "" {
						continue
					}
					entry := entries[0]

					title := name
					if title == "" {
						title = entry.Abbr
					}
					drafts = append(drafts, domain.Draft{Title: title, URL: entry.Href})
				}
			}
		}
	}
	return drafts
}
