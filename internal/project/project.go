// Package project attributes accounts and videos to tenant projects.
package project

import (
	"iter"
	"strings"

	"github.com/renderinc/clip-search/internal/normalize"
	"github.com/renderinc/clip-search/internal/source"
)

// Unclassified is the project of anything no mapping claims.
const Unclassified = "unclassified"

// Column aliases accepted in the account export. The first names are the
// headers the upstream spreadsheet tool writes.
var (
	AccountIDColumns      = []string{"用户ID", "account_id", "user_id"}
	AccountProjectColumns = []string{"工作表", "project", "project_name"}
)

// legacy label for "no project" found in older account sheets
const legacyUnclassified = "未分类项目"

// AccountTable maps account ids to project names. It is never mutated
// after construction.
type AccountTable struct {
	projects map[string]string
}

// BuildAccountTable reads account rows. Rows whose id or project is
// missing are skipped; a later row for the same id wins.
func BuildAccountTable(rows iter.Seq[source.Row]) AccountTable {
	t := AccountTable{projects: make(map[string]string)}
	for row := range rows {
		id := normalize.String(row.Get(AccountIDColumns...))
		name := normalize.String(row.Get(AccountProjectColumns...))
		if id == "" || name == "" {
			continue
		}
		t.projects[id] = canonical(name)
	}
	return t
}

// Resolve returns the account's project, or Unclassified.
func (t AccountTable) Resolve(accountID string) string {
	if p, ok := t.projects[strings.TrimSpace(accountID)]; ok {
		return p
	}
	return Unclassified
}

// Len reports the number of mapped accounts.
func (t AccountTable) Len() int {
	return len(t.projects)
}

// VideoMeta is the snapshot of video fields copied onto comments.
type VideoMeta struct {
	Title            string
	URL              string
	UploaderNickname string
	UploaderUID      string
}

// VideoEntry is what comment ingestion needs to know about a video.
type VideoEntry struct {
	Project string
	Meta    VideoMeta
}

// VideoTable maps video ids to their project and metadata.
type VideoTable struct {
	entries map[string]VideoEntry
}

// BuildVideoTable makes a single pass over video rows, attributing each
// video to its uploader's project.
func BuildVideoTable(rows iter.Seq[source.Row], accounts AccountTable) VideoTable {
	t := VideoTable{entries: make(map[string]VideoEntry)}
	for row := range rows {
		id := normalize.String(row.Get("video_id"))
		if id == "" {
			continue
		}
		uploader := normalize.String(row.Get("user_id"))
		t.entries[id] = VideoEntry{
			Project: accounts.Resolve(uploader),
			Meta: VideoMeta{
				Title:            normalize.String(row.Get("title")),
				URL:              normalize.String(row.Get("video_url")),
				UploaderNickname: normalize.String(row.Get("nickname")),
				UploaderUID:      uploader,
			},
		}
	}
	return t
}

// Lookup returns the entry for a video. A miss is Unclassified with empty
// metadata.
func (t VideoTable) Lookup(videoID string) VideoEntry {
	if e, ok := t.entries[strings.TrimSpace(videoID)]; ok {
		return e
	}
	return VideoEntry{Project: Unclassified}
}

// Len reports the number of mapped videos.
func (t VideoTable) Len() int {
	return len(t.entries)
}

func canonical(name string) string {
	if name == legacyUnclassified {
		return Unclassified
	}
	return name
}
