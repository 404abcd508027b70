// Package document defines the indexed video and comment documents and
// builds them from export rows.
package document

import (
	"errors"
	"fmt"

	"github.com/renderinc/clip-search/internal/normalize"
	"github.com/renderinc/clip-search/internal/project"
	"github.com/renderinc/clip-search/internal/source"
)

// Collection names one search index.
type Collection string

const (
	Videos   Collection = "videos"
	Comments Collection = "comments"
)

// ParseCollection validates a collection name.
func ParseCollection(s string) (Collection, error) {
	switch c := Collection(s); c {
	case Videos, Comments:
		return c, nil
	}
	return "", fmt.Errorf("unknown collection %q", s)
}

// Document is anything the bulk loader can upsert.
type Document interface {
	Key() string
	Collection() Collection
}

// Video is one uploaded clip. The key is VideoID.
type Video struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Nickname       string `json:"nickname"`
	Avatar         string `json:"avatar"`
	AddTS          *int64 `json:"add_ts"`
	LastModifyTS   *int64 `json:"last_modify_ts"`
	VideoID        string `json:"video_id"`
	VideoType      string `json:"video_type"`
	Title          string `json:"title"`
	Desc           string `json:"desc"`
	CreateTime     *int64 `json:"create_time"`
	LikedCount     int64  `json:"liked_count"`
	VideoPlayCount int64  `json:"video_play_count"`
	VideoDanmaku   int64  `json:"video_danmaku"`
	VideoComment   int64  `json:"video_comment"`
	VideoURL       string `json:"video_url"`
	VideoCoverURL  string `json:"video_cover_url"`
	SourceKeyword  string `json:"source_keyword"`
	ProjectID      string `json:"project_id"`
}

func (v Video) Key() string            { return v.VideoID }
func (v Video) Collection() Collection { return Videos }

// Comment is one comment or reply under a video. The key is CommentID.
type Comment struct {
	ID                    string `json:"id"`
	UserID                string `json:"user_id"`
	Nickname              string `json:"nickname"`
	Avatar                string `json:"avatar"`
	AddTS                 *int64 `json:"add_ts"`
	LastModifyTS          *int64 `json:"last_modify_ts"`
	CommentID             string `json:"comment_id"`
	VideoID               string `json:"video_id"`
	Content               string `json:"content"`
	CreateTime            *int64 `json:"create_time"`
	SubCommentCount       int64  `json:"sub_comment_count"`
	LikeCount             int64  `json:"like_count"`
	ParentCommentID       string `json:"parent_comment_id"`
	IsMainComment         bool   `json:"is_main_comment"`
	ProjectID             string `json:"project_id"`
	VideoTitle            string `json:"video_title"`
	VideoURL              string `json:"video_url"`
	VideoUploaderNickname string `json:"video_uploader_nickname"`
	VideoUploaderUID      string `json:"video_uploader_uid"`
}

func (c Comment) Key() string            { return c.CommentID }
func (c Comment) Collection() Collection { return Comments }

// IsMainComment reports whether a comment with this parent id is top-level.
func IsMainComment(parentID string) bool {
	p := normalize.String(parentID)
	return p == "" || p == "0"
}

// Diagnostic records a field that could not be normalized.
type Diagnostic struct {
	Field string
	Err   error
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s: %v", d.Field, d.Err)
}

func (d Diagnostic) Unwrap() error { return d.Err }

// Diagnostics is the set of field problems found in one row.
type Diagnostics []Diagnostic

// Err joins the diagnostics into one error, or nil.
func (ds Diagnostics) Err() error {
	errs := make([]error, len(ds))
	for i, d := range ds {
		errs[i] = d
	}
	return errors.Join(errs...)
}

type fieldReader struct {
	row   source.Row
	diags Diagnostics
}

func (r *fieldReader) str(name string) string {
	return normalize.String(r.row.Get(name))
}

func (r *fieldReader) strDefault(name, def string) string {
	if s := r.str(name); s != "" {
		return s
	}
	return def
}

func (r *fieldReader) timestamp(name string) *int64 {
	res := normalize.Timestamp(r.row.Get(name))
	if res.Diag != nil {
		r.diags = append(r.diags, Diagnostic{Field: name, Err: res.Diag})
	}
	return res.Ptr()
}

func (r *fieldReader) count(name string) int64 {
	res := normalize.Int(r.row.Get(name))
	if res.Diag != nil {
		r.diags = append(r.diags, Diagnostic{Field: name, Err: res.Diag})
	}
	return res.Value
}

// BuildVideo turns a video export row into a document attributed to its
// uploader's project.
func BuildVideo(row source.Row, accounts project.AccountTable) (Video, Diagnostics) {
	r := &fieldReader{row: row}
	v := Video{
		ID:             r.str("id"),
		UserID:         r.str("user_id"),
		Nickname:       r.str("nickname"),
		Avatar:         r.str("avatar"),
		AddTS:          r.timestamp("add_ts"),
		LastModifyTS:   r.timestamp("last_modify_ts"),
		VideoID:        r.str("video_id"),
		VideoType:      r.strDefault("video_type", "video"),
		Title:          r.str("title"),
		Desc:           r.str("desc"),
		CreateTime:     r.timestamp("create_time"),
		LikedCount:     r.count("liked_count"),
		VideoPlayCount: r.count("video_play_count"),
		VideoDanmaku:   r.count("video_danmaku"),
		VideoComment:   r.count("video_comment"),
		VideoURL:       r.str("video_url"),
		VideoCoverURL:  r.str("video_cover_url"),
		SourceKeyword:  r.str("source_keyword"),
	}
	v.ProjectID = accounts.Resolve(v.UserID)
	return v, r.diags
}

// BuildComment turns a comment export row into a document that inherits
// the project and metadata of its video.
func BuildComment(row source.Row, videos project.VideoTable) (Comment, Diagnostics) {
	r := &fieldReader{row: row}
	c := Comment{
		ID:              r.str("id"),
		UserID:          r.str("user_id"),
		Nickname:        r.str("nickname"),
		Avatar:          r.str("avatar"),
		AddTS:           r.timestamp("add_ts"),
		LastModifyTS:    r.timestamp("last_modify_ts"),
		CommentID:       r.str("comment_id"),
		VideoID:         r.str("video_id"),
		Content:         r.str("content"),
		CreateTime:      r.timestamp("create_time"),
		SubCommentCount: r.count("sub_comment_count"),
		LikeCount:       r.count("like_count"),
		ParentCommentID: r.str("parent_comment_id"),
	}
	c.IsMainComment = IsMainComment(c.ParentCommentID)

	entry := videos.Lookup(c.VideoID)
	c.ProjectID = entry.Project
	c.VideoTitle = entry.Meta.Title
	c.VideoURL = entry.Meta.URL
	c.VideoUploaderNickname = entry.Meta.UploaderNickname
	c.VideoUploaderUID = entry.Meta.UploaderUID
	return c, r.diags
}
