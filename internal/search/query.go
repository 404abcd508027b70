// Package search builds, restricts and runs queries against the video and
// comment indices.
package search

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/renderinc/clip-search/internal/document"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ErrValidation is wrapped by every ValidationError.
var ErrValidation = errors.New("invalid request")

// ValidationError reports a request field the caller must fix.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TimeRange bounds create_time in epoch seconds. Either end may be open.
type TimeRange struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// Request is a keyword search over one collection. Fields that do not
// apply to the collection are ignored.
type Request struct {
	Keywords string `json:"keywords"`

	VideoTitle       string `json:"video_title"`
	UploaderNickname string `json:"uploader_nickname"`
	UploaderUID      string `json:"uploader_uid"`

	CommenterNickname string `json:"commenter_nickname"`
	CommenterUID      string `json:"commenter_uid"`
	MainOnly          *bool  `json:"main_only,omitempty"`

	ProjectID string     `json:"project_id"`
	TimeRange *TimeRange `json:"time_range,omitempty"`
	LastDays  string     `json:"last_days"`

	SortBy    string `json:"sort_by"`
	SortOrder string `json:"sort_order"`
	Page      int    `json:"page"`
	PageSize  int    `json:"page_size"`
}

var sortFields = map[document.Collection][]string{
	document.Videos:   {"create_time", "video_play_count"},
	document.Comments: {"create_time", "like_count"},
}

var highlightFields = map[document.Collection][]string{
	document.Videos:   {"title", "desc"},
	document.Comments: {"content"},
}

// Build translates a request into an engine request. The result is not
// yet restricted to the caller's projects; Gateway.Execute does that.
func Build(coll document.Collection, req Request) (*bleve.SearchRequest, error) {
	return build(coll, req, time.Now())
}

func build(coll document.Collection, req Request, now time.Time) (*bleve.SearchRequest, error) {
	var clauses []query.Query

	switch coll {
	case document.Videos:
		if kw := strings.TrimSpace(req.Keywords); kw != "" {
			title := bleve.NewMatchQuery(kw)
			title.SetField("title")
			title.SetBoost(2)
			clauses = append(clauses, bleve.NewDisjunctionQuery(title, match("desc", kw), match("nickname", kw)))
		}
		if s := strings.TrimSpace(req.VideoTitle); s != "" {
			clauses = append(clauses, match("title", s))
		}
		if s := strings.TrimSpace(req.UploaderNickname); s != "" {
			clauses = append(clauses, match("nickname", s))
		}
		if s := strings.TrimSpace(req.UploaderUID); s != "" {
			clauses = append(clauses, Term("user_id", s))
		}
	case document.Comments:
		if kw := strings.TrimSpace(req.Keywords); kw != "" {
			clauses = append(clauses, match("content", kw))
		}
		if s := strings.TrimSpace(req.CommenterNickname); s != "" {
			clauses = append(clauses, match("nickname", s))
		}
		if s := strings.TrimSpace(req.CommenterUID); s != "" {
			clauses = append(clauses, Term("user_id", s))
		}
		if req.MainOnly != nil {
			b := bleve.NewBoolFieldQuery(*req.MainOnly)
			b.SetField("is_main_comment")
			clauses = append(clauses, b)
		}
	default:
		return nil, &ValidationError{Field: "collection", Reason: fmt.Sprintf("unknown collection %q", coll)}
	}

	if s := strings.TrimSpace(req.ProjectID); s != "" {
		clauses = append(clauses, Term("project_id", s))
	}

	window, err := Window(req.TimeRange, req.LastDays, now)
	if err != nil {
		return nil, err
	}
	if window != nil {
		clauses = append(clauses, window)
	}

	sortKey, err := sortOrder(coll, req.SortBy, req.SortOrder)
	if err != nil {
		return nil, err
	}

	page, size := Paginate(req.Page, req.PageSize)
	sr := bleve.NewSearchRequestOptions(All(clauses...), size, (page-1)*size, false)
	sr.SortBy([]string{sortKey, "_id"})
	sr.Fields = []string{"*"}
	sr.Highlight = bleve.NewHighlightWithStyle("html")
	for _, f := range highlightFields[coll] {
		sr.Highlight.AddField(f)
	}
	return sr, nil
}

// Paginate applies the page defaults: pages are 1-based and sizes are
// clamped to 1..MaxPageSize with DefaultPageSize for zero.
func Paginate(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case size == 0:
		size = DefaultPageSize
	case size < 1:
		size = 1
	case size > MaxPageSize:
		size = MaxPageSize
	}
	return page, size
}

func sortOrder(coll document.Collection, field, order string) (string, error) {
	key := "create_time"
	for _, allowed := range sortFields[coll] {
		if field == allowed {
			key = field
		}
	}

	switch strings.ToLower(strings.TrimSpace(order)) {
	case "", "desc":
		return "-" + key, nil
	case "asc":
		return key, nil
	}
	return "", &ValidationError{Field: "sort_order", Reason: fmt.Sprintf("must be asc or desc, got %q", order)}
}

// Window turns an explicit range or a relative "Nd" span into a create_time
// filter. An explicit range wins; neither yields nil.
func Window(tr *TimeRange, lastDays string, now time.Time) (query.Query, error) {
	if tr != nil && (tr.Start != nil || tr.End != nil) {
		if tr.Start != nil && tr.End != nil && *tr.Start > *tr.End {
			return nil, &ValidationError{Field: "time_range", Reason: "start is after end"}
		}
		return numericRange("create_time", tr.Start, tr.End), nil
	}

	s := strings.TrimSpace(lastDays)
	if s == "" {
		return nil, nil
	}
	days, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(s), "d"))
	if err != nil || days <= 0 {
		return nil, &ValidationError{Field: "last_days", Reason: fmt.Sprintf("expected a positive day count like 7d, got %q", lastDays)}
	}
	start := now.AddDate(0, 0, -days).Unix()
	return numericRange("create_time", &start, nil), nil
}

func numericRange(field string, start, end *int64) query.Query {
	var lo, hi *float64
	if start != nil {
		v := float64(*start)
		lo = &v
	}
	if end != nil {
		v := float64(*end)
		hi = &v
	}
	inclusive := true
	q := bleve.NewNumericRangeInclusiveQuery(lo, hi, &inclusive, &inclusive)
	q.SetField(field)
	return q
}

// Above matches numeric values strictly greater than min.
func Above(field string, min float64) query.Query {
	exclusive := false
	q := bleve.NewNumericRangeInclusiveQuery(&min, nil, &exclusive, nil)
	q.SetField(field)
	return q
}

// Term matches a keyword field exactly.
func Term(field, value string) query.Query {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return q
}

// All is the conjunction of clauses, nil entries skipped. No clauses
// matches every document.
func All(clauses ...query.Query) query.Query {
	var qs []query.Query
	for _, c := range clauses {
		if c != nil {
			qs = append(qs, c)
		}
	}
	if len(qs) == 0 {
		return bleve.NewMatchAllQuery()
	}
	return bleve.NewConjunctionQuery(qs...)
}

func match(field, text string) query.Query {
	q := bleve.NewMatchQuery(text)
	q.SetField(field)
	return q
}
