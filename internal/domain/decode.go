package domain

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Timestamp layouts accepted for created_at. PostgREST emits RFC 3339; realtime
// payloads carry the Postgres text form.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// DecodeBookmarks decodes a JSON array of bookmark rows.
// Any malformed row fails the whole batch with a DecodeError.
func DecodeBookmarks(raw []byte) ([]Bookmark, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &Error{Kind: KindDecode, Op: "bookmarks", Err: fmt.Errorf("invalid json")}
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsArray() {
		return nil, &Error{Kind: KindDecode, Op: "bookmarks", Err: fmt.Errorf("expected array, got %s", doc.Type)}
	}

	rows := doc.Array()
	out := make([]Bookmark, 0, len(rows))
	for i, row := range rows {
		b, err := decodeRow(row)
		if err != nil {
			return nil, &Error{Kind: KindDecode, Op: fmt.Sprintf("bookmarks[%d]", i), Err: err}
		}
		out = append(out, b)
	}
	return out, nil
}

// DecodeBookmark decodes a single JSON object.
func DecodeBookmark(raw []byte) (Bookmark, error) {
	if !gjson.ValidBytes(raw) {
		return Bookmark{}, &Error{Kind: KindDecode, Op: "bookmark", Err: fmt.Errorf("invalid json")}
	}
	b, err := decodeRow(gjson.ParseBytes(raw))
	if err != nil {
		return Bookmark{}, &Error{Kind: KindDecode, Op: "bookmark", Err: err}
	}
	return b, nil
}

func decodeRow(row gjson.Result) (Bookmark, error) {
	if !row.IsObject() {
		return Bookmark{}, fmt.Errorf("expected object, got %s", row.Type)
	}

	id, err := textField(row, ColumnID)
	if err != nil {
		return Bookmark{}, err
	}
	title, err := textField(row, ColumnTitle)
	if err != nil {
		return Bookmark{}, err
	}
	owner, err := textField(row, ColumnOwner)
	if err != nil {
		return Bookmark{}, err
	}

	url := row.Get(ColumnURL)
	if url.Exists() && url.Type != gjson.String && url.Type != gjson.Null {
		return Bookmark{}, fmt.Errorf("%s: expected string, got %s", ColumnURL, url.Type)
	}

	created := row.Get(ColumnCreatedAt)
	if created.Type != gjson.String {
		return Bookmark{}, fmt.Errorf("%s: expected timestamp string, got %s", ColumnCreatedAt, created.Type)
	}
	createdAt, err := ParseTimestamp(created.Str)
	if err != nil {
		return Bookmark{}, fmt.Errorf("%s: %w", ColumnCreatedAt, err)
	}

	return Bookmark{
		ID:        id,
		Title:     title,
		URL:       url.String(),
		Owner:     owner,
		CreatedAt: createdAt,
	}, nil
}

// textField reads a non-empty string or number column as text.
func textField(row gjson.Result, name string) (string, error) {
	v := row.Get(name)
	switch v.Type {
	case gjson.String:
		if v.Str == "" {
			return "", fmt.Errorf("%s: empty", name)
		}
		return v.Str, nil
	case gjson.Number:
		return v.Raw, nil
	case gjson.Null:
		if !v.Exists() {
			return "", fmt.Errorf("%s: missing", name)
		}
		return "", fmt.Errorf("%s: null", name)
	default:
		return "", fmt.Errorf("%s: unexpected %s", name, v.Type)
	}
}

// ParseTimestamp parses the timestamp forms Postgres and PostgREST emit.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
