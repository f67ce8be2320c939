package jobs

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor marks a position in a time-ordered job listing for pagination.
//
// Cursors are opaque to clients: base64-encoded, URL-safe, and passed back
// as-is to fetch the next page.
type Cursor struct {
	LastJobID string `json:"id"`
	LastTime  int64  `json:"ts"`
}

// EncodeCursor serializes a cursor to its opaque wire form.
func EncodeCursor(c *Cursor) string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque cursor string. An empty string decodes to a
// nil cursor (first page).
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}

	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse cursor: %w", err)
	}

	return &c, nil
}
