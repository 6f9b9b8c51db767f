package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// cursor is the decoded form of an opaque pagination token: the sort key and
// id of the last item on the previous page. Callers never see this shape.
type cursor struct {
	Key int64  `json:"k"`
	ID  string `json:"id"`
}

func encodeCursor(key int64, id string) string {
	data, _ := json.Marshal(cursor{Key: key, ID: id})
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("store: invalid cursor: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("store: invalid cursor: %w", err)
	}
	return c, nil
}

// after reports whether an item (key, id) sorts strictly after the cursor.
func (c cursor) after(key int64, id string) bool {
	if key != c.Key {
		return key > c.Key
	}
	return id > c.ID
}
