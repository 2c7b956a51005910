package content

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/orgfeed/pkg/errs"
)

// feedCursor is the position after the last post of a page
type feedCursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

func encodeCursor(c feedCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (*feedCursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", errs.ErrInvalidInput)
	}
	var c feedCursor
	if err := json.Unmarshal(raw, &c); err != nil || c.ID == "" {
		return nil, fmt.Errorf("%w: malformed cursor", errs.ErrInvalidInput)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}
