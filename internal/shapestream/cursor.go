package shapestream

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCursorKey = errors.New("invalid cursor key")
	ErrNotImplemented   = errors.New("not implemented")
)

// InitialOffset is the offset of a stream that has never synced.
const InitialOffset = "-1"

// Cursor is the durable resume position of one stream. A nil Handle means
// the server has not assigned a stream identity yet.
type Cursor struct {
	Handle *string `json:"handle"`
	Offset string  `json:"offset"`
}

func InitialCursor() Cursor {
	return Cursor{Offset: InitialOffset}
}

func (c Cursor) IsInitial() bool {
	return c.Handle == nil && (c.Offset == "" || c.Offset == InitialOffset)
}

func (c Cursor) HandleString() string {
	if c.Handle == nil {
		return ""
	}
	return *c.Handle
}

func (c Cursor) String() string {
	return fmt.Sprintf("{handle:%q offset:%q}", c.HandleString(), c.Offset)
}

func cursorWith(handle, offset string) Cursor {
	c := Cursor{Offset: offset}
	if handle != "" {
		h := handle
		c.Handle = &h
	}
	if c.Offset == "" {
		c.Offset = InitialOffset
	}
	return c
}

// CursorStore persists stream cursors by key. Load reports false when no
// cursor was saved under key.
type CursorStore interface {
	Load(ctx context.Context, key string) (Cursor, bool, error)
	Save(ctx context.Context, key string, cursor Cursor) error
	Close() error
}

// CursorKey names the cursor of one table within one workspace.
func CursorKey(workspaceID, table string) string {
	return strings.TrimSpace(workspaceID) + "/" + strings.TrimSpace(table)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidCursorKey
	}
	return nil
}
