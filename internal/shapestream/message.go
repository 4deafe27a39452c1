package shapestream

import "github.com/agentworkforce/deskrelay/internal/entitystore"

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type Control string

const (
	ControlUpToDate    Control = "up-to-date"
	ControlMustRefetch Control = "must-refetch"
)

type Headers struct {
	Operation Operation `json:"operation,omitempty"`
	Control   Control   `json:"control,omitempty"`
}

// Message is one entry of a shape log: either a row change or a control signal.
type Message struct {
	Key     string         `json:"key,omitempty"`
	Value   map[string]any `json:"value,omitempty"`
	Headers Headers        `json:"headers"`
}

func (m Message) IsControl() bool {
	return m.Headers.Control != ""
}

func (m Message) Patch() entitystore.Patch {
	return entitystore.Patch(m.Value).Clone()
}

// Batch is one response from the shape endpoint together with the position
// it leaves the stream at.
type Batch struct {
	Handle     string
	Offset     string
	LiveCursor string
	UpToDate   bool
	Messages   []Message
}

// Request names the shape and position to read from.
type Request struct {
	Table       string
	WorkspaceID string
	Handle      string
	Offset      string
	Live        bool
	LiveCursor  string
}
