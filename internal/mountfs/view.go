// Package mountfs exposes a live workspace store as a read-only file tree.
//
// The tree is rendered on demand from the store, so every read reflects the
// rows the shape streams have applied so far:
//
//	/workspace.json
//	/me.json
//	/metrics.json
//	/status.json
//	/threads/<threadId>.json
//	/customers/<customerId>.json
//	/members/<memberId>.json
//	/labels/<labelId>.json
//	/pats/<patId>.json
//	/views/todo.json, done.json, unassigned.json, mine.json
package mountfs

import (
	"encoding/json"
	"errors"
	"path"
	"sort"
	"strings"

	"github.com/agentworkforce/deskrelay/internal/entitystore"
	"github.com/agentworkforce/deskrelay/internal/shapestream"
)

var (
	ErrNotExist = errors.New("no such file or directory")
	ErrIsDir    = errors.New("is a directory")
)

const fileSuffix = ".json"

type Entry struct {
	Name string
	Dir  bool
}

// StatusFunc reports the current stream states for status.json.
type StatusFunc func() []shapestream.Status

type View struct {
	store  *entitystore.Store
	status StatusFunc
}

func NewView(store *entitystore.Store, status StatusFunc) *View {
	return &View{store: store, status: status}
}

var collectionDirs = map[string]entitystore.Collection{
	"threads":   entitystore.CollectionThread,
	"customers": entitystore.CollectionCustomer,
	"members":   entitystore.CollectionMember,
	"labels":    entitystore.CollectionLabel,
	"pats":      entitystore.CollectionPat,
}

var viewFiles = []string{"done.json", "mine.json", "todo.json", "unassigned.json"}

func clean(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	return p
}

// List returns the entries of dir sorted by name. The root is "" or "/".
func (v *View) List(dir string) ([]Entry, error) {
	dir = clean(dir)
	if v.store.Disposed() {
		if dir == "" {
			return nil, nil
		}
		return nil, ErrNotExist
	}
	switch dir {
	case "":
		entries := []Entry{
			{Name: "me.json"},
			{Name: "metrics.json"},
			{Name: "views", Dir: true},
			{Name: "workspace.json"},
		}
		if v.status != nil {
			entries = append(entries, Entry{Name: "status.json"})
		}
		for name := range collectionDirs {
			entries = append(entries, Entry{Name: name, Dir: true})
		}
		sortEntries(entries)
		return entries, nil
	case "views":
		entries := make([]Entry, 0, len(viewFiles))
		for _, name := range viewFiles {
			entries = append(entries, Entry{Name: name})
		}
		return entries, nil
	}
	collection, ok := collectionDirs[dir]
	if !ok {
		return nil, ErrNotExist
	}
	ids := v.ids(collection)
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if name, ok := fileName(id); ok {
			entries = append(entries, Entry{Name: name})
		}
	}
	sortEntries(entries)
	return entries, nil
}

// Stat reports whether p exists and whether it is a directory.
func (v *View) Stat(p string) (Entry, error) {
	p = clean(p)
	if p == "" {
		return Entry{Dir: true}, nil
	}
	if _, ok := collectionDirs[p]; ok || p == "views" {
		if v.store.Disposed() {
			return Entry{}, ErrNotExist
		}
		return Entry{Name: p, Dir: true}, nil
	}
	if _, err := v.Read(p); err != nil {
		return Entry{}, err
	}
	return Entry{Name: path.Base(p)}, nil
}

// Read renders the file at p as indented JSON.
func (v *View) Read(p string) ([]byte, error) {
	p = clean(p)
	if p == "" || p == "views" {
		return nil, ErrIsDir
	}
	if _, ok := collectionDirs[p]; ok {
		return nil, ErrIsDir
	}
	if v.store.Disposed() {
		return nil, ErrNotExist
	}

	dir, name := path.Split(p)
	dir = strings.TrimSuffix(dir, "/")
	switch dir {
	case "":
		return v.readRoot(name)
	case "views":
		return v.readView(name)
	}
	collection, ok := collectionDirs[dir]
	if !ok || !strings.HasSuffix(name, fileSuffix) {
		return nil, ErrNotExist
	}
	entity, ok := v.store.Get(collection, strings.TrimSuffix(name, fileSuffix))
	if !ok {
		return nil, ErrNotExist
	}
	return render(entity)
}

func (v *View) readRoot(name string) ([]byte, error) {
	switch name {
	case "workspace.json":
		if ws, ok := v.store.Workspace(); ok {
			return render(ws)
		}
	case "me.json":
		if me, ok := v.store.CurrentMember(); ok {
			return render(me)
		}
	case "metrics.json":
		if m, ok := v.store.Metrics(); ok {
			return render(m)
		}
	case "status.json":
		if v.status != nil {
			return render(statusDocs(v.status()))
		}
	}
	return nil, ErrNotExist
}

func (v *View) readView(name string) ([]byte, error) {
	var threads []entitystore.Thread
	switch name {
	case "todo.json":
		threads = v.store.ThreadsByStatus(entitystore.StatusTodo, entitystore.SortCreatedDesc)
	case "done.json":
		threads = v.store.ThreadsByStatus(entitystore.StatusDone, entitystore.SortCreatedDesc)
	case "unassigned.json":
		threads = v.store.Unassigned(entitystore.SortCreatedDesc)
	case "mine.json":
		if me, ok := v.store.CurrentMember(); ok {
			threads = v.store.AssignedTo(me.MemberID, entitystore.SortCreatedDesc)
		}
	default:
		return nil, ErrNotExist
	}
	ids := make([]string, 0, len(threads))
	for _, t := range threads {
		ids = append(ids, t.ThreadID)
	}
	return render(ids)
}

func (v *View) ids(c entitystore.Collection) []string {
	var ids []string
	switch c {
	case entitystore.CollectionThread:
		for _, t := range v.store.Threads(entitystore.ThreadQuery{}) {
			ids = append(ids, t.ThreadID)
		}
	case entitystore.CollectionCustomer:
		for _, row := range v.store.Customers() {
			ids = append(ids, row.CustomerID)
		}
	case entitystore.CollectionMember:
		for _, row := range v.store.Members() {
			ids = append(ids, row.MemberID)
		}
	case entitystore.CollectionLabel:
		for _, row := range v.store.Labels() {
			ids = append(ids, row.LabelID)
		}
	case entitystore.CollectionPat:
		for _, row := range v.store.Pats() {
			ids = append(ids, row.PatID)
		}
	}
	return ids
}

// fileName maps a row ID to its file name. IDs that cannot be a single path
// element are not listed.
func fileName(id string) (string, bool) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\x00") {
		return "", false
	}
	return id + fileSuffix, true
}

type statusDoc struct {
	Table    string  `json:"table"`
	State    string  `json:"state"`
	Dirty    bool    `json:"dirty"`
	Handle   *string `json:"handle"`
	Offset   string  `json:"offset"`
	Failures int     `json:"failures"`
	Applied  uint64  `json:"applied"`
	Skipped  uint64  `json:"skipped"`
}

func statusDocs(statuses []shapestream.Status) []statusDoc {
	out := make([]statusDoc, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, statusDoc{
			Table:    s.Table,
			State:    s.State.String(),
			Dirty:    s.Dirty,
			Handle:   s.Cursor.Handle,
			Offset:   s.Cursor.Offset,
			Failures: s.Failures,
			Applied:  s.Applied,
			Skipped:  s.Skipped,
		})
	}
	return out
}

func render(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
