package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentworkforce/deskrelay/internal/deskapi"
	"github.com/agentworkforce/deskrelay/internal/entitystore"
)

const ts = `"createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z"`

var fixtures = map[string]string{
	"/workspaces/ws_1/":                      `{"workspaceId":"ws_1","name":"Acme",` + ts + `}`,
	"/workspaces/ws_1/members/me/":           `{"memberId":"m1","name":"Ann","role":"owner",` + ts + `}`,
	"/workspaces/ws_1/threads/chat/metrics/": `{"count":{"active":1,"done":0,"snoozed":0,"assignedToMe":0,"unassigned":1,"otherAssigned":0,"labels":[]}}`,
	"/workspaces/ws_1/threads/chat/": `[{"threadId":"t1","customer":{"customerId":"c1","name":"Bob",` + ts + `},"assignee":null,
		"title":"Help","description":"","status":"todo","stage":"needs_first_response","priority":"normal","replied":false,
		"channel":"chat","previewText":"","labels":[],` + ts + `}]`,
	"/workspaces/ws_1/labels/":  `[{"labelId":"l1","name":"bug","icon":"",` + ts + `}]`,
	"/workspaces/ws_1/members/": `[{"memberId":"m1","name":"Ann","role":"owner",` + ts + `},{"memberId":"m2","name":"Ben","role":"member",` + ts + `}]`,
	"/pats/":                    `[]`,
}

type override struct {
	path   string
	status int
	body   string
}

func newLoader(t *testing.T, o *override) *Loader {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if o != nil && r.URL.Path == o.path {
			w.WriteHeader(o.status)
			_, _ = w.Write([]byte(o.body))
			return
		}
		body, ok := fixtures[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	client := deskapi.NewClient(server.URL, deskapi.StaticToken("secret"), deskapi.ClientOptions{
		HTTPClient: server.Client(),
		MaxRetries: -1,
	})
	loader, err := NewLoader(client, nil)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	return loader
}

func TestLoadNormalizesThreads(t *testing.T) {
	store := entitystore.New()
	if err := newLoader(t, nil).Into(context.Background(), store, "ws_1"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	thread, ok := store.Thread("t1")
	if !ok {
		t.Fatalf("expected thread t1")
	}
	if thread.CustomerID != "c1" {
		t.Fatalf("expected customer c1, got %q", thread.CustomerID)
	}
	if thread.AssigneeID != nil {
		t.Fatalf("expected nil assignee, got %q", *thread.AssigneeID)
	}
	if thread.WorkspaceID != "ws_1" {
		t.Fatalf("expected workspace ws_1, got %q", thread.WorkspaceID)
	}
	if c, ok := store.Customer("c1"); !ok || c.Name != "Bob" {
		t.Fatalf("expected customer row from thread, got %+v", c)
	}
	if store.Len(entitystore.CollectionMember) != 2 || store.Len(entitystore.CollectionLabel) != 1 {
		t.Fatalf("unexpected collection sizes")
	}
	if me, ok := store.CurrentMember(); !ok || me.MemberID != "m1" {
		t.Fatalf("expected current member m1, got %+v", me)
	}
	if m, ok := store.Metrics(); !ok || m.Unassigned != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestLoadFailsFastOnAnyReadFailure(t *testing.T) {
	for path := range fixtures {
		for _, tc := range []struct {
			name   string
			status int
			body   string
			target error
		}{
			{"http", http.StatusInternalServerError, `{"code":"boom","message":"boom"}`, deskapi.ErrTransport},
			{"schema", http.StatusOK, `{"bogus":true}`, deskapi.ErrSchema},
		} {
			t.Run(tc.name+path, func(t *testing.T) {
				loader := newLoader(t, &override{path: path, status: tc.status, body: tc.body})
				store := entitystore.New()
				err := loader.Into(context.Background(), store, "ws_1")
				if !errors.Is(err, tc.target) {
					t.Fatalf("expected %v, got %v", tc.target, err)
				}
				for _, c := range entitystore.Collections() {
					if store.Len(c) != 0 {
						t.Fatalf("collection %s populated after failed bootstrap", c)
					}
				}
				if _, ok := store.Workspace(); ok {
					t.Fatalf("workspace populated after failed bootstrap")
				}

				snap, err := loader.Load(context.Background(), "ws_1")
				if err == nil || snap.Threads != nil || snap.Members != nil {
					t.Fatalf("expected empty snapshot with error, got %+v / %v", snap, err)
				}
			})
		}
	}
}

func TestLoadKeepsPreviousStoreOnFailure(t *testing.T) {
	store := entitystore.New()
	if err := newLoader(t, nil).Into(context.Background(), store, "ws_1"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	failing := newLoader(t, &override{path: "/pats/", status: http.StatusBadGateway})
	if err := failing.Into(context.Background(), store, "ws_1"); err == nil {
		t.Fatalf("expected failure")
	}
	if _, ok := store.Thread("t1"); !ok {
		t.Fatalf("failed reload must not clear the previous snapshot")
	}
}

func TestLoadRequiresWorkspace(t *testing.T) {
	if _, err := newLoader(t, nil).Load(context.Background(), " "); err == nil {
		t.Fatalf("expected error for blank workspace")
	}
	if _, err := NewLoader(nil, nil); err == nil {
		t.Fatalf("expected error for nil api")
	}
}
