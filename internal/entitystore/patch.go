package entitystore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Patch is a field-level change keyed by column name, as delivered by the
// shape stream (snake_case). Values are JSON scalars; nil clears the field.
// Unknown columns are ignored.
type Patch map[string]any

func (p Patch) Clone() Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Patch) Columns() []string {
	cols := make([]string, 0, len(p))
	for k := range p {
		cols = append(cols, k)
	}
	return cols
}

func (t *Thread) applyPatch(p Patch) error {
	for col, v := range p {
		var err error
		switch col {
		case "workspace_id":
			err = setString(&t.WorkspaceID, v)
		case "customer_id":
			err = setString(&t.CustomerID, v)
		case "assignee_id":
			err = setOptionalString(&t.AssigneeID, v)
		case "title":
			err = setString(&t.Title, v)
		case "description":
			err = setString(&t.Description, v)
		case "status":
			err = setString(&t.Status, v)
		case "stage":
			err = setString(&t.Stage, v)
		case "priority":
			err = setString(&t.Priority, v)
		case "replied":
			err = setBool(&t.Replied, v)
		case "channel":
			err = setString(&t.Channel, v)
		case "preview_text":
			err = setString(&t.PreviewText, v)
		case "inbound_first_seq_id":
			err = setOptionalString(&t.InboundFirstSeqID, v)
		case "inbound_last_seq_id":
			err = setOptionalString(&t.InboundLastSeqID, v)
		case "outbound_first_seq_id":
			err = setOptionalString(&t.OutboundFirstSeqID, v)
		case "outbound_last_seq_id":
			err = setOptionalString(&t.OutboundLastSeqID, v)
		case "created_at":
			err = setTime(&t.CreatedAt, v)
		case "updated_at":
			err = setTime(&t.UpdatedAt, v)
		}
		if err != nil {
			return fmt.Errorf("%w: thread.%s: %v", ErrInvalidPatch, col, err)
		}
	}
	return nil
}

func (c *Customer) applyPatch(p Patch) error {
	for col, v := range p {
		var err error
		switch col {
		case "workspace_id":
			err = setString(&c.WorkspaceID, v)
		case "external_id":
			err = setOptionalString(&c.ExternalID, v)
		case "email":
			err = setOptionalString(&c.Email, v)
		case "phone":
			err = setOptionalString(&c.Phone, v)
		case "name":
			err = setString(&c.Name, v)
		case "created_at":
			err = setTime(&c.CreatedAt, v)
		case "updated_at":
			err = setTime(&c.UpdatedAt, v)
		}
		if err != nil {
			return fmt.Errorf("%w: customer.%s: %v", ErrInvalidPatch, col, err)
		}
	}
	return nil
}

func (m *Member) applyPatch(p Patch) error {
	for col, v := range p {
		var err error
		switch col {
		case "workspace_id":
			err = setString(&m.WorkspaceID, v)
		case "name":
			err = setString(&m.Name, v)
		case "role":
			err = setString(&m.Role, v)
		case "created_at":
			err = setTime(&m.CreatedAt, v)
		case "updated_at":
			err = setTime(&m.UpdatedAt, v)
		}
		if err != nil {
			return fmt.Errorf("%w: member.%s: %v", ErrInvalidPatch, col, err)
		}
	}
	return nil
}

func (l *Label) applyPatch(p Patch) error {
	for col, v := range p {
		var err error
		switch col {
		case "name":
			err = setString(&l.Name, v)
		case "icon":
			err = setString(&l.Icon, v)
		case "created_at":
			err = setTime(&l.CreatedAt, v)
		case "updated_at":
			err = setTime(&l.UpdatedAt, v)
		}
		if err != nil {
			return fmt.Errorf("%w: label.%s: %v", ErrInvalidPatch, col, err)
		}
	}
	return nil
}

func (pat *Pat) applyPatch(p Patch) error {
	for col, v := range p {
		var err error
		switch col {
		case "name":
			err = setString(&pat.Name, v)
		case "description":
			err = setString(&pat.Description, v)
		case "token":
			err = setString(&pat.Token, v)
		case "created_at":
			err = setTime(&pat.CreatedAt, v)
		case "updated_at":
			err = setTime(&pat.UpdatedAt, v)
		}
		if err != nil {
			return fmt.Errorf("%w: pat.%s: %v", ErrInvalidPatch, col, err)
		}
	}
	return nil
}

func setString[S ~string](dst *S, v any) error {
	switch typed := v.(type) {
	case nil:
		*dst = ""
	case string:
		*dst = S(typed)
	default:
		return fmt.Errorf("expected string, got %T", v)
	}
	return nil
}

func setOptionalString(dst **string, v any) error {
	switch typed := v.(type) {
	case nil:
		*dst = nil
	case string:
		if typed == "" {
			*dst = nil
			return nil
		}
		s := typed
		*dst = &s
	default:
		return fmt.Errorf("expected string or null, got %T", v)
	}
	return nil
}

// setBool accepts JSON booleans and the Postgres text forms t/f/true/false.
func setBool(dst *bool, v any) error {
	switch typed := v.(type) {
	case nil:
		*dst = false
	case bool:
		*dst = typed
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "t", "true":
			*dst = true
		case "f", "false", "":
			*dst = false
		default:
			b, err := strconv.ParseBool(typed)
			if err != nil {
				return err
			}
			*dst = b
		}
	default:
		return fmt.Errorf("expected bool, got %T", v)
	}
	return nil
}

func setTime(dst *time.Time, v any) error {
	switch typed := v.(type) {
	case nil:
		*dst = time.Time{}
	case string:
		ts, err := ParseTimestamp(typed)
		if err != nil {
			return err
		}
		*dst = ts
	case time.Time:
		*dst = typed
	default:
		return fmt.Errorf("expected timestamp string, got %T", v)
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339 as well as the Postgres text output for
// timestamptz ("2024-05-01 10:00:00.123+00").
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
