package items

import "time"

// Item is the unit of synchronization. The sync engine interprets only the
// identity, ordering and timestamp fields; the remaining attributes are
// application payload that must round-trip unchanged.
type Item struct {
	ID      string  `json:"id"`
	UserID  string  `json:"user_id"`
	ListKey string  `json:"list_key,omitempty"`
	Order   float64 `json:"order"`

	Title      string `json:"title,omitempty"`
	Notes      string `json:"notes,omitempty"`
	Highlight  bool   `json:"highlight,omitempty"`
	Type       string `json:"type,omitempty"`
	DueDate    string `json:"due_date,omitempty"`
	Repeat     bool   `json:"repeat,omitempty"`
	Done       bool   `json:"done,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
	GroupColor string `json:"group_color,omitempty"`
	NotesWidth int    `json:"notes_width,omitempty"`
	Collapsed  bool   `json:"collapsed,omitempty"`

	// UpdatedAt is set by whichever party last mutated the item and is the
	// single authority for last-writer-wins conflict resolution.
	UpdatedAt time.Time `json:"updated_at"`
	// SyncedAt records the last time this exact content was confirmed
	// persisted remotely. Absent until the first successful upload.
	SyncedAt *time.Time `json:"synced_at,omitempty"`
	// SyncHighlight is authored by the writing client to tell other devices
	// the change is worth calling out visually.
	SyncHighlight bool `json:"sync_highlight,omitempty"`

	// JustAdded and AppearMS drive local insert animations only. They are
	// stripped from every upload payload and never persisted remotely.
	JustAdded bool `json:"just_added,omitempty"`
	AppearMS  int  `json:"appear_ms,omitempty"`
}

// Dirty reports whether the item has local changes that were never confirmed
// remotely: no sync stamp at all, or content updated after the last stamp.
func (it Item) Dirty() bool {
	if it.SyncedAt == nil {
		return true
	}
	return it.UpdatedAt.After(*it.SyncedAt)
}

// StripTransient returns a copy of the item with the UI-only animation fields
// zeroed so they are omitted from upload payloads.
func StripTransient(it Item) Item {
	it.JustAdded = false
	it.AppearMS = 0
	return it
}

// ComparableFields is the allow-list of business fields inspected by the
// change comparator. Structural and transient fields are deliberately absent
// so they never produce false divergence reports.
var ComparableFields = []string{
	"title",
	"notes",
	"highlight",
	"type",
	"due_date",
	"repeat",
	"list_key",
	"done",
	"deleted",
	"order",
	"group_color",
	"notes_width",
	"collapsed",
}

// FieldValue extracts the comparator value for one of the allow-listed
// fields. Unknown field names yield nil on both sides and therefore never
// diff.
func FieldValue(it Item, field string) any {
	switch field {
	case "title":
		return it.Title
	case "notes":
		return it.Notes
	case "highlight":
		return it.Highlight
	case "type":
		return it.Type
	case "due_date":
		return it.DueDate
	case "repeat":
		return it.Repeat
	case "list_key":
		return it.ListKey
	case "done":
		return it.Done
	case "deleted":
		return it.Deleted
	case "order":
		return it.Order
	case "group_color":
		return it.GroupColor
	case "notes_width":
		return it.NotesWidth
	case "collapsed":
		return it.Collapsed
	default:
		return nil
	}
}

// IndexByID builds an id-keyed map over the provided items. Later entries win
// on duplicate ids.
func IndexByID(list []Item) map[string]Item {
	index := make(map[string]Item, len(list))
	for _, it := range list {
		index[it.ID] = it
	}
	return index
}

// IDs returns the identifiers of the provided items in slice order.
func IDs(list []Item) []string {
	ids := make([]string, 0, len(list))
	for _, it := range list {
		ids = append(ids, it.ID)
	}
	return ids
}
