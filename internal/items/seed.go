package items

import "time"

type seedDefinition struct {
	listKey string
	title   string
	typ     string
}

var seedDefinitions = []seedDefinition{
	{listKey: "inbox", title: "Welcome to Meridian", typ: "note"},
	{listKey: "inbox", title: "Add your first task", typ: "task"},
	{listKey: "today", title: "Review the calendar", typ: "task"},
}

// DefaultSeed builds the first-run starter items for a new user. Every seeded
// item is dirty so the first upload persists the set remotely.
func DefaultSeed(userID string, now time.Time, ids IDProvider) ([]Item, error) {
	seeded := make([]Item, 0, len(seedDefinitions))
	for position, def := range seedDefinitions {
		id, err := ids.NewID()
		if err != nil {
			return nil, err
		}
		seeded = append(seeded, Item{
			ID:        id,
			UserID:    userID,
			ListKey:   def.listKey,
			Order:     float64(position + 1),
			Title:     def.title,
			Type:      def.typ,
			UpdatedAt: now,
		})
	}
	return seeded, nil
}
