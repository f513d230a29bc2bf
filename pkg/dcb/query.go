package dcb

import "sort"

// QueryItem is a single AND-conjunction: an event matches it when the
// event's type is in EventTypes (or EventTypes is empty) AND the event
// carries every tag in Tags. This is an opaque type: construct only via
// NewQueryItem.
type QueryItem interface {
	isQueryItem()
	EventTypes() []string
	Tags() []Tag
}

type queryItem struct {
	eventTypes []string
	tags       []Tag
}

func (qi *queryItem) isQueryItem()        {}
func (qi *queryItem) EventTypes() []string { return qi.eventTypes }
func (qi *queryItem) Tags() []Tag          { return qi.tags }

// NewQueryItem builds a QueryItem. At least one event type or one tag must
// be supplied; an item with neither would match every event in the log,
// which is never the caller's intent and is rejected up front.
func NewQueryItem(eventTypes []string, tags []Tag) (QueryItem, error) {
	if len(eventTypes) == 0 && len(tags) == 0 {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "new_query_item", Err: errEmptyQueryItem},
			Field:           "query_item",
		}
	}
	return &queryItem{eventTypes: eventTypes, tags: tags}, nil
}

// Query is a set of QueryItems combined with OR semantics: an event matches
// the query when it matches at least one item. This is an opaque type:
// construct only via NewQuery/NewQueryFromItems/NewQueryAll/NewQueryEmpty.
type Query interface {
	isQuery()
	Items() []QueryItem
}

type query struct {
	items []QueryItem
}

func (q *query) isQuery()          {}
func (q *query) Items() []QueryItem { return q.items }

// NewQuery builds a Query matching the union of the given types and tags as
// a single conjunction (equivalent to NewQueryFromItems with one item).
func NewQuery(eventTypes []string, tags []Tag) (Query, error) {
	item, err := NewQueryItem(eventTypes, tags)
	if err != nil {
		return nil, err
	}
	return &query{items: []QueryItem{item}}, nil
}

// NewQueryFromItems builds a Query from pre-built items, OR-ed together. At
// least one item is required.
func NewQueryFromItems(items ...QueryItem) (Query, error) {
	if len(items) == 0 {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "new_query_from_items", Err: errEmptyQuery},
			Field:           "items",
		}
	}
	return &query{items: items}, nil
}

// NewQueryAll builds a Query that matches every event in the log. Used for
// unconditional scans, never for conflict screening (see NewQueryEmpty).
func NewQueryAll() Query {
	return &query{items: nil}
}

// NewQueryEmpty builds the query with zero items. Per this package's
// conflict-screening semantics, an empty stateChanged query matches
// nothing, making the append it guards unconditional in practice. Use
// NewQueryAll when "matches everything" is what is actually meant (plain
// scans), and NewQueryEmpty only when "matches nothing" is what is meant.
func NewQueryEmpty() Query {
	return &query{items: []QueryItem{}}
}

// MatchesEverything reports whether q was built with NewQueryAll.
func (q *query) MatchesEverything() bool {
	return q.items == nil
}

// QueryBuilder provides a fluent way to assemble a Query out of several
// QueryItems.
type QueryBuilder struct {
	items []QueryItem
	err   error
}

// NewQueryBuilder starts an empty QueryBuilder.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

// AddItem appends a pre-built QueryItem.
func (b *QueryBuilder) AddItem(item QueryItem) *QueryBuilder {
	b.items = append(b.items, item)
	return b
}

// WithTagAndType adds an item matching a single event type and a single
// key/value tag.
func (b *QueryBuilder) WithTagAndType(eventType, tagKey, tagValue string) *QueryBuilder {
	t, err := NewTag(tagKey, tagValue)
	if err != nil {
		b.err = err
		return b
	}
	item, err := NewQueryItem([]string{eventType}, []Tag{t})
	if err != nil {
		b.err = err
		return b
	}
	return b.AddItem(item)
}

// WithType adds an item matching any event of the given type, regardless of
// tags.
func (b *QueryBuilder) WithType(eventType string) *QueryBuilder {
	item, err := NewQueryItem([]string{eventType}, nil)
	if err != nil {
		b.err = err
		return b
	}
	return b.AddItem(item)
}

// WithTag adds an item matching any event carrying the given tag,
// regardless of type.
func (b *QueryBuilder) WithTag(key, value string) *QueryBuilder {
	t, err := NewTag(key, value)
	if err != nil {
		b.err = err
		return b
	}
	item, err := NewQueryItem(nil, []Tag{t})
	if err != nil {
		b.err = err
		return b
	}
	return b.AddItem(item)
}

// Build finalizes the Query, returning the first construction error
// encountered, if any.
func (b *QueryBuilder) Build() (Query, error) {
	if b.err != nil {
		return nil, b.err
	}
	return NewQueryFromItems(b.items...)
}

// MatchEvent reports whether event satisfies query: at least one QueryItem
// whose event types (if any) contain event.Type and whose tags are all
// present on the event.
func MatchEvent(event Event, query Query) bool {
	if query == nil {
		return false
	}
	if aq, ok := query.(*query); ok && aq.MatchesEverything() {
		return true
	}
	items := query.Items()
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if matchItem(event, item) {
			return true
		}
	}
	return false
}

func matchItem(event Event, item QueryItem) bool {
	if types := item.EventTypes(); len(types) > 0 {
		found := false
		for _, t := range types {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, want := range item.Tags() {
		if !hasTag(event.Tags, want) {
			return false
		}
	}
	return true
}

func hasTag(tags []Tag, want Tag) bool {
	for _, t := range tags {
		if t.Key() == want.Key() && t.Value() == want.Value() {
			return true
		}
	}
	return false
}

// TagsToStrings renders tags in their canonical "key:value" wire form,
// sorted for stable comparisons and SQL array literals.
func TagsToStrings(tags []Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.Key() + ":" + t.Value()
	}
	sort.Strings(out)
	return out
}
