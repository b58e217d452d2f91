package nostr

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Filter selects events. Empty fields match everything.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	// Tags maps a single-letter tag name (without '#') to accepted values.
	Tags  map[string][]string
	Since *Timestamp
	Until *Timestamp
	// Limit is nil when unset. A zero limit asks only for new events.
	Limit  *int
	Search string
}

// Matches reports whether ev passes the filter. Limit and Search are not
// evaluated.
func (f *Filter) Matches(ev *Event) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	for name, want := range f.Tags {
		if !slices.ContainsFunc(ev.Tags.Values(name), func(v string) bool {
			return slices.Contains(want, v)
		}) {
			return false
		}
	}
	return true
}

// WithLimit returns a copy of the filter with the limit set to n.
func (f Filter) WithLimit(n int) Filter {
	f.Limit = &n
	return f
}

// String returns the JSON form of the filter.
func (f Filter) String() string {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Sprintf("<invalid filter: %v>", err)
	}
	return string(b)
}

func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 8+len(f.Tags))
	if f.IDs != nil {
		m["ids"] = f.IDs
	}
	if f.Authors != nil {
		m["authors"] = f.Authors
	}
	if f.Kinds != nil {
		m["kinds"] = f.Kinds
	}
	for name, vals := range f.Tags {
		m["#"+name] = vals
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit != nil {
		m["limit"] = *f.Limit
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	return json.Marshal(m)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for _, key := range slices.Sorted(maps.Keys(raw)) {
		val := raw[key]
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(val, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(val, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(val, &f.Kinds)
		case key == "since":
			err = json.Unmarshal(val, &f.Since)
		case key == "until":
			err = json.Unmarshal(val, &f.Until)
		case key == "limit":
			err = json.Unmarshal(val, &f.Limit)
		case key == "search":
			err = json.Unmarshal(val, &f.Search)
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var vals []string
			if err = json.Unmarshal(val, &vals); err == nil {
				if f.Tags == nil {
					f.Tags = make(map[string][]string)
				}
				f.Tags[key[1:]] = vals
			}
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", key, err)
		}
	}
	return nil
}

// Filters is a list of filters matched as a union.
type Filters []Filter

// Matches reports whether any of the filters matches ev.
func (fs Filters) Matches(ev *Event) bool {
	for i := range fs {
		if fs[i].Matches(ev) {
			return true
		}
	}
	return false
}
