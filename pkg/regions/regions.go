// Package regions reduces the upstream alert status string to the
// locations a deployment cares about.
package regions

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultSpec is the set of location UIDs served when no other set is configured.
const DefaultSpec = "30-153,564,1293,1801-1804"

// Range is an inclusive span of location UIDs.
type Range struct {
	From int `json:"from" yaml:"from"`
	To   int `json:"to" yaml:"to"`
}

// Set is an ordered list of UID ranges. Order is significant: it is the
// order in which retained statuses appear in a Filtered pattern.
type Set []Range

// Status is the alert state of a single location.
type Status struct {
	UID    int    `json:"uid"`
	Status string `json:"status"`
}

// Filtered is the client-facing view of an upstream payload.
type Filtered struct {
	// Pattern is the retained status characters concatenated in range order.
	Pattern string `json:"pattern"`
	// Regions holds the same data as one record per location.
	Regions []Status `json:"regions"`
}

// DefaultSet returns a freshly parsed copy of DefaultSpec.
func DefaultSet() Set {
	return MustParseSet(DefaultSpec)
}

// ParseSet parses a comma separated list of UIDs and UID ranges,
// e.g. "30-153,564,1801-1804". Whitespace around items is ignored.
func ParseSet(spec string) (Set, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("region set is empty")
	}

	var set Set
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		r, err := parseRange(item)
		if err != nil {
			return nil, err
		}
		set = append(set, r)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("region set %q contains no ranges", spec)
	}
	return set, nil
}

// MustParseSet is like ParseSet but panics on error. Intended for constants.
func MustParseSet(spec string) Set {
	set, err := ParseSet(spec)
	if err != nil {
		panic(err)
	}
	return set
}

func parseRange(item string) (Range, error) {
	from, to, isRange := strings.Cut(item, "-")
	lo, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return Range{}, fmt.Errorf("invalid region uid %q: %w", item, err)
	}
	hi := lo
	if isRange {
		hi, err = strconv.Atoi(strings.TrimSpace(to))
		if err != nil {
			return Range{}, fmt.Errorf("invalid region range %q: %w", item, err)
		}
	}
	if lo < 0 || hi < lo {
		return Range{}, fmt.Errorf("invalid region range %q: bounds must satisfy 0 <= from <= to", item)
	}
	return Range{From: lo, To: hi}, nil
}

// String renders the set back into the form accepted by ParseSet.
func (s Set) String() string {
	parts := make([]string, 0, len(s))
	for _, r := range s {
		if r.From == r.To {
			parts = append(parts, strconv.Itoa(r.From))
			continue
		}
		parts = append(parts, fmt.Sprintf("%d-%d", r.From, r.To))
	}
	return strings.Join(parts, ",")
}

// Contains reports whether uid falls inside any range of the set.
func (s Set) Contains(uid int) bool {
	for _, r := range s {
		if uid >= r.From && uid <= r.To {
			return true
		}
	}
	return false
}

// UIDs returns every UID in the set, sorted and de-duplicated.
func (s Set) UIDs() []int {
	seen := make(map[int]struct{})
	var out []int
	for _, r := range s {
		for uid := r.From; uid <= r.To; uid++ {
			if _, ok := seen[uid]; ok {
				continue
			}
			seen[uid] = struct{}{}
			out = append(out, uid)
		}
	}
	sort.Ints(out)
	return out
}

// Filter keeps the statuses of the locations in set. UIDs past the end of raw
// are dropped silently, so a raw string that covers none of the set yields an
// empty, non-nil result.
func Filter(raw string, set Set) Filtered {
	var b strings.Builder
	out := Filtered{Regions: []Status{}}
	for _, r := range set {
		if r.From >= len(raw) {
			continue
		}
		end := r.To
		if end >= len(raw) {
			end = len(raw) - 1
		}
		b.WriteString(raw[r.From : end+1])
		for uid := r.From; uid <= end; uid++ {
			out.Regions = append(out.Regions, Status{UID: uid, Status: raw[uid : uid+1]})
		}
	}
	out.Pattern = b.String()
	return out
}
