package domain

import (
	"fmt"
	"strings"
)

// Category is a rarity tier assigned to a pack screenshot.
type Category string

const (
	CategoryCommon    Category = "common"
	CategoryUncommon  Category = "uncommon"
	CategoryRare      Category = "rare"
	CategoryEpic      Category = "epic"
	CategoryLegendary Category = "legendary"
	CategoryUnknown   Category = "unknown"
)

// Tiers lists the ranked categories in match priority order. Unknown is not a tier.
var Tiers = []Category{
	CategoryCommon,
	CategoryUncommon,
	CategoryRare,
	CategoryEpic,
	CategoryLegendary,
}

// AllCategories is Tiers followed by the unknown sentinel, in report order.
var AllCategories = append(append([]Category(nil), Tiers...), CategoryUnknown)

// ParseCategory maps user text to a tier. Unknown is never returned as a match.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, t := range Tiers {
		if c == t {
			return t, true
		}
	}
	return "", false
}

// ParseStored is like ParseCategory but also accepts the unknown sentinel,
// which is a valid cached outcome.
func ParseStored(s string) (Category, bool) {
	if strings.EqualFold(strings.TrimSpace(s), string(CategoryUnknown)) {
		return CategoryUnknown, true
	}
	return ParseCategory(s)
}

// Label is the capitalized display name used in reports.
func (c Category) Label() string {
	if c == "" {
		return ""
	}
	return strings.ToUpper(string(c[:1])) + string(c[1:])
}

// ChannelRange is an inclusive 8-bit interval.
type ChannelRange struct {
	Lo uint8
	Hi uint8
}

func (r ChannelRange) Contains(v uint8) bool {
	return v >= r.Lo && v <= r.Hi
}

// ColorRanges holds one interval per color channel.
type ColorRanges struct {
	R ChannelRange
	G ChannelRange
	B ChannelRange
}

// Matches reports whether all three channels fall inside their ranges.
func (cr ColorRanges) Matches(r, g, b uint8) bool {
	return cr.R.Contains(r) && cr.G.Contains(g) && cr.B.Contains(b)
}

// RangeTable maps each tier to its calibrated color ranges.
type RangeTable map[Category]ColorRanges

// DefaultRanges returns the calibrated table for the in-game rarity banner
// sampled at 1920x1080.
func DefaultRanges() RangeTable {
	return RangeTable{
		CategoryCommon:    {R: ChannelRange{90, 140}, G: ChannelRange{90, 140}, B: ChannelRange{90, 140}},
		CategoryUncommon:  {R: ChannelRange{0, 50}, G: ChannelRange{150, 255}, B: ChannelRange{0, 60}},
		CategoryRare:      {R: ChannelRange{0, 60}, G: ChannelRange{80, 180}, B: ChannelRange{180, 255}},
		CategoryEpic:      {R: ChannelRange{120, 200}, G: ChannelRange{0, 80}, B: ChannelRange{180, 255}},
		CategoryLegendary: {R: ChannelRange{200, 255}, G: ChannelRange{120, 200}, B: ChannelRange{0, 60}},
	}
}

// Clone returns a copy so callers cannot mutate a shared table.
func (t RangeTable) Clone() RangeTable {
	out := make(RangeTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Validate checks that every tier has an entry with lo <= hi on each channel.
func (t RangeTable) Validate() error {
	for _, tier := range Tiers {
		cr, ok := t[tier]
		if !ok {
			return fmt.Errorf("missing ranges for %s", tier)
		}
		for name, r := range map[string]ChannelRange{"r": cr.R, "g": cr.G, "b": cr.B} {
			if r.Lo > r.Hi {
				return fmt.Errorf("%s.%s: lo %d > hi %d", tier, name, r.Lo, r.Hi)
			}
		}
	}
	for k := range t {
		if _, ok := ParseCategory(string(k)); !ok {
			return fmt.Errorf("unexpected category %q", k)
		}
	}
	return nil
}
