package models

import (
	"fmt"
	"slices"
)

// ItemType classifies an itinerary item.
type ItemType string

const (
	Spot           ItemType = "Spot"
	Restaurant     ItemType = "Restaurant"
	Transportation ItemType = "Transportation"
	Flight         ItemType = "Flight"
	Accommodation  ItemType = "Accommodation"
	Other          ItemType = "Other"
)

var itemTypes = []ItemType{Spot, Restaurant, Transportation, Flight, Accommodation, Other}

// ItemTypes lists every valid item type in display order.
func ItemTypes() []ItemType {
	return slices.Clone(itemTypes)
}

// ParseItemType validates s. An empty string maps to Spot.
func ParseItemType(s string) (ItemType, error) {
	if s == "" {
		return Spot, nil
	}
	t := ItemType(s)
	if !slices.Contains(itemTypes, t) {
		return "", fmt.Errorf("unknown item type %q", s)
	}
	return t, nil
}

// Itinerary is the whole shared document, persisted as one unit.
type Itinerary struct {
	Days []Day `json:"days" bson:"days"`
}

// Day is one day of the trip. DayNumber is the stable key; position in
// Itinerary.Days is the render order.
type Day struct {
	DayNumber int    `json:"day" bson:"day"`
	Date      string `json:"date" bson:"date"`
	Theme     string `json:"theme" bson:"theme"`
	Location  string `json:"location" bson:"location"`
	Weather   string `json:"weather" bson:"weather"`
	Items     []Item `json:"items" bson:"items"`
}

// Item is a single scheduled entry inside a Day.
type Item struct {
	ID     int64    `json:"id" bson:"id"`
	Type   ItemType `json:"type" bson:"type"`
	Time   string   `json:"time" bson:"time"` // display label, not a clock value
	Name   string   `json:"name" bson:"name"`
	Detail string   `json:"detail" bson:"detail"`
	Tags   []string `json:"tags" bson:"tags"`
	// optional, used by exports and map links
	Location string `json:"location,omitempty" bson:"location,omitempty"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (it Itinerary) Clone() Itinerary {
	return Itinerary{Days: CloneDays(it.Days)}
}

// CloneDays deep-copies a day sequence.
func CloneDays(days []Day) []Day {
	if days == nil {
		return nil
	}
	out := make([]Day, len(days))
	for i, d := range days {
		out[i] = d.Clone()
	}
	return out
}

func (d Day) Clone() Day {
	c := d
	c.Items = make([]Item, len(d.Items))
	for i, item := range d.Items {
		c.Items[i] = item.Clone()
	}
	return c
}

func (i Item) Clone() Item {
	c := i
	if i.Tags != nil {
		c.Tags = slices.Clone(i.Tags)
	}
	return c
}

// IndexOfItem returns the position of the item with id, or -1.
func (d Day) IndexOfItem(id int64) int {
	return slices.IndexFunc(d.Items, func(i Item) bool { return i.ID == id })
}

// HasItem reports whether an item with id is scheduled on the day.
func (d Day) HasItem(id int64) bool {
	return d.IndexOfItem(id) >= 0
}
