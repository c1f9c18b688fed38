package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/csiro-workspace/workspace-go/internal/model"
)

// Watch-list categories. These are also the wire-format field names.
const (
	CategoryInputs      = "inputs"
	CategoryOutputs     = "outputs"
	CategoryGlobalNames = "globalNames"
)

// ErrNoWatchID is returned when a wire-format watch list has no id field.
var ErrNoWatchID = errors.New("watch list has no id")

// Entry is one watched item. In a watch request both fields are empty; in a
// delivery from the engine they carry the item's declared type and current
// value.
type Entry struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// MarshalJSON emits {} for an unresolved entry so that a request round-trips
// to the bare-name form, and always includes both fields for a resolved one
// (a resolved integer entry with value 0 must not lose its value).
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Type == "" && e.Value == nil {
		return []byte("{}"), nil
	}
	type wire Entry
	return json.Marshal(wire(e))
}

// Empty reports whether the entry carries no resolved type or value.
func (e Entry) Empty() bool {
	return e.Type == "" && e.Value == nil
}

// Number returns the entry's value as a float64 when it is numeric.
func (e Entry) Number() (float64, bool) {
	switch v := e.Value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// WatchList names a set of inputs, outputs and global names to monitor on a
// running workflow. The same structure describes both a watch request (all
// entries empty) and a delivery from the engine (entries resolved).
type WatchList struct {
	ID          string           `json:"id"`
	Inputs      map[string]Entry `json:"inputs"`
	Outputs     map[string]Entry `json:"outputs"`
	GlobalNames map[string]Entry `json:"globalNames"`
}

// NewWatchList builds a watch request from bare item names, assigning a
// fresh globally-unique identifier.
func NewWatchList(inputs, outputs, globalNames []string) *WatchList {
	wl := &WatchList{
		ID:          model.NewID(),
		Inputs:      make(map[string]Entry, len(inputs)),
		Outputs:     make(map[string]Entry, len(outputs)),
		GlobalNames: make(map[string]Entry, len(globalNames)),
	}
	for _, name := range inputs {
		wl.Inputs[name] = Entry{}
	}
	for _, name := range outputs {
		wl.Outputs[name] = Entry{}
	}
	for _, name := range globalNames {
		wl.GlobalNames[name] = Entry{}
	}
	return wl
}

// ParseWatchList decodes a wire-format watch list. The id field is what ties
// a delivery back to its registration, so a payload without one is malformed.
func ParseWatchList(data []byte) (*WatchList, error) {
	wl := &WatchList{}
	if err := json.Unmarshal(data, wl); err != nil {
		return nil, fmt.Errorf("parse watch list: %w", err)
	}
	if wl.ID == "" {
		return nil, ErrNoWatchID
	}
	if wl.Inputs == nil {
		wl.Inputs = make(map[string]Entry)
	}
	if wl.Outputs == nil {
		wl.Outputs = make(map[string]Entry)
	}
	if wl.GlobalNames == nil {
		wl.GlobalNames = make(map[string]Entry)
	}
	return wl, nil
}

// Encode serializes the watch list to its wire format.
func (wl *WatchList) Encode() ([]byte, error) {
	return json.Marshal(wl)
}

// Category returns the named entry map, or nil for an unknown category.
func (wl *WatchList) Category(category string) map[string]Entry {
	switch category {
	case CategoryInputs:
		return wl.Inputs
	case CategoryOutputs:
		return wl.Outputs
	case CategoryGlobalNames:
		return wl.GlobalNames
	}
	return nil
}
