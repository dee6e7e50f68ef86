package capability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
)

var (
	// ErrUnknownManufacturer is returned when the library has no section
	// for the device's manufacturer name.
	ErrUnknownManufacturer = errors.New("unknown manufacturer")
	// ErrNoMatch is returned when no entry lists the device's model name.
	ErrNoMatch = errors.New("no matching model")
)

// Library is the capability library: manufacturer name to profile entries.
type Library map[string][]Entry

// Entry assigns named behaviors to the endpoints of one or more models.
type Entry struct {
	ModelNames   []string       `json:"modelNames"`
	EndpointID   EndpointIDs    `json:"endpointId"`
	Description  *string        `json:"description,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
	Actions      []string       `json:"actions,omitempty"`
	Properties   []string       `json:"properties,omitempty"`
	Reportings   []string       `json:"reportings,omitempty"`
	Polls        []string       `json:"polls,omitempty"`
	PollInterval int            `json:"pollInterval,omitempty"`
}

// Matches reports whether the entry lists the model name.
func (e *Entry) Matches(model string) bool {
	return slices.Contains(e.ModelNames, model)
}

// Endpoints returns the target endpoint ids, defaulting to endpoint 1.
func (e *Entry) Endpoints() []uint8 {
	if len(e.EndpointID.IDs) == 0 {
		return []uint8{1}
	}
	return e.EndpointID.IDs
}

// EndpointIDs is either a single endpoint id or a list of them.
// Multiple is true when the JSON value was a list.
type EndpointIDs struct {
	IDs      []uint8
	Multiple bool
}

// UnmarshalJSON accepts an integer or a non-empty array of integers.
func (e *EndpointIDs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*e = EndpointIDs{}
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var ids []uint8
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("endpointId list: %w", err)
		}
		if len(ids) == 0 {
			return errors.New("endpointId list is empty")
		}
		*e = EndpointIDs{IDs: ids, Multiple: true}
		return nil
	}
	var id uint8
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("endpointId: %w", err)
	}
	*e = EndpointIDs{IDs: []uint8{id}}
	return nil
}

// MarshalJSON writes a list when Multiple is set, a single integer otherwise.
func (e EndpointIDs) MarshalJSON() ([]byte, error) {
	if e.Multiple {
		ids := make([]int, len(e.IDs))
		for i, id := range e.IDs {
			ids[i] = int(id)
		}
		return json.Marshal(ids)
	}
	if len(e.IDs) == 0 {
		return []byte("1"), nil
	}
	return json.Marshal(int(e.IDs[0]))
}

// ParseLibrary decodes a capability library document.
func ParseLibrary(data []byte) (Library, error) {
	var lib Library
	if err := json.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("parse library: %w", err)
	}
	return lib, nil
}

// LoadLibrary reads and decodes the library file. It is read fresh on every
// call so edits take effect on the next device setup.
func LoadLibrary(path string) (Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read library: %w", err)
	}
	return ParseLibrary(data)
}

// Match returns every entry of the manufacturer's section that lists model.
func (l Library) Match(manufacturer, model string) ([]Entry, error) {
	entries, ok := l[manufacturer]
	if !ok {
		return nil, fmt.Errorf("%q: %w", manufacturer, ErrUnknownManufacturer)
	}
	var matched []Entry
	for _, e := range entries {
		if e.Matches(model) {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("%q %q: %w", manufacturer, model, ErrNoMatch)
	}
	return matched, nil
}
