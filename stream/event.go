package stream

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EventKind names an inventory change.
type EventKind int

const (
	CameraCreated EventKind = iota + 1
	CameraEnabled
	CameraDisabled
	CameraDeleted
	CameraUpdated
)

var eventKindNames = map[EventKind]string{
	CameraCreated:  "created",
	CameraEnabled:  "enabled",
	CameraDisabled: "disabled",
	CameraDeleted:  "deleted",
	CameraUpdated:  "updated",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for kind, n := range eventKindNames {
		if n == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", name)
}

// Event is delivered after the inventory layer committed its own state change.
type Event struct {
	Kind   EventKind `json:"kind"`
	Camera Config    `json:"camera"`
}

// Diff returns the events turning inventory prev into next, ordered by camera id.
func Diff(prev, next []Config) []Event {
	old := make(map[string]Config, len(prev))
	for _, c := range prev {
		old[c.CameraID] = c
	}
	cur := make(map[string]Config, len(next))
	for _, c := range next {
		cur[c.CameraID] = c
	}

	var events []Event
	for _, c := range next {
		o, ok := old[c.CameraID]
		switch {
		case !ok:
			events = append(events, Event{Kind: CameraCreated, Camera: c})
		case !o.Enabled && c.Enabled:
			if o.ConnectionChanged(c) || o.RecordingEnabled != c.RecordingEnabled {
				events = append(events, Event{Kind: CameraUpdated, Camera: Config{
					CameraID: c.CameraID, URL: c.URL, Username: c.Username, Password: c.Password,
					Transport: c.Transport, RecordingEnabled: c.RecordingEnabled,
				}})
			}
			events = append(events, Event{Kind: CameraEnabled, Camera: c})
		case o.Enabled && !c.Enabled:
			events = append(events, Event{Kind: CameraDisabled, Camera: c})
		case o != c:
			events = append(events, Event{Kind: CameraUpdated, Camera: c})
		}
	}
	for _, o := range prev {
		if _, ok := cur[o.CameraID]; !ok {
			events = append(events, Event{Kind: CameraDeleted, Camera: o})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Camera.CameraID < events[j].Camera.CameraID
	})
	return events
}
