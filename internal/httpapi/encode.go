package httpapi

import (
	"encoding/json"

	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// wireEvent is the SSE payload shape (§6): {"step": "<action>", "data": <event-object>}.
type wireEvent struct {
	Step string         `json:"step"`
	Data wireEventData  `json:"data"`
}

type wireEventData struct {
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func encodeEvent(evt task.Event) ([]byte, error) {
	w := wireEvent{
		Step: string(evt.Action),
		Data: wireEventData{
			TaskID: evt.TaskID,
			Data:   evt.Data,
		},
	}
	if !evt.Timestamp.IsZero() {
		w.Data.Timestamp = evt.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return json.Marshal(w)
}
