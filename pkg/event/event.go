package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of event
type EventType string

// OTA events
const (
	EventCheckVersionDone EventType = "ota.check_version_done"
	EventDownloadProgress EventType = "ota.download_progress"
	EventUpgradeProgress  EventType = "ota.upgrade_progress"
)

// Event represents an engine event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      interface{}            `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent creates a new event
func NewEvent(eventType EventType, source string, data interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
		Metadata:  make(map[string]interface{}),
	}
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Handler is a function that handles events
type Handler func(event *Event) error

// HandlerInfo contains handler information
type HandlerInfo struct {
	ID       string
	Handler  Handler
	Priority int
}
