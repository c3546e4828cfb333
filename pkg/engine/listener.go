package engine

import (
	log "github.com/sirupsen/logrus"

	"github.com/iot-go-sdk/otaengine/pkg/event"
	"github.com/iot-go-sdk/otaengine/pkg/ota"
)

// Listener receives engine notifications. Methods run on the engine's event
// goroutine, one at a time and in order. They may call any engine method
// except Close.
type Listener interface {
	OnCheckVersionDone(info ota.VersionInfo)
	OnDownloadProgress(p ota.Progress)
	OnUpgradeProgress(p ota.Progress)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	CheckVersionDone func(ota.VersionInfo)
	DownloadProgress func(ota.Progress)
	UpgradeProgress  func(ota.Progress)
}

func (f ListenerFuncs) OnCheckVersionDone(info ota.VersionInfo) {
	if f.CheckVersionDone != nil {
		f.CheckVersionDone(info)
	}
}

func (f ListenerFuncs) OnDownloadProgress(p ota.Progress) {
	if f.DownloadProgress != nil {
		f.DownloadProgress(p)
	}
}

func (f ListenerFuncs) OnUpgradeProgress(p ota.Progress) {
	if f.UpgradeProgress != nil {
		f.UpgradeProgress(p)
	}
}

var listenerEvents = []event.EventType{
	event.EventCheckVersionDone,
	event.EventDownloadProgress,
	event.EventUpgradeProgress,
}

// listenerHandler dispatches bus events to l. Download events of a cancelled
// session are dropped, also when an earlier listener cancelled it.
func (e *Engine) listenerHandler(l Listener) event.Handler {
	return func(ev *event.Event) error {
		if gen, ok := ev.Metadata[genKey].(uint64); ok && e.stale(gen) {
			return nil
		}
		switch ev.Type {
		case event.EventCheckVersionDone:
			if info, ok := ev.Data.(ota.VersionInfo); ok {
				l.OnCheckVersionDone(info.Clone())
			}
		case event.EventDownloadProgress:
			if p, ok := ev.Data.(ota.Progress); ok {
				l.OnDownloadProgress(p)
			}
		case event.EventUpgradeProgress:
			if p, ok := ev.Data.(ota.Progress); ok {
				l.OnUpgradeProgress(p)
			}
		default:
			log.Debugf("listener ignores event %s", ev.Type)
		}
		return nil
	}
}
