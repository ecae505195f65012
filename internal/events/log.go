package events

import "github.com/rs/zerolog"

// Log writes each event as a structured log line. Failure events log at
// warn, everything else at debug.
type Log struct {
	Logger zerolog.Logger
}

func (p Log) Publish(e Event) {
	ev := p.Logger.Debug()
	switch e.Name {
	case PluginLoadFailed, CacheStale, CacheWriteFailed, CompileFailed:
		ev = p.Logger.Warn()
	}
	if e.Device != "" {
		ev = ev.Str("device", e.Device)
	}
	if e.Key != "" {
		ev = ev.Str("key", e.Key)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg(e.Name)
}
