package server

// Adapters bridging this package's Registry/Stream types to the narrow
// interfaces internal/httpflv and internal/httpapi declare, so those
// packages never import internal/rtmp/server (avoiding an import cycle
// through internal/rtmp/media).

import (
	"strings"

	"github.com/alxayo/rtmpcore/internal/httpapi"
	"github.com/alxayo/rtmpcore/internal/httpflv"
	"github.com/alxayo/rtmpcore/internal/rtmp/chunk"
	"github.com/alxayo/rtmpcore/internal/rtmp/media"
)

// streamSource adapts *Stream to httpflv.Source. The adaptation exists
// because Stream's Subscribers slice is typed media.Subscriber while
// httpflv declares its own MediaSubscriber interface with an identical
// method set: Go requires exact interface-type identity in method
// signatures, so a small shim is needed at the boundary even though the
// two interfaces are structurally the same.
type streamSource struct{ s *Stream }

func (a streamSource) HasPublisher() bool { return a.s.HasPublisher() }

func (a streamSource) AddSubscriber(sub httpflv.MediaSubscriber) {
	a.s.AddSubscriber(mediaSubscriberAdapter{sub})
}

func (a streamSource) RemoveSubscriberByValue(sub httpflv.MediaSubscriber) {
	a.s.RemoveSubscriberByValue(mediaSubscriberAdapter{sub})
}

func (a streamSource) SequenceHeaders() (audio, video *chunk.Message) { return a.s.SequenceHeaders() }
func (a streamSource) GetAudioCodec() string                         { return a.s.GetAudioCodec() }
func (a streamSource) GetVideoCodec() string                         { return a.s.GetVideoCodec() }

// mediaSubscriberAdapter makes an httpflv.MediaSubscriber satisfy
// media.Subscriber so it can be stored in Stream.Subscribers alongside
// ordinary RTMP play subscribers.
type mediaSubscriberAdapter struct{ sub httpflv.MediaSubscriber }

func (m mediaSubscriberAdapter) SendMessage(msg *chunk.Message) error { return m.sub.SendMessage(msg) }

// registrySource adapts *Registry to httpflv.Registry.
type registrySource struct{ r *Registry }

// NewHTTPFLVRegistry exposes reg as an httpflv.Registry.
func NewHTTPFLVRegistry(reg *Registry) httpflv.Registry { return registrySource{r: reg} }

func (a registrySource) Lookup(key string) (httpflv.Source, bool) {
	s := a.r.GetStream(key)
	if s == nil {
		return nil, false
	}
	return streamSource{s: s}, true
}

// registryInfo adapts *Registry to httpapi.Registry.
type registryInfo struct{ r *Registry }

// NewHTTPAPIRegistry exposes reg as an httpapi.Registry.
func NewHTTPAPIRegistry(reg *Registry) httpapi.Registry { return registryInfo{r: reg} }

func (a registryInfo) Snapshot() []httpapi.StreamInfo {
	streams := a.r.Streams()
	out := make([]httpapi.StreamInfo, 0, len(streams))
	for _, s := range streams {
		app, name := splitStreamKey(s.Key)
		out = append(out, httpapi.StreamInfo{
			App:             app,
			Name:            name,
			HasPublisher:    s.HasPublisher(),
			SubscriberCount: s.SubscriberCount(),
		})
	}
	return out
}

func splitStreamKey(key string) (app, name string) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

// reloaderFunc adapts a plain function to httpapi.Reloader.
type reloaderFunc func() error

func (f reloaderFunc) Reload() error { return f() }

// NewHTTPAPIReloader wraps fn as an httpapi.Reloader.
func NewHTTPAPIReloader(fn func() error) httpapi.Reloader { return reloaderFunc(fn) }

var _ media.Subscriber = mediaSubscriberAdapter{}
