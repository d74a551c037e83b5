// Package httpflv is the HttpStream/Flv listener target: it serves a
// publisher's media over chunked HTTP as FLV tags to late-joining players
// that never speak RTMP, attaching as an ordinary media.Subscriber to the
// same stream the RTMP play path uses. Grounded on
// vinq1911-nonchalant/internal/svc/httpflv, rebuilt against this repo's
// server.Registry/media.Subscriber contracts.
package httpflv

import (
	"net/http"
	"path"
	"strings"

	"github.com/alxayo/rtmpcore/internal/rtmp/chunk"
)

// MediaSubscriber mirrors media.Subscriber without importing
// internal/rtmp/media, since the *Subscriber this package hands to a
// Source satisfies it structurally.
type MediaSubscriber interface {
	SendMessage(*chunk.Message) error
}

// Source is the subset of server.Stream this package needs, kept as an
// interface so httpflv never imports internal/rtmp/server.
type Source interface {
	HasPublisher() bool
	AddSubscriber(sub MediaSubscriber)
	RemoveSubscriberByValue(sub MediaSubscriber)
	SequenceHeaders() (audio, video *chunk.Message)
	GetAudioCodec() string
	GetVideoCodec() string
}

// Registry looks up a Source by its "app/name" stream key.
type Registry interface {
	Lookup(key string) (Source, bool)
}

// Handler serves GET /{app}/{name}.flv requests.
type Handler struct {
	registry Registry
}

// NewHandler creates an httpflv Handler.
func NewHandler(registry Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes registers the catch-all ".flv" route on mux. Other routes
// (e.g. httpapi's) must be registered on more specific patterns first,
// since ServeMux prefers the longest match and this handler only accepts
// paths ending in .flv.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if path.Ext(r.URL.Path) != ".flv" {
			http.NotFound(w, r)
			return
		}
		h.serveFLV(w, r)
	})
}

func (h *Handler) serveFLV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	streamPath := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".flv")
	parts := strings.SplitN(streamPath, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	key := parts[0] + "/" + parts[1]

	src, ok := h.registry.Lookup(key)
	if !ok || !src.HasPublisher() {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	sub := NewSubscriber(w)
	src.AddSubscriber(sub)
	defer func() {
		sub.Close()
		src.RemoveSubscriberByValue(sub)
	}()

	w.Header().Set("Content-Type", "video/x-flv")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	hasAudio := src.GetAudioCodec() != ""
	hasVideo := src.GetVideoCodec() != ""
	if err := sub.WriteHeader(hasAudio, hasVideo); err != nil {
		return
	}

	audioHdr, videoHdr := src.SequenceHeaders()
	if videoHdr != nil {
		_ = sub.SendMessage(videoHdr)
	}
	if audioHdr != nil {
		_ = sub.SendMessage(audioHdr)
	}

	_ = sub.Run()
}
