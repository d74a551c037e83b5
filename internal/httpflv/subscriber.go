package httpflv

import (
	"bufio"
	"io"

	"github.com/alxayo/rtmpcore/internal/rtmp/chunk"
)

// subscriberQueueDepth bounds how many pending media messages an HTTP-FLV
// client can lag by before it starts dropping frames, matching the teacher
// registry's non-blocking TrySendMessage backpressure contract.
const subscriberQueueDepth = 256

// Subscriber adapts a media.Source's broadcast delivery (SendMessage /
// TrySendMessage) into a buffered queue drained by a writer goroutine that
// muxes each message into an FLV tag on the HTTP response body. Grounded on
// vinq1911-nonchalant's httpflv.Subscriber, rebuilt against this repo's
// chunk.Message / media.Subscriber contracts instead of a dedicated bus
// package.
type Subscriber struct {
	w       *bufio.Writer
	flusher httpFlusher
	queue   chan *chunk.Message
	done    chan struct{}
}

// httpFlusher mirrors http.Flusher without importing net/http here, so
// this file stays usable against any io.Writer in tests.
type httpFlusher interface {
	Flush()
}

// NewSubscriber wraps w (typically an http.ResponseWriter) for FLV tag
// delivery. If w also implements Flush() (as http.ResponseWriter does),
// Run calls it after every tag so data reaches the client promptly instead
// of waiting on Go's default HTTP buffering.
func NewSubscriber(w io.Writer) *Subscriber {
	s := &Subscriber{
		w:     bufio.NewWriter(w),
		queue: make(chan *chunk.Message, subscriberQueueDepth),
		done:  make(chan struct{}),
	}
	if f, ok := w.(httpFlusher); ok {
		s.flusher = f
	}
	return s
}

// WriteHeader writes the FLV file header. Must be called once before Run.
func (s *Subscriber) WriteHeader(hasAudio, hasVideo bool) error {
	if _, err := s.w.Write(flvHeader(hasAudio, hasVideo)); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// SendMessage implements media.Subscriber: blocking enqueue.
func (s *Subscriber) SendMessage(msg *chunk.Message) error {
	select {
	case s.queue <- msg:
		return nil
	case <-s.done:
		return io.ErrClosedPipe
	}
}

// TrySendMessage implements media.TrySendMessage: non-blocking enqueue,
// dropping the frame if the client is lagging.
func (s *Subscriber) TrySendMessage(msg *chunk.Message) bool {
	select {
	case s.queue <- msg:
		return true
	default:
		return false
	}
}

// Run drains the queue, writing each message as an FLV tag, until Close is
// called or a write fails (client disconnected). flush is called
// after each tag so a stalled client is detected promptly rather than
// buffering indefinitely.
func (s *Subscriber) Run() error {
	for {
		select {
		case msg, ok := <-s.queue:
			if !ok {
				return nil
			}
			if _, err := s.w.Write(muxTag(msg)); err != nil {
				return err
			}
			if err := s.w.Flush(); err != nil {
				return err
			}
			if s.flusher != nil {
				s.flusher.Flush()
			}
		case <-s.done:
			return nil
		}
	}
}

// Close stops Run and unblocks any pending SendMessage.
func (s *Subscriber) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
