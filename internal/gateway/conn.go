package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxplane/voxplane/internal/observe"
	"github.com/voxplane/voxplane/internal/pipeline"
	"github.com/voxplane/voxplane/internal/session"
)

// sendQueueSize bounds the per-connection outbound queue. Audio frames
// are dropped when it saturates; control messages block instead and are
// never dropped.
const sendQueueSize = 64

// writeTimeout bounds a single websocket write so one dead client
// cannot wedge its writer goroutine forever.
const writeTimeout = 10 * time.Second

// socket is the subset of *websocket.Conn the gateway uses, widened to
// an interface so tests can run without TCP.
type socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type outFrame struct {
	binary bool
	data   []byte

	// turn is the audio epoch the frame belongs to. Barge-in bumps the
	// connection's epoch, so the writer can discard queued audio from
	// the cancelled turn instead of playing it ahead of the barge_in
	// signal.
	turn uint64
}

// Conn owns one client connection. All outbound traffic funnels through
// a single writer goroutine, which serializes writes and preserves
// emission order. Conn implements pipeline.Emitter so the orchestrator
// writes to the wire without knowing about websockets.
type Conn struct {
	id      string
	sock    socket
	log     *slog.Logger
	metrics *observe.Metrics

	sendCh chan outFrame
	closed chan struct{}

	closeOnce sync.Once

	mu           sync.Mutex
	audioDropped bool
	turn         uint64
}

var _ pipeline.Emitter = (*Conn)(nil)

func newConn(id string, sock socket, metrics *observe.Metrics, log *slog.Logger) *Conn {
	return &Conn{
		id:      id,
		sock:    sock,
		log:     log.With("connection_id", id),
		metrics: metrics,
		sendCh:  make(chan outFrame, sendQueueSize),
		closed:  make(chan struct{}),
	}
}

// ID returns the connection identifier sent in the connected greeting.
func (c *Conn) ID() string { return c.id }

// startWriter launches the writer goroutine. It exits when the
// connection closes or a write fails.
func (c *Conn) startWriter() {
	go func() {
		for {
			select {
			case f := <-c.sendCh:
				if f.binary && c.staleAudio(f.turn) {
					continue
				}
				typ := websocket.MessageText
				if f.binary {
					typ = websocket.MessageBinary
				}
				ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				err := c.sock.Write(ctx, typ, f.data)
				cancel()
				if err != nil {
					c.log.Debug("write failed, closing connection", "error", err)
					c.Close(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			case <-c.closed:
				return
			}
		}
	}()
}

// Close tears down the connection. Safe to call more than once.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.sock.Close(code, reason)
	})
}

// sendControl queues a control message, blocking while the queue is
// full. Control messages are never dropped; the only escape is the
// connection closing underneath.
func (c *Conn) sendControl(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal control message", "error", err)
		return
	}
	select {
	case c.sendCh <- outFrame{data: data}:
	case <-c.closed:
	}
}

// SendPartial implements pipeline.Emitter.
func (c *Conn) SendPartial(text string) {
	c.sendControl(TextMessage{Type: TypeSTTPartial, Text: text})
}

// SendFinal implements pipeline.Emitter.
func (c *Conn) SendFinal(text string) {
	c.sendControl(TextMessage{Type: TypeSTTFinal, Text: text})
}

// SendToken implements pipeline.Emitter.
func (c *Conn) SendToken(token string) {
	c.sendControl(TokenMessage{Type: TypeLLMToken, Token: token})
}

// SendAudio implements pipeline.Emitter. Audio is the only droppable
// traffic: when the queue is saturated the frame is discarded and a
// single audio_dropped error is raised for the current turn.
func (c *Conn) SendAudio(pcm []byte) {
	c.mu.Lock()
	turn := c.turn
	c.mu.Unlock()

	select {
	case c.sendCh <- outFrame{binary: true, data: pcm, turn: turn}:
		return
	case <-c.closed:
		return
	default:
	}

	c.metrics.DroppedAudioFrames.Add(context.Background(), 1)
	c.mu.Lock()
	first := !c.audioDropped
	c.audioDropped = true
	c.mu.Unlock()
	if first {
		c.sendControl(ErrorMessage{
			Type:  TypeError,
			Error: "outbound audio dropped under backpressure",
			Code:  CodeAudioDropped,
		})
	}
}

// SendBargeIn implements pipeline.Emitter. Cancelled playback must not
// reach the client, so the audio epoch advances before barge_in is
// queued: frames from the preempted turn still sitting in the queue are
// discarded by the writer.
func (c *Conn) SendBargeIn() {
	c.mu.Lock()
	c.turn++
	c.audioDropped = false
	c.mu.Unlock()
	c.sendControl(BargeIn{Type: TypeBargeIn})
}

// SendTurnComplete implements pipeline.Emitter.
func (c *Conn) SendTurnComplete(m pipeline.TurnMetrics) {
	c.resetTurn()
	c.sendControl(TurnComplete{Type: TypeTurnComplete, Metrics: m})
}

// SendSessionEnded implements pipeline.Emitter.
func (c *Conn) SendSessionEnded(m session.Metrics) {
	c.sendControl(SessionEnded{Type: TypeSessionEnded, Metrics: m})
}

// SendError implements pipeline.Emitter.
func (c *Conn) SendError(code, message string) {
	c.sendControl(ErrorMessage{Type: TypeError, Error: message, Code: code})
}

// sendDenial reports an admission denial with its {current, max} pair.
func (c *Conn) sendDenial(code, message string, current, max int) {
	c.sendControl(ErrorMessage{
		Type:    TypeError,
		Error:   message,
		Code:    code,
		Details: &ErrorDetails{Current: current, Max: max},
	})
}

// resetTurn re-arms the once-per-turn audio_dropped signal.
func (c *Conn) resetTurn() {
	c.mu.Lock()
	c.audioDropped = false
	c.mu.Unlock()
}

// staleAudio reports whether an audio frame belongs to a turn that has
// since been barged in on.
func (c *Conn) staleAudio(turn uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return turn != c.turn
}
