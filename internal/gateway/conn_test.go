package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxplane/voxplane/internal/observe"
	"github.com/voxplane/voxplane/internal/pipeline"
	"github.com/voxplane/voxplane/internal/session"
)

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type writtenFrame struct {
	typ  websocket.MessageType
	data []byte
}

// fakeSocket satisfies the socket interface without a network. Write
// blocks while block is open, simulating a congested peer.
type fakeSocket struct {
	mu     sync.Mutex
	writes []writtenFrame
	block  chan struct{}
}

func (s *fakeSocket) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return 0, nil, ctx.Err()
}

func (s *fakeSocket) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.writes = append(s.writes, writtenFrame{typ: typ, data: cp})
	return nil
}

func (s *fakeSocket) Close(websocket.StatusCode, string) error { return nil }

func (s *fakeSocket) snapshot() []writtenFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]writtenFrame(nil), s.writes...)
}

func (s *fakeSocket) waitWrites(t *testing.T, n int) []writtenFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w := s.snapshot(); len(w) >= n {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("only %d writes after 2s, want %d", len(s.snapshot()), n)
	return nil
}

func decodeType(t *testing.T, data []byte) string {
	t.Helper()
	var m struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m.Type
}

func TestConnEmitterWireShapes(t *testing.T) {
	t.Parallel()

	sock := &fakeSocket{}
	c := newConn("c1", sock, newTestMetrics(t), discardLogger())
	c.startWriter()
	defer c.Close(websocket.StatusNormalClosure, "done")

	c.SendPartial("he")
	c.SendFinal("hello")
	c.SendToken("Hi")
	c.SendAudio([]byte{1, 2})
	c.SendBargeIn()
	c.SendTurnComplete(pipeline.TurnMetrics{Turn: 1, Tokens: 3})
	c.SendSessionEnded(session.Metrics{TurnCount: 1})
	c.SendError("LLM_ERROR", "boom")

	writes := sock.waitWrites(t, 8)

	wantTypes := []string{
		TypeSTTPartial, TypeSTTFinal, TypeLLMToken,
		"", // binary frame
		TypeBargeIn, TypeTurnComplete, TypeSessionEnded, TypeError,
	}
	for i, want := range wantTypes {
		if want == "" {
			if writes[i].typ != websocket.MessageBinary {
				t.Errorf("write %d: type %v, want binary", i, writes[i].typ)
			}
			continue
		}
		if writes[i].typ != websocket.MessageText {
			t.Fatalf("write %d: not a text frame", i)
		}
		if got := decodeType(t, writes[i].data); got != want {
			t.Errorf("write %d: type %q, want %q", i, got, want)
		}
	}

	var errMsg ErrorMessage
	if err := json.Unmarshal(writes[7].data, &errMsg); err != nil {
		t.Fatalf("unmarshal error message: %v", err)
	}
	if errMsg.Code != "LLM_ERROR" || errMsg.Error != "boom" {
		t.Errorf("error message = %+v", errMsg)
	}
}

func TestConnDropsAudioOncePerTurn(t *testing.T) {
	t.Parallel()

	blk := make(chan struct{})
	sock := &fakeSocket{block: blk}
	c := newConn("c1", sock, newTestMetrics(t), discardLogger())
	c.startWriter()
	defer c.Close(websocket.StatusNormalClosure, "done")

	const frames = 100
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		for i := 0; i < frames; i++ {
			c.SendAudio([]byte{1, 2})
		}
	}()

	// Let the queue saturate against the blocked writer, then release.
	time.Sleep(50 * time.Millisecond)
	close(blk)
	<-senderDone

	// Drain: sender finished, wait for the writer to flush the queue.
	deadline := time.Now().Add(2 * time.Second)
	var writes []writtenFrame
	for time.Now().Before(deadline) {
		writes = sock.snapshot()
		if len(writes) > 0 && len(writes) == len(sock.snapshot()) {
			time.Sleep(20 * time.Millisecond)
			if len(sock.snapshot()) == len(writes) {
				break
			}
		}
	}

	var binary, dropped int
	for _, w := range writes {
		if w.typ == websocket.MessageBinary {
			binary++
			continue
		}
		var em ErrorMessage
		if err := json.Unmarshal(w.data, &em); err == nil && em.Code == CodeAudioDropped {
			dropped++
		}
	}

	if binary >= frames {
		t.Errorf("no audio dropped: %d of %d frames written", binary, frames)
	}
	if dropped != 1 {
		t.Errorf("audio_dropped errors = %d, want exactly 1", dropped)
	}

	// Turn boundary re-arms the signal.
	c.SendTurnComplete(pipeline.TurnMetrics{Turn: 1})
	sock.waitWrites(t, len(writes)+1)
	c.mu.Lock()
	rearmed := !c.audioDropped
	c.mu.Unlock()
	if !rearmed {
		t.Error("audio_dropped not re-armed by turn_complete")
	}
}

func TestConnBargeInDiscardsQueuedAudio(t *testing.T) {
	t.Parallel()

	blk := make(chan struct{})
	sock := &fakeSocket{block: blk}
	c := newConn("c1", sock, newTestMetrics(t), discardLogger())
	c.startWriter()
	defer c.Close(websocket.StatusNormalClosure, "done")

	// Queue stale playback against the blocked writer, then preempt.
	const stale = 10
	for i := 0; i < stale; i++ {
		c.SendAudio([]byte{1, 2})
	}
	c.SendBargeIn()
	c.SendAudio([]byte{3, 4})

	close(blk)

	// barge_in plus the fresh frame must come through; at most the one
	// frame already in flight at the writer may precede them.
	writes := sock.waitWrites(t, 2)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		writes = sock.snapshot()
		if containsFrame(writes, []byte{3, 4}) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	bargeAt := -1
	for i, w := range writes {
		if w.typ == websocket.MessageText && decodeType(t, w.data) == TypeBargeIn {
			bargeAt = i
			break
		}
	}
	if bargeAt == -1 {
		t.Fatal("barge_in never written")
	}

	staleBefore := 0
	for _, w := range writes[:bargeAt] {
		if w.typ == websocket.MessageBinary {
			staleBefore++
		}
	}
	if staleBefore > 1 {
		t.Errorf("%d stale audio frames written before barge_in, want at most the in-flight one", staleBefore)
	}
	for _, w := range writes[bargeAt:] {
		if w.typ == websocket.MessageBinary && string(w.data) == string([]byte{1, 2}) {
			t.Error("stale audio from the preempted turn delivered after barge_in")
		}
	}
	if !containsFrame(writes, []byte{3, 4}) {
		t.Error("post-barge-in audio never delivered")
	}
}

func containsFrame(writes []writtenFrame, data []byte) bool {
	for _, w := range writes {
		if w.typ == websocket.MessageBinary && string(w.data) == string(data) {
			return true
		}
	}
	return false
}

func TestConnControlNeverDropped(t *testing.T) {
	t.Parallel()

	blk := make(chan struct{})
	sock := &fakeSocket{block: blk}
	c := newConn("c1", sock, newTestMetrics(t), discardLogger())
	c.startWriter()
	defer c.Close(websocket.StatusNormalClosure, "done")

	const tokens = sendQueueSize * 2
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < tokens; i++ {
			c.SendToken("x")
		}
	}()

	select {
	case <-done:
		t.Fatal("control sends completed against a blocked writer; they should backpressure")
	case <-time.After(50 * time.Millisecond):
	}

	close(blk)
	<-done

	writes := sock.waitWrites(t, tokens)
	text := 0
	for _, w := range writes {
		if w.typ == websocket.MessageText {
			text++
		}
	}
	if text != tokens {
		t.Errorf("text frames = %d, want all %d delivered", text, tokens)
	}
}
