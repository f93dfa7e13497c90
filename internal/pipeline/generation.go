package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxplane/voxplane/internal/resilience"
	"github.com/voxplane/voxplane/pkg/provider/llm"
	"github.com/voxplane/voxplane/pkg/provider/tts"
	"github.com/voxplane/voxplane/pkg/types"
)

// genResult is what a finished (or aborted) generation hands back to
// the orchestrator loop.
type genResult struct {
	// text is the complete assistant reply, markers included.
	text string

	// extra holds intermediate tool-round messages (assistant tool-call
	// entries and tool results) to append to history before the final
	// assistant entry.
	extra []types.Message

	usage     types.Usage
	toolCalls int

	llmFirstToken time.Duration
	ttsFirstByte  time.Duration

	// ttsAudio is the synthesised playback time actually emitted.
	ttsAudio time.Duration

	// empty marks a turn where the LLM produced nothing.
	empty bool

	// cancelled marks preemption by barge-in or teardown; no
	// turn_complete is emitted for these.
	cancelled bool

	err error
}

// generation is one in-flight assistant turn: the LLM reader, the token
// segmenter, and the TTS drain, cancellable as a unit for barge-in.
type generation struct {
	cancel context.CancelFunc
	done   chan genResult

	// speaking is closed when the first PCM byte goes out, flipping the
	// supervisor from Generating to Speaking.
	speaking  chan struct{}
	speakOnce sync.Once

	mu        sync.Mutex
	spoken    strings.Builder
	committed strings.Builder
}

// textSoFar snapshots the tokens streamed so far. Called from the
// orchestrator goroutine on barge-in while the generation tasks may
// still be winding down.
func (g *generation) textSoFar() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spoken.String()
}

func (g *generation) appendSpoken(tok string) {
	g.mu.Lock()
	g.spoken.WriteString(tok)
	g.mu.Unlock()
}

// appendCommitted records a sentence unit handed to synthesis. On a
// mid-stream TTS failure the reply is truncated to this text, so history
// never claims words the caller could not have heard.
func (g *generation) appendCommitted(unit string) {
	g.mu.Lock()
	if g.committed.Len() > 0 {
		g.committed.WriteString(" ")
	}
	g.committed.WriteString(unit)
	g.mu.Unlock()
}

func (g *generation) committedText() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.committed.String()
}

// llmOutcome is the llm task's side of the result, read only after the
// group has finished.
type llmOutcome struct {
	firstTokenAt time.Time
	usage        types.Usage
	extra        []types.Message
	toolCalls    int
	sawText      bool
}

// ttsOutcome is the tts drain's side of the result.
type ttsOutcome struct {
	firstByteAt time.Time
	bytes       int64
}

// startGeneration launches the assistant turn for the given history
// snapshot and returns its handle. The result arrives on gen.done
// exactly once.
func (o *Orchestrator) startGeneration(parent context.Context, history []types.Message) *generation {
	genCtx, cancel := context.WithCancel(parent)
	g := &generation{
		cancel:   cancel,
		done:     make(chan genResult, 1),
		speaking: make(chan struct{}),
	}
	go o.runGeneration(genCtx, g, history)
	return g
}

// runGeneration executes one assistant turn: LLM streaming (with tool
// rounds) feeding the sentence segmenter feeding TTS, all under one
// cancellable group. Queue capacities bound memory and give natural
// backpressure: a saturated token queue pauses LLM reads, a saturated
// segment queue pauses segmentation.
func (o *Orchestrator) runGeneration(genCtx context.Context, g *generation, history []types.Message) {
	llmStart := time.Now()

	grp, gctx := errgroup.WithContext(genCtx)

	tokenCh := make(chan string, tokenQueueSize)
	segCh := make(chan string, segmentQueueSize)
	firstSeg := make(chan struct{})

	var audioCh <-chan tts.Chunk
	err := resilience.Retry(gctx, "tts.stream", func() error {
		ch, e := o.cfg.TTS.SynthesizeStream(gctx, segCh, o.voice)
		if e != nil {
			return e
		}
		audioCh = ch
		return nil
	})
	if err != nil {
		g.done <- genResult{err: fmt.Errorf("pipeline: start tts stream: %w", err)}
		return
	}

	var lr llmOutcome
	grp.Go(func() error {
		defer close(tokenCh)
		return o.llmTask(gctx, tokenCh, history, &lr)
	})

	support := tts.SupportFor(o.sess.Spec.TTS.Provider)
	grp.Go(func() error {
		defer close(segCh)
		return o.segmentTask(gctx, g, tokenCh, segCh, firstSeg, support)
	})

	var tr ttsOutcome
	grp.Go(func() error {
		return o.ttsTask(gctx, g, audioCh, firstSeg, &tr)
	})

	werr := grp.Wait()

	res := genResult{
		text:      g.textSoFar(),
		extra:     lr.extra,
		usage:     lr.usage,
		toolCalls: lr.toolCalls,
		ttsAudio:  pcmDuration(tr.bytes, o.outFormat.SampleRate),
		cancelled: genCtx.Err() != nil,
	}
	if !lr.firstTokenAt.IsZero() {
		res.llmFirstToken = lr.firstTokenAt.Sub(llmStart)
		if !tr.firstByteAt.IsZero() {
			res.ttsFirstByte = tr.firstByteAt.Sub(lr.firstTokenAt)
		}
	}
	if werr != nil && !res.cancelled && !isContextErr(werr) {
		res.err = werr
		// Only sentences that reached synthesis count as spoken.
		res.text = g.committedText()
	}
	if res.err == nil && !res.cancelled && !lr.sawText && lr.toolCalls == 0 {
		res.empty = true
	}
	g.done <- res
}

// llmTask streams the completion, forwarding text tokens to tokenCh and
// running tool-call rounds until the model stops.
func (o *Orchestrator) llmTask(gctx context.Context, tokenCh chan<- string, history []types.Message, lr *llmOutcome) error {
	msgs := history
	firstTokTimer := time.NewTimer(llmFirstTokenTimeout)
	defer firstTokTimer.Stop()

	for round := 0; round < maxToolRounds; round++ {
		var ch <-chan llm.Chunk
		err := resilience.Retry(gctx, "llm.stream", func() error {
			c, e := o.cfg.LLM.StreamCompletion(gctx, llm.CompletionRequest{
				Messages:     msgs,
				Tools:        o.toolDefs,
				Temperature:  o.sess.Spec.Temperature,
				SystemPrompt: o.sess.Spec.SystemPrompt,
			})
			if e != nil {
				return e
			}
			ch = c
			return nil
		})
		if err != nil {
			return fmt.Errorf("pipeline: llm stream: %w", err)
		}

		var calls []types.ToolCall
		var finish string
	stream:
		for {
			var chunk llm.Chunk
			var ok bool
			if lr.firstTokenAt.IsZero() {
				select {
				case chunk, ok = <-ch:
				case <-firstTokTimer.C:
					return fmt.Errorf("pipeline: no llm token within %s", llmFirstTokenTimeout)
				case <-gctx.Done():
					return gctx.Err()
				}
			} else {
				select {
				case chunk, ok = <-ch:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if !ok {
				break stream
			}

			if chunk.FinishReason == llm.FinishError {
				return fmt.Errorf("pipeline: llm stream failed: %s", chunk.Text)
			}
			if chunk.Text != "" {
				if lr.firstTokenAt.IsZero() {
					lr.firstTokenAt = time.Now()
				}
				lr.sawText = true
				select {
				case tokenCh <- chunk.Text:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			calls = append(calls, chunk.ToolCalls...)
			lr.usage.Add(chunk.Usage)
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
		}

		if finish != llm.FinishToolCalls || len(calls) == 0 {
			return nil
		}

		// Tool round: dispatch every requested call and resume with the
		// augmented history. TTS stays idle for these chunks since no
		// text is forwarded.
		if lr.firstTokenAt.IsZero() {
			lr.firstTokenAt = time.Now()
		}
		asst := types.Message{Role: "assistant", ToolCalls: calls, Timestamp: time.Now().UTC()}
		msgs = append(msgs, asst)
		lr.extra = append(lr.extra, asst)
		for _, tc := range calls {
			result, derr := o.cfg.Tools.Dispatch(gctx, tc)
			if derr != nil {
				result = fmt.Sprintf(`{"error":%q}`, derr.Error())
			}
			toolMsg := types.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				Timestamp:  time.Now().UTC(),
			}
			msgs = append(msgs, toolMsg)
			lr.extra = append(lr.extra, toolMsg)
			lr.toolCalls++
		}
	}
	return nil
}

// segmentTask turns the token stream into utterance units: every token
// is echoed to the client, accumulated for history, and fed to the
// sentence segmenter; completed units are marker-stripped for the
// selected TTS backend and forwarded for synthesis.
func (o *Orchestrator) segmentTask(gctx context.Context, g *generation, tokenCh <-chan string, segCh chan<- string, firstSeg chan struct{}, support tts.MarkerSupport) error {
	seg := &Segmenter{}
	pushed := false

	push := func(unit string) error {
		stripped := tts.StripMarkers(unit, support)
		if stripped == "" {
			return nil
		}
		select {
		case segCh <- stripped:
			g.appendCommitted(unit)
			if !pushed {
				close(firstSeg)
				pushed = true
			}
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	}

	for {
		select {
		case tok, ok := <-tokenCh:
			if !ok {
				if tail := seg.Flush(); tail != "" {
					return push(tail)
				}
				return nil
			}
			o.cfg.Emitter.SendToken(tok)
			g.appendSpoken(tok)
			for _, unit := range seg.Push(tok) {
				if err := push(unit); err != nil {
					return err
				}
			}
		case <-gctx.Done():
			return gctx.Err()
		}
	}
}

// ttsTask drains synthesised PCM to the client in strict order. The
// first-byte timeout arms when the first text unit reaches the
// provider. A terminal error chunk fails the whole generation group, so
// the LLM and segmenter tasks unwind instead of blocking on a dead
// consumer.
func (o *Orchestrator) ttsTask(gctx context.Context, g *generation, audioCh <-chan tts.Chunk, firstSeg <-chan struct{}, tr *ttsOutcome) error {
	var timerC <-chan time.Time
	for {
		select {
		case <-firstSeg:
			firstSeg = nil
			if tr.firstByteAt.IsZero() {
				t := time.NewTimer(ttsFirstByteTimeout)
				defer t.Stop()
				timerC = t.C
			}
		case <-timerC:
			if tr.firstByteAt.IsZero() {
				return fmt.Errorf("pipeline: no tts audio within %s", ttsFirstByteTimeout)
			}
			timerC = nil
		case chunk, ok := <-audioCh:
			if !ok {
				return nil
			}
			if chunk.Err != nil {
				return fmt.Errorf("pipeline: tts stream: %w", chunk.Err)
			}
			if len(chunk.PCM) == 0 {
				continue
			}
			if tr.firstByteAt.IsZero() {
				tr.firstByteAt = time.Now()
				timerC = nil
				g.speakOnce.Do(func() { close(g.speaking) })
			}
			tr.bytes += int64(len(chunk.PCM))
			o.cfg.Emitter.SendAudio(chunk.PCM)
		case <-gctx.Done():
			return gctx.Err()
		}
	}
}

// pcmDuration converts an s16le mono byte count to playback time.
func pcmDuration(bytes int64, sampleRate int) time.Duration {
	if sampleRate <= 0 || bytes <= 0 {
		return 0
	}
	samples := bytes / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

func isContextErr(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded ||
		(err != nil && (strings.Contains(err.Error(), context.Canceled.Error()) ||
			strings.Contains(err.Error(), context.DeadlineExceeded.Error())))
}
