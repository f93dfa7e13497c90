// Package pipeline implements the per-session voice loop: inbound PCM is
// classified by VAD and streamed to STT; final transcripts drive LLM
// completions whose tokens are segmented and synthesised to outbound PCM
// concurrently. A single supervisor goroutine owns all session state and
// multiplexes audio, transcripts, generation results, and control signals
// over one select loop, so no lock guards the turn state machine.
//
// Barge-in preempts an in-flight generation: the generation's context is
// cancelled, the client is told to flush playback, and the partially
// spoken reply is recorded in history with an interruption marker.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/voxplane/voxplane/internal/observe"
	"github.com/voxplane/voxplane/internal/session"
	"github.com/voxplane/voxplane/pkg/audio"
	"github.com/voxplane/voxplane/pkg/provider/llm"
	"github.com/voxplane/voxplane/pkg/provider/stt"
	"github.com/voxplane/voxplane/pkg/provider/tts"
	"github.com/voxplane/voxplane/pkg/provider/vad"
	"github.com/voxplane/voxplane/pkg/types"
)

// Queue capacities. Inbound audio drops oldest-arrival-first under
// backpressure (real-time audio is perishable); token and segment queues
// instead pause their producers.
const (
	audioQueueSize   = 32
	tokenQueueSize   = 256
	segmentQueueSize = 16
)

// Stage deadlines and limits.
const (
	sttOpenTimeout       = 3 * time.Second
	llmFirstTokenTimeout = 8 * time.Second
	ttsFirstByteTimeout  = 4 * time.Second

	// minSilenceTimeout is the floor applied to configured silence
	// timeouts; anything shorter cuts callers off mid-word. The gateway
	// injects the session default when the client omits the field, so an
	// explicit 0 lands here and clamps to the floor.
	minSilenceTimeout = 250 * time.Millisecond

	maxToolRounds = 4

	// listenSensitivity is the fixed turn-taking VAD sensitivity. The
	// spec-configurable InterruptionSensitivity applies only to the
	// barge-in detector, so 0 disables interruption without deafening
	// the session.
	listenSensitivity = 0.5

	defaultHistoryTokenBudget = 6000
)

// State is the supervisor's turn-taking state.
type State int

const (
	// StateIdle waits for the caller to start speaking.
	StateIdle State = iota

	// StateListening accumulates caller speech into STT.
	StateListening

	// StateTranscribing waits for the final transcript after
	// end-of-utterance.
	StateTranscribing

	// StateGenerating streams the LLM reply; no audio emitted yet.
	StateGenerating

	// StateSpeaking plays synthesised audio to the caller.
	StateSpeaking

	// StateEnding tears the session down.
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Config wires one orchestrator to its session, providers, and outbound
// surface. All fields except Tools, Logger, EstimateCost, and
// HistoryTokenBudget are required.
type Config struct {
	Session *session.Session
	Manager *session.Manager

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine

	Emitter Emitter
	Tools   *ToolRegistry
	Metrics *observe.Metrics
	Logger  *slog.Logger

	// EstimateCost, when set, recomputes the session's running cost
	// estimate after each turn.
	EstimateCost func(m session.Metrics) int64

	// HistoryTokenBudget caps the token count of the history sent to the
	// LLM; oldest messages are trimmed first. Zero selects the default.
	HistoryTokenBudget int
}

func (c *Config) validate() error {
	switch {
	case c.Session == nil:
		return fmt.Errorf("pipeline: config requires a session")
	case c.Manager == nil:
		return fmt.Errorf("pipeline: config requires a session manager")
	case c.STT == nil || c.LLM == nil || c.TTS == nil || c.VAD == nil:
		return fmt.Errorf("pipeline: config requires all four providers")
	case c.Emitter == nil:
		return fmt.Errorf("pipeline: config requires an emitter")
	case c.Metrics == nil:
		return fmt.Errorf("pipeline: config requires metrics")
	}
	return nil
}

// Orchestrator runs one session's voice loop. Create with New, drive
// with Run; PushAudio and End are the only methods safe to call from
// other goroutines.
type Orchestrator struct {
	cfg  Config
	sess *session.Session
	log  *slog.Logger

	voice     types.VoiceProfile
	outFormat audio.Format
	toolDefs  []types.ToolDefinition
	phrases   *PhraseDetector

	audioIn chan audio.Frame
	endCh   chan string

	// Everything below is owned by the Run goroutine.
	state     State
	sttSess   stt.SessionHandle
	listenVAD vad.SessionHandle
	bargeVAD  vad.SessionHandle
	gen       *generation

	silenceTimer *time.Timer
	silenceC     <-chan time.Time

	endOfUtteranceAt time.Time
	turnStartedAt    time.Time
	sttLatency       time.Duration
	endAfterTurn     bool
	bargeApplied     bool
}

// New validates cfg and builds an orchestrator. The session must be in
// the Initializing or Active state.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Tools == nil {
		cfg.Tools = NewToolRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	spec := cfg.Session.Spec
	o := &Orchestrator{
		cfg:  cfg,
		sess: cfg.Session,
		log: cfg.Logger.With(
			"session_id", cfg.Session.ID,
			"tenant_id", spec.TenantID,
			"call_id", spec.CallID,
		),
		voice: types.VoiceProfile{
			ID:       spec.TTS.VoiceID,
			Provider: spec.TTS.Provider,
			Language: spec.Language,
		},
		outFormat: cfg.TTS.OutputFormat(),
		toolDefs:  cfg.Tools.Definitions(),
		phrases:   NewPhraseDetector(spec.EndCallPhrases),
		audioIn:   make(chan audio.Frame, audioQueueSize),
		endCh:     make(chan string, 1),
	}
	return o, nil
}

// Session returns the orchestrator's session for post-run inspection
// (end reason, metrics). Safe to call only after Run has returned.
func (o *Orchestrator) Session() *session.Session {
	return o.sess
}

// OutputFormat reports the PCM format of outbound audio so the gateway
// can advertise it at session start.
func (o *Orchestrator) OutputFormat() audio.Format {
	return o.outFormat
}

// PushAudio hands an inbound PCM frame to the supervisor without
// blocking. Reports false when the frame was dropped under backpressure;
// real-time audio is perishable, so stale frames are never queued behind
// a stalled pipeline. Safe for concurrent use.
func (o *Orchestrator) PushAudio(frame audio.Frame) bool {
	select {
	case o.audioIn <- frame:
		return true
	default:
		o.cfg.Metrics.DroppedAudioFrames.Add(context.Background(), 1)
		return false
	}
}

// End requests an orderly shutdown with the given end reason. The first
// caller wins; later reasons are discarded. Safe for concurrent use.
func (o *Orchestrator) End(reason string) {
	select {
	case o.endCh <- reason:
	default:
	}
}

// Run executes the session loop until the call ends, then performs the
// terminal transition and emits session_ended. Returns nil for orderly
// ends (including caller hangup and max-duration) and the causing error
// when the session failed.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("pipeline panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("pipeline: panic: %v", r)
			o.failSession(err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := o.setup(runCtx); err != nil {
		o.failSession(err)
		return err
	}
	defer o.sttSess.Close()
	defer o.listenVAD.Close()
	if o.bargeVAD != nil {
		defer o.bargeVAD.Close()
	}

	o.cfg.Metrics.ActiveSessions.Add(runCtx, 1)
	defer o.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)

	if o.sess.Spec.FirstMessage != "" {
		o.speakGreeting(runCtx)
	}

	reason, loopErr := o.loop(runCtx)
	o.stopSilence()
	if loopErr != nil {
		o.failSession(loopErr)
		return loopErr
	}
	o.endSession(reason)
	return nil
}

// setup opens the STT stream and VAD sessions and moves the session to
// Active.
func (o *Orchestrator) setup(ctx context.Context) error {
	spec := o.sess.Spec

	sttCtx, cancel := context.WithTimeout(ctx, sttOpenTimeout)
	handle, err := o.cfg.STT.StartStream(sttCtx, stt.StreamConfig{
		SampleRate: audio.ClientSampleRate,
		Channels:   audio.ClientChannels,
		Language:   spec.Language,
		Options:    sttOptions(spec.STT),
	})
	cancel()
	if err != nil {
		o.cfg.Metrics.RecordStageError(ctx, "stt", spec.STT.Provider)
		return fmt.Errorf("pipeline: open stt stream: %w", err)
	}
	o.sttSess = handle

	o.listenVAD, err = o.cfg.VAD.NewSession(vad.Config{
		SampleRate:  audio.ClientSampleRate,
		Sensitivity: listenSensitivity,
	})
	if err != nil {
		handle.Close()
		return fmt.Errorf("pipeline: create listen vad: %w", err)
	}
	if spec.InterruptionSensitivity > 0 {
		o.bargeVAD, err = o.cfg.VAD.NewSession(vad.Config{
			SampleRate:  audio.ClientSampleRate,
			Sensitivity: spec.InterruptionSensitivity,
		})
		if err != nil {
			o.listenVAD.Close()
			handle.Close()
			return fmt.Errorf("pipeline: create barge vad: %w", err)
		}
	}

	if o.sess.Status == session.StatusInitializing {
		if err := o.sess.Transition(session.StatusActive); err != nil {
			return err
		}
	}
	if err := o.cfg.Manager.Update(ctx, o.sess); err != nil {
		o.log.Warn("failed to persist session activation", "error", err)
	}
	o.log.Info("pipeline started",
		"stt", spec.STT.Provider,
		"llm", spec.LLM.Provider,
		"tts", spec.TTS.Provider,
		"barge_in", o.bargeVAD != nil,
	)
	return nil
}

// loop is the supervisor select loop. It returns the session end reason,
// or an error when the session must be failed.
func (o *Orchestrator) loop(ctx context.Context) (string, error) {
	partials := o.sttSess.Partials()
	finals := o.sttSess.Finals()

	maxDur := time.NewTimer(time.Duration(o.sess.Spec.MaxCallDurationSeconds) * time.Second)
	defer maxDur.Stop()

	for {
		var genDone chan genResult
		var speaking chan struct{}
		if o.gen != nil {
			genDone = o.gen.done
			if o.state == StateGenerating {
				speaking = o.gen.speaking
			}
		}

		select {
		case <-ctx.Done():
			// Connection teardown: the caller is gone.
			return session.EndReasonCallerHangup, nil

		case reason := <-o.endCh:
			return reason, nil

		case <-maxDur.C:
			return session.EndReasonMaxDuration, nil

		case frame := <-o.audioIn:
			o.handleFrame(ctx, frame)

		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if o.state == StateListening || o.state == StateTranscribing {
				o.cfg.Emitter.SendPartial(t.Text)
			}

		case t, ok := <-finals:
			if !ok {
				o.cfg.Metrics.RecordStageError(ctx, "stt", o.sess.Spec.STT.Provider)
				return "", fmt.Errorf("pipeline: stt stream closed unexpectedly")
			}
			o.handleFinal(ctx, t)

		case <-o.silenceC:
			o.silenceTimer = nil
			o.silenceC = nil
			if o.state != StateListening {
				continue
			}
			// A frame racing the timer wins the tie: if any pending frame
			// carries speech the caller has resumed, so the utterance stays
			// open instead of committing.
			if o.drainPendingSpeech(ctx) {
				continue
			}
			o.state = StateTranscribing
			o.endOfUtteranceAt = time.Now()
			if err := o.sttSess.EndUtterance(); err != nil {
				o.log.Warn("end utterance failed", "error", err)
			}

		case <-speaking:
			o.state = StateSpeaking

		case res := <-genDone:
			o.gen = nil
			if done, reason := o.handleGenResult(ctx, res); done {
				return reason, nil
			}
		}
	}
}

// handleFrame routes one inbound frame according to the current state:
// toward STT while the caller holds the floor, toward the barge-in
// detector while the assistant does.
func (o *Orchestrator) handleFrame(ctx context.Context, f audio.Frame) {
	switch o.state {
	case StateIdle, StateListening:
		ev, err := o.listenVAD.ProcessFrame(f.Data)
		if err != nil {
			o.log.Warn("vad frame failed", "error", err)
			return
		}
		o.forwardToSTT(ctx, f)

		switch ev.Type {
		case vad.SpeechStart:
			o.stopSilence()
			if o.state == StateIdle {
				o.state = StateListening
			}
		case vad.SpeechContinue:
			o.stopSilence()
		case vad.SpeechEnd:
			if o.state == StateListening {
				o.armSilence()
			}
		case vad.Silence:
			if o.state == StateListening && o.silenceC == nil {
				o.armSilence()
			}
		}

	case StateTranscribing:
		// The utterance is committed; frames until the final are noise.

	case StateGenerating, StateSpeaking:
		if o.bargeVAD == nil {
			return
		}
		ev, err := o.bargeVAD.ProcessFrame(f.Data)
		if err != nil {
			return
		}
		if ev.Type == vad.SpeechStart {
			o.bargeIn(ctx, f)
		}

	case StateEnding:
	}
}

// drainPendingSpeech consumes every frame already queued on audioIn
// without blocking, forwarding each to STT, and reports whether any of
// them carried speech.
func (o *Orchestrator) drainPendingSpeech(ctx context.Context) bool {
	speech := false
	for {
		select {
		case f := <-o.audioIn:
			ev, err := o.listenVAD.ProcessFrame(f.Data)
			if err != nil {
				o.log.Warn("vad frame failed", "error", err)
				continue
			}
			o.forwardToSTT(ctx, f)
			if ev.Type == vad.SpeechStart || ev.Type == vad.SpeechContinue {
				speech = true
			}
		default:
			return speech
		}
	}
}

func (o *Orchestrator) forwardToSTT(ctx context.Context, f audio.Frame) {
	if err := o.sttSess.SendAudio(f.Data); err != nil {
		o.cfg.Metrics.RecordStageError(ctx, "stt", o.sess.Spec.STT.Provider)
		o.log.Warn("stt send failed", "error", err)
		return
	}
	o.sess.Metrics.STTAudioDuration += f.Duration()
}

// handleFinal processes an authoritative transcript: it closes the
// caller's turn and starts the assistant's.
func (o *Orchestrator) handleFinal(ctx context.Context, t types.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		if o.state == StateTranscribing {
			o.state = StateIdle
			o.listenVAD.Reset()
		}
		o.endOfUtteranceAt = time.Time{}
		return
	}
	if o.state == StateGenerating || o.state == StateSpeaking || o.state == StateEnding {
		// Late commit racing an active generation; the caller's floor is
		// gone, so the text is dropped rather than queued.
		o.log.Debug("dropping late final transcript", "text", text)
		return
	}

	o.stopSilence()
	if o.endOfUtteranceAt.IsZero() {
		// Provider endpointing beat the silence timer.
		o.endOfUtteranceAt = time.Now()
	}
	o.sttLatency = time.Since(o.endOfUtteranceAt)
	o.turnStartedAt = o.endOfUtteranceAt

	o.cfg.Emitter.SendFinal(text)
	o.sess.Append("user", text)
	o.sess.Metrics.STTLatencies = append(o.sess.Metrics.STTLatencies, o.sttLatency)
	o.cfg.Metrics.STTFinalLatency.Record(ctx, o.sttLatency.Seconds())

	if !o.phrases.Empty() && o.phrases.Match(text) {
		o.endAfterTurn = true
	}

	// Drain a cancelled generation before starting the next one so
	// history mutation stays single-owner.
	if o.gen != nil {
		o.gen.cancel()
		<-o.gen.done
		o.gen = nil
		o.bargeApplied = false
	}

	o.gen = o.startGeneration(ctx, o.trimmedHistory())
	o.state = StateGenerating
	o.listenVAD.Reset()
	if o.bargeVAD != nil {
		o.bargeVAD.Reset()
	}
	o.endOfUtteranceAt = time.Time{}

	if err := o.cfg.Manager.Update(ctx, o.sess); err != nil {
		o.log.Warn("failed to persist transcript", "error", err)
	}
}

// bargeIn preempts the in-flight generation: playback is flushed on the
// client, the partial reply is marked interrupted in history, and the
// triggering frame is replayed into the listening path so the caller's
// first word is not lost.
func (o *Orchestrator) bargeIn(ctx context.Context, f audio.Frame) {
	g := o.gen
	if g == nil {
		return
	}
	o.cfg.Metrics.BargeIns.Add(ctx, 1)
	o.log.Debug("barge-in", "state", o.state.String())

	g.cancel()
	o.cfg.Emitter.SendBargeIn()
	o.sess.AppendInterrupted(g.textSoFar())
	o.bargeApplied = true

	o.state = StateListening
	o.listenVAD.Reset()
	if _, err := o.listenVAD.ProcessFrame(f.Data); err == nil {
		o.forwardToSTT(ctx, f)
	}

	if err := o.cfg.Manager.Update(ctx, o.sess); err != nil {
		o.log.Warn("failed to persist barge-in", "error", err)
	}
}

// handleGenResult finishes (or discards) a generation. Returns done=true
// with the end reason when the session should end after this turn.
func (o *Orchestrator) handleGenResult(ctx context.Context, res genResult) (done bool, reason string) {
	if res.cancelled || o.bargeApplied {
		// Barge-in already rewrote history; usage still counts.
		o.bargeApplied = false
		o.sess.Metrics.TokenCount += res.usage.TotalTokens
		o.sess.Metrics.TTSAudioDuration += res.ttsAudio
		o.cfg.Metrics.RecordTurn(ctx, o.sess.Spec.TenantID, "barged")
		return false, ""
	}

	if res.err != nil {
		o.turnError(ctx, res)
	} else if res.empty {
		o.emptyTurn(ctx)
	} else {
		o.completeTurn(ctx, res)
	}

	if o.endAfterTurn {
		return true, session.EndReasonNormal
	}
	return false, ""
}

func (o *Orchestrator) completeTurn(ctx context.Context, res genResult) {
	o.sess.History = append(o.sess.History, res.extra...)
	o.sess.Append("assistant", res.text)

	m := &o.sess.Metrics
	m.TurnCount++
	m.TokenCount += res.usage.TotalTokens
	m.ToolCallCount += res.toolCalls
	m.LLMFirstTokenLatency = append(m.LLMFirstTokenLatency, res.llmFirstToken)
	m.TTSFirstByteLatency = append(m.TTSFirstByteLatency, res.ttsFirstByte)
	m.TTSAudioDuration += res.ttsAudio

	turnDur := time.Since(o.turnStartedAt)
	m.TurnDurations = append(m.TurnDurations, turnDur)
	if o.cfg.EstimateCost != nil {
		m.EstimatedCostMinor = o.cfg.EstimateCost(*m)
	}

	o.cfg.Metrics.LLMFirstTokenLatency.Record(ctx, res.llmFirstToken.Seconds())
	o.cfg.Metrics.TTSFirstByteLatency.Record(ctx, res.ttsFirstByte.Seconds())
	o.cfg.Metrics.TurnDuration.Record(ctx, turnDur.Seconds())
	o.cfg.Metrics.RecordTurn(ctx, o.sess.Spec.TenantID, "ok")
	o.cfg.Metrics.RecordTokens(ctx, o.sess.Spec.TenantID,
		res.usage.PromptTokens, res.usage.CompletionTokens)

	o.cfg.Emitter.SendTurnComplete(TurnMetrics{
		Turn:            m.TurnCount,
		STTLatencyMs:    o.sttLatency.Milliseconds(),
		LLMFirstTokenMs: res.llmFirstToken.Milliseconds(),
		TTSFirstByteMs:  res.ttsFirstByte.Milliseconds(),
		DurationMs:      turnDur.Milliseconds(),
		Tokens:          res.usage.TotalTokens,
		ToolCalls:       res.toolCalls,
	})

	o.state = StateIdle
	o.listenVAD.Reset()
	if err := o.cfg.Manager.Update(ctx, o.sess); err != nil {
		o.log.Warn("failed to persist turn", "error", err)
	}
}

// turnError closes a failed turn without ending the session: the client
// hears the error, the turn is marked complete with a note, and the loop
// returns to listening. res.text holds only what reached synthesis, so
// history records exactly what the caller could have heard.
func (o *Orchestrator) turnError(ctx context.Context, res genResult) {
	stage, provider := o.stageOf(res.err)
	o.cfg.Metrics.RecordStageError(ctx, stage, provider)
	o.cfg.Metrics.RecordTurn(ctx, o.sess.Spec.TenantID, "error")
	o.log.Warn("turn failed", "stage", stage, "error", res.err)

	if spoken := strings.TrimSpace(res.text); spoken != "" {
		o.sess.Append("assistant", spoken)
	}

	m := &o.sess.Metrics
	m.ErrorCount++
	m.TurnCount++
	m.TokenCount += res.usage.TotalTokens
	m.TTSAudioDuration += res.ttsAudio

	o.cfg.Emitter.SendError(strings.ToUpper(stage)+"_ERROR", res.err.Error())
	o.cfg.Emitter.SendTurnComplete(TurnMetrics{
		Turn:         m.TurnCount,
		STTLatencyMs: o.sttLatency.Milliseconds(),
		Tokens:       res.usage.TotalTokens,
		Note:         res.err.Error(),
	})

	o.state = StateIdle
	o.listenVAD.Reset()
	if err := o.cfg.Manager.Update(ctx, o.sess); err != nil {
		o.log.Warn("failed to persist turn error", "error", err)
	}
}

// emptyTurn closes a turn where the model produced nothing.
func (o *Orchestrator) emptyTurn(ctx context.Context) {
	o.cfg.Metrics.RecordTurn(ctx, o.sess.Spec.TenantID, "empty")
	m := &o.sess.Metrics
	m.TurnCount++
	o.cfg.Emitter.SendTurnComplete(TurnMetrics{
		Turn:         m.TurnCount,
		STTLatencyMs: o.sttLatency.Milliseconds(),
		Note:         "no response generated",
	})
	o.state = StateIdle
	o.listenVAD.Reset()
}

// speakGreeting synthesises and plays the agent's first message before
// any caller turn. The greeting is not interruptible and emits no
// turn_complete; the transcript still enters history so the LLM sees it.
func (o *Orchestrator) speakGreeting(ctx context.Context) {
	text := o.sess.Spec.FirstMessage
	support := tts.SupportFor(o.sess.Spec.TTS.Provider)

	segCh := make(chan string, 1)
	if stripped := tts.StripMarkers(text, support); stripped != "" {
		segCh <- stripped
	}
	close(segCh)

	gctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	audioCh, err := o.cfg.TTS.SynthesizeStream(gctx, segCh, o.voice)
	if err != nil {
		o.cfg.Metrics.RecordStageError(ctx, "tts", o.sess.Spec.TTS.Provider)
		o.log.Warn("greeting synthesis failed", "error", err)
	} else {
		var bytes int64
		for chunk := range audioCh {
			if chunk.Err != nil {
				o.cfg.Metrics.RecordStageError(ctx, "tts", o.sess.Spec.TTS.Provider)
				o.log.Warn("greeting synthesis failed mid-stream", "error", chunk.Err)
				break
			}
			if len(chunk.PCM) == 0 {
				continue
			}
			bytes += int64(len(chunk.PCM))
			o.cfg.Emitter.SendAudio(chunk.PCM)
		}
		o.sess.Metrics.TTSAudioDuration += pcmDuration(bytes, o.outFormat.SampleRate)
	}

	o.sess.Append("assistant", text)
	if err := o.cfg.Manager.Update(ctx, o.sess); err != nil {
		o.log.Warn("failed to persist greeting", "error", err)
	}
}

// endSession performs the orderly terminal transition and tells the
// client the session is over. Persistence uses a fresh context so a dead
// connection cannot block the terminal write.
func (o *Orchestrator) endSession(reason string) {
	o.state = StateEnding
	o.drainGen()

	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.cfg.Manager.End(bg, o.sess.ID, reason); err != nil {
		o.log.Warn("terminal session update failed", "error", err)
	}
	o.cfg.Emitter.SendSessionEnded(o.sess.Metrics)
}

// failSession marks the session failed and surfaces the error.
func (o *Orchestrator) failSession(cause error) {
	o.state = StateEnding
	o.drainGen()

	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.cfg.Manager.Fail(bg, o.sess.ID, session.EndReasonError); err != nil {
		o.log.Warn("terminal session update failed", "error", err)
	}
	o.cfg.Emitter.SendError("SESSION_FAILED", cause.Error())
	o.cfg.Emitter.SendSessionEnded(o.sess.Metrics)
}

// drainGen cancels and reaps an in-flight generation.
func (o *Orchestrator) drainGen() {
	if o.gen == nil {
		return
	}
	o.gen.cancel()
	select {
	case <-o.gen.done:
	case <-time.After(2 * time.Second):
		o.log.Warn("generation did not stop in time")
	}
	o.gen = nil
}

// trimmedHistory returns a history snapshot trimmed from the front to
// fit the token budget. The leading message is dropped together with any
// orphaned tool results so providers never see a dangling tool message.
func (o *Orchestrator) trimmedHistory() []types.Message {
	history := append([]types.Message(nil), o.sess.History...)
	budget := o.cfg.HistoryTokenBudget
	if budget <= 0 {
		budget = defaultHistoryTokenBudget
	}
	for len(history) > 2 {
		n, err := o.cfg.LLM.CountTokens(history)
		if err != nil || n <= budget {
			break
		}
		history = history[1:]
		for len(history) > 1 && history[0].Role == "tool" {
			history = history[1:]
		}
	}
	return history
}

func (o *Orchestrator) armSilence() {
	o.stopSilence()
	o.silenceTimer = time.NewTimer(o.silenceTimeout())
	o.silenceC = o.silenceTimer.C
}

// silenceTimeout returns the configured silence timeout clamped to the
// floor.
func (o *Orchestrator) silenceTimeout() time.Duration {
	d := time.Duration(o.sess.Spec.SilenceTimeoutMs) * time.Millisecond
	if d < minSilenceTimeout {
		return minSilenceTimeout
	}
	return d
}

func (o *Orchestrator) stopSilence() {
	if o.silenceTimer != nil {
		o.silenceTimer.Stop()
		o.silenceTimer = nil
		o.silenceC = nil
	}
}

// stageOf attributes a generation error to its pipeline stage.
func (o *Orchestrator) stageOf(err error) (stage, provider string) {
	msg := err.Error()
	if strings.Contains(msg, "tts") {
		return "tts", o.sess.Spec.TTS.Provider
	}
	return "llm", o.sess.Spec.LLM.Provider
}

// sttOptions widens the spec's string option map to the provider
// interface's map[string]any, folding in the model selection.
func sttOptions(sel session.ProviderSelection) map[string]any {
	if sel.Model == "" && len(sel.Options) == 0 {
		return nil
	}
	opts := make(map[string]any, len(sel.Options)+1)
	for k, v := range sel.Options {
		opts[k] = v
	}
	if sel.Model != "" {
		opts["model"] = sel.Model
	}
	return opts
}
