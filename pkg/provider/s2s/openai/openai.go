// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It dials the Realtime WebSocket endpoint, configures the session with
// session.update and waits for session.updated before handing the connection
// to an [s2s.Duplex]. The Realtime API only speaks 24 kHz pcm16, so 16 kHz
// capture frames are resampled on the writer goroutine.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// nativeRate is the only pcm16 rate the Realtime API accepts and emits.
	nativeRate = 24000

	handshakeTimeout = 10 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSendQueue sets the outbound frame queue depth.
func WithSendQueue(n int) Option {
	return func(p *Provider) { p.sendQueue = n }
}

// WithTranscriptionModel sets the model used for input transcription.
// An empty name disables input transcripts.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
	sendQueue          int
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: "whisper-1",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		NativeInputRate:   nativeRate,
		SupportsInterrupt: true,
		Voices:            []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint, sends session.update and waits for
// session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai: dial: %w", s2s.ErrConnect, err)
	}
	conn.SetReadLimit(4 << 20)

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := p.handshake(hsCtx, conn, cfg); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("%w: openai: session update: %w", s2s.ErrConnect, err)
	}

	sess := &session{
		in:           audio.FormatConverter{Target: audio.Format{SampleRate: nativeRate, Channels: 1}},
		out:          audio.FormatConverter{Target: cfg.OutputFormat},
		transcribing: p.transcriptionModel != "",
		pending:      make(map[string]bool),
	}
	sess.Duplex = s2s.NewDuplex(conn, s2s.DuplexConfig{
		Name:        "openai",
		EncodeAudio: sess.encodeAudio,
		Decode:      sess.decode,
		SendQueue:   p.sendQueue,
	})
	slog.Info("openai: session opened", "session_id", sess.ID(), "model", p.model, "voice", cfg.Voice)
	return sess, nil
}

func (p *Provider) handshake(ctx context.Context, conn *websocket.Conn, cfg s2s.SessionConfig) error {
	update := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			Modalities:        []string{"audio", "text"},
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	}
	if p.transcriptionModel != "" {
		update.Session.InputAudioTranscription = &transcriptionParams{Model: p.transcriptionModel}
	}
	if err := wsjson.Write(ctx, conn, update); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	for {
		var ev serverEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return fmt.Errorf("await session.updated: %w", err)
		}
		switch ev.Type {
		case "session.updated":
			return nil
		case "error":
			if ev.Error == nil {
				return errors.New("error event without details")
			}
			return ev.Error
		}
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Modalities              []string             `json:"modalities,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded pcm16
}

type controlMessage struct {
	Type string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// fatal reports whether the error ends the session. Rejected client
// requests, such as a response.cancel with nothing to cancel, leave it open.
func (e *serverError) fatal() bool {
	return e.Type != "invalid_request_error" || e.Code == "session_expired"
}

func (e *serverError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("openai: %s: %s (%s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("openai: %s: %s", e.Type, e.Message)
}

type serverEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	ItemID     string       `json:"item_id,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	*s2s.Duplex

	in  audio.FormatConverter // writer goroutine only
	out audio.FormatConverter // reader goroutine only

	// Input transcription runs asynchronously and may finish after
	// response.done. A response.done that arrives while committed items are
	// still being transcribed is held until their transcripts land, so the
	// user's words stay in the turn they belong to. Reader goroutine only.
	transcribing bool
	pending      map[string]bool // committed items awaiting a transcript
	held         map[string]bool // items the held response.done waits on
}

// Interrupt cancels the response in progress with response.cancel.
func (s *session) Interrupt() error {
	if err := s.SendControl(controlMessage{Type: "response.cancel"}); err != nil {
		return fmt.Errorf("openai: interrupt: %w", err)
	}
	return nil
}

func (s *session) encodeAudio(f audio.AudioFrame) (any, error) {
	if f.SampleRate == 0 {
		f.SampleRate = audio.CaptureFormat.SampleRate
	}
	converted, err := s.in.Convert(f)
	if err != nil {
		return nil, err
	}
	return appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(converted.Data),
	}, nil
}

// decode maps one server event to session events.
func (s *session) decode(data []byte) ([]s2s.Event, error) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode server event: %w", err)
	}

	switch ev.Type {
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil || len(pcm) == 0 {
			slog.Warn("openai: dropping undecodable audio delta", "err", err)
			return nil, nil
		}
		frame := audio.AudioFrame{Data: pcm, SampleRate: nativeRate, Channels: 1}
		if converted, err := s.out.Convert(frame); err == nil {
			frame = converted
		}
		return []s2s.Event{s2s.AudioDelta{Frame: frame}}, nil

	case "response.audio_transcript.delta":
		if ev.Delta == "" {
			return nil, nil
		}
		return []s2s.Event{s2s.OutputTranscriptDelta{Text: ev.Delta}}, nil

	case "input_audio_buffer.committed":
		if s.transcribing && ev.ItemID != "" {
			s.pending[ev.ItemID] = true
		}
		return nil, nil

	case "conversation.item.input_audio_transcription.completed":
		var evs []s2s.Event
		if ev.Transcript != "" {
			evs = append(evs, s2s.InputTranscriptDelta{Text: ev.Transcript})
		}
		return s.resolve(ev.ItemID, evs), nil

	case "conversation.item.input_audio_transcription.failed":
		reason := "no details"
		if ev.Error != nil {
			reason = ev.Error.Error()
		}
		slog.Warn("openai: input transcription failed", "session_id", s.ID(), "item_id", ev.ItemID, "reason", reason)
		return s.resolve(ev.ItemID, nil), nil

	case "input_audio_buffer.speech_started":
		return []s2s.Event{s2s.Interrupted{}}, nil

	case "response.done":
		if s.held != nil {
			return nil, nil
		}
		if len(s.pending) > 0 {
			s.held = maps.Clone(s.pending)
			return nil, nil
		}
		return []s2s.Event{s2s.TurnComplete{}}, nil

	case "error":
		if ev.Error == nil {
			ev.Error = &serverError{Type: "unknown", Message: "error event without details"}
		}
		if !ev.Error.fatal() {
			slog.Warn("openai: request rejected", "session_id", s.ID(), "err", ev.Error)
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", s2s.ErrProtocol, ev.Error)
	}
	return nil, nil
}

// resolve marks item as transcribed and appends the held TurnComplete once
// nothing it waits on is outstanding.
func (s *session) resolve(item string, evs []s2s.Event) []s2s.Event {
	delete(s.pending, item)
	if s.held == nil {
		return evs
	}
	delete(s.held, item)
	if len(s.held) > 0 {
		return evs
	}
	s.held = nil
	return append(evs, s2s.TurnComplete{})
}
