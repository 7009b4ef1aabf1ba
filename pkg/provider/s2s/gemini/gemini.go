// Package gemini connects the bridge to Google's Gemini Live API.
//
// It dials the BidiGenerateContent WebSocket endpoint, sends the setup message
// and waits for setupComplete before handing the connection to an
// [s2s.Duplex]. Audio travels as base64 PCM in realtimeInput.mediaChunks;
// inbound serverContent messages become typed session events.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	handshakeTimeout = 10 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option customises a [Provider].
type Option func(*Provider)

// WithModel selects the Live model, e.g. "gemini-2.0-flash-live-001".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL replaces the wss:// endpoint prefix.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSendQueue sets the outbound frame queue depth.
func WithSendQueue(n int) Option {
	return func(p *Provider) { p.sendQueue = n }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider opens Gemini Live sessions with an API key.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	sendQueue int
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities reports a 16 kHz native input. Gemini has no client-side
// cancel message, so Interrupt is unsupported.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		NativeInputRate:   16000,
		SupportsInterrupt: false,
		Voices:            []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect dials Gemini Live, sends the setup message and waits for
// setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: dial: %w", s2s.ErrConnect, err)
	}
	conn.SetReadLimit(4 << 20)

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := handshake(hsCtx, conn, p.model, cfg); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("%w: gemini: setup: %w", s2s.ErrConnect, err)
	}

	sess := &session{
		in:  cfg.InputFormat,
		out: audio.FormatConverter{Target: cfg.OutputFormat},
	}
	sess.Duplex = s2s.NewDuplex(conn, s2s.DuplexConfig{
		Name:        "gemini",
		EncodeAudio: sess.encodeAudio,
		Decode:      sess.decode,
		SendQueue:   p.sendQueue,
	})
	slog.Info("gemini: session opened", "session_id", sess.ID(), "model", p.model, "voice", cfg.Voice)
	return sess, nil
}

// handshake sends the setup message and blocks until setupComplete.
func handshake(ctx context.Context, conn *websocket.Conn, model string, cfg s2s.SessionConfig) error {
	if err := wsjson.Write(ctx, conn, newSetup(model, cfg)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	for {
		var msg serverMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("await setupComplete: %w", err)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func newSetup(model string, cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%d %s)", msg, e.Code, e.Status)
	}
	return fmt.Sprintf("gemini: %s (%d)", msg, e.Code)
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	*s2s.Duplex

	in  audio.Format
	out audio.FormatConverter // touched only by the Duplex reader
}

// Interrupt is not available client-side: Gemini detects barge-in from the
// input audio and reports it with serverContent.interrupted.
func (s *session) Interrupt() error {
	return fmt.Errorf("gemini: interrupt: %w", s2s.ErrUnsupported)
}

func (s *session) encodeAudio(f audio.AudioFrame) (any, error) {
	rate := f.SampleRate
	if rate == 0 {
		rate = s.in.SampleRate
	}
	return realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: audio.Format{SampleRate: rate}.MIMEType(),
				Data:     base64.StdEncoding.EncodeToString(f.Data),
			}},
		},
	}, nil
}

// decode maps one server message to session events.
func (s *session) decode(data []byte) ([]s2s.Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	if msg.Error != nil {
		return nil, fmt.Errorf("%w: %w", s2s.ErrProtocol, msg.Error)
	}
	sc := msg.ServerContent
	if sc == nil {
		return nil, nil
	}

	var evs []s2s.Event
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		evs = append(evs, s2s.InputTranscriptDelta{Text: sc.InputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			if frame, ok := s.decodeAudio(p.InlineData); ok {
				evs = append(evs, s2s.AudioDelta{Frame: frame})
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		evs = append(evs, s2s.OutputTranscriptDelta{Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		evs = append(evs, s2s.Interrupted{})
	}
	if sc.TurnComplete {
		evs = append(evs, s2s.TurnComplete{})
	}
	return evs, nil
}

// decodeAudio turns one inlineData part into a frame in the output format.
// Undecodable chunks are dropped.
func (s *session) decodeAudio(d *inlineData) (audio.AudioFrame, bool) {
	pcm, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil || len(pcm) == 0 {
		slog.Warn("gemini: dropping undecodable audio chunk", "err", err)
		return audio.AudioFrame{}, false
	}
	frame := audio.AudioFrame{
		Data:       pcm,
		SampleRate: mimeRate(d.MIMEType, audio.PlaybackFormat.SampleRate),
		Channels:   1,
	}
	converted, err := s.out.Convert(frame)
	if err != nil {
		// Pass it through; the playback side drops malformed frames.
		return frame, true
	}
	return converted, true
}

// mimeRate extracts the rate parameter from e.g. "audio/pcm;rate=24000".
func mimeRate(mime string, fallback int) int {
	for param := range strings.SplitSeq(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || k != "rate" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
