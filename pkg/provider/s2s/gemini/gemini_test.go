package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/audio"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server running handler for each
// accepted connection.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// waitClosed blocks until the client goes away.
func waitClosed(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := newProvider(srv).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// nextEvent waits for one event.
func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		waitClosed(conn)
	})

	p := gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("custom-model"))
	h, err := p.Connect(context.Background(), s2s.SessionConfig{
		Instructions: "You are a sleep coach.",
		Voice:        "Puck",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if key := <-keyCh; key != "test-api-key" {
		t.Errorf("api key = %q", key)
	}
	msg := <-received
	if msg.Setup.Model != "models/custom-model" {
		t.Errorf("model = %q", msg.Setup.Model)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "audio" {
		t.Errorf("responseModalities = %v", got)
	}
	if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Puck" {
		t.Errorf("voice = %q", got)
	}
	if si := msg.Setup.SystemInstruction; si == nil || len(si.Parts) != 1 || si.Parts[0].Text != "You are a sleep coach." {
		t.Errorf("systemInstruction = %+v", si)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("expected input and output transcription to be enabled")
	}
}

func TestConnect_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler func(conn *websocket.Conn, r *http.Request)
	}{
		{
			name: "closed before setupComplete",
			handler: func(conn *websocket.Conn, _ *http.Request) {
				var raw map[string]any
				readJSON(t, conn, &raw)
				conn.Close(websocket.StatusPolicyViolation, "bad key")
			},
		},
		{
			name: "error instead of setupComplete",
			handler: func(conn *websocket.Conn, _ *http.Request) {
				var raw map[string]any
				readJSON(t, conn, &raw)
				writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 403, "message": "denied"}})
				waitClosed(conn)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := startGeminiServer(t, tt.handler)
			_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
			if !errors.Is(err, s2s.ErrConnect) {
				t.Fatalf("expected ErrConnect, got %v", err)
			}
		})
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	_, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
}

// ── Audio out ─────────────────────────────────────────────────────────────────

func TestSendAudio_RealtimeInputInOrder(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	got := make(chan []chunkMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msgs []chunkMsg
		for range 3 {
			var m chunkMsg
			readJSON(t, conn, &m)
			msgs = append(msgs, m)
		}
		got <- msgs
		waitClosed(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})
	for i := range 3 {
		frame := audio.AudioFrame{Data: []byte{byte(i), 0}, SampleRate: 16000, Channels: 1}
		if err := h.SendAudio(frame); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	msgs := <-got
	for i, m := range msgs {
		if len(m.RealtimeInput.MediaChunks) != 1 {
			t.Fatalf("message %d: %d chunks", i, len(m.RealtimeInput.MediaChunks))
		}
		c := m.RealtimeInput.MediaChunks[0]
		if c.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("message %d: mimeType %q", i, c.MIMEType)
		}
		pcm, err := base64.StdEncoding.DecodeString(c.Data)
		if err != nil {
			t.Fatalf("message %d: base64: %v", i, err)
		}
		if len(pcm) != 2 || pcm[0] != byte(i) {
			t.Errorf("message %d: frame %v out of order", i, pcm)
		}
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_ServerContent(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 4800) // 2400 samples at 24 kHz
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "how did I sleep"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(pcm),
				}},
			}},
			"outputTranscription": map[string]any{"text": "Quite well."},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		waitClosed(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})

	if ev, ok := nextEvent(t, h).(s2s.InputTranscriptDelta); !ok || ev.Text != "how did I sleep" {
		t.Errorf("want InputTranscriptDelta, got %#v", ev)
	}
	ad, ok := nextEvent(t, h).(s2s.AudioDelta)
	if !ok {
		t.Fatal("want AudioDelta")
	}
	if ad.Frame.SampleRate != 24000 || ad.Frame.Samples() != 2400 {
		t.Errorf("audio frame %dHz %d samples", ad.Frame.SampleRate, ad.Frame.Samples())
	}
	if ev, ok := nextEvent(t, h).(s2s.OutputTranscriptDelta); !ok || ev.Text != "Quite well." {
		t.Errorf("want OutputTranscriptDelta, got %#v", ev)
	}
	if _, ok := nextEvent(t, h).(s2s.TurnComplete); !ok {
		t.Error("want TurnComplete")
	}
	if _, ok := nextEvent(t, h).(s2s.Interrupted); !ok {
		t.Error("want Interrupted")
	}
}

func TestEvents_ServerErrorIsTerminal(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{
			"code": 500, "message": "internal", "status": "INTERNAL",
		}})
		waitClosed(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})
	errEv, ok := nextEvent(t, h).(s2s.Error)
	if !ok {
		t.Fatal("want Error event")
	}
	if !errors.Is(errEv.Err, s2s.ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", errEv.Err)
	}
	if _, ok := nextEvent(t, h).(s2s.Closed); !ok {
		t.Error("want Closed after Error")
	}
}

func TestEvents_UndecodableAudioDropped(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "!!!"}},
			}},
			"turnComplete": true,
		}})
		waitClosed(conn)
	})

	h := connect(t, srv, s2s.SessionConfig{})
	if ev, ok := nextEvent(t, h).(s2s.TurnComplete); !ok {
		t.Fatalf("want TurnComplete, got %#v", ev)
	}
}

func TestInterrupt_Unsupported(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		waitClosed(conn)
	})
	h := connect(t, srv, s2s.SessionConfig{})
	if err := h.Interrupt(); !errors.Is(err, s2s.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.NativeInputRate != 16000 {
		t.Errorf("NativeInputRate = %d", caps.NativeInputRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}
