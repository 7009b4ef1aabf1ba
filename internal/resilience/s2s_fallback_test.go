package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/internal/resilience"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s"
	"github.com/vyncuslim/SomnoAI-Digital-Sleep-Lab-sub000/pkg/provider/s2s/mock"
)

func TestS2SFallback_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{Caps: s2s.Capabilities{NativeInputRate: 16000}}
	secondary := &mock.Provider{}
	f := resilience.NewS2SFallback("gemini-live", primary, resilience.FallbackConfig{})
	f.AddFallback("openai-realtime", secondary)

	cfg := s2s.SessionConfig{Voice: "Puck"}
	sess, err := f.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess != primary.LastSession() {
		t.Error("session not from primary")
	}
	if primary.ConnectCalls[0].Cfg.Voice != "Puck" {
		t.Errorf("config not forwarded: %+v", primary.ConnectCalls[0].Cfg)
	}
	if secondary.Calls() != 0 {
		t.Error("secondary dialled despite primary success")
	}
	if f.Active() != "gemini-live" {
		t.Errorf("Active = %q", f.Active())
	}
	if f.Capabilities().NativeInputRate != 16000 {
		t.Errorf("Capabilities not taken from primary")
	}
}

func TestS2SFallback_Failover(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{
		ConnectErr: fmt.Errorf("%w: 503", s2s.ErrConnect),
		Caps:       s2s.Capabilities{NativeInputRate: 16000},
	}
	secondary := &mock.Provider{Caps: s2s.Capabilities{NativeInputRate: 24000, SupportsInterrupt: true}}
	f := resilience.NewS2SFallback("gemini-live", primary, resilience.FallbackConfig{})
	f.AddFallback("openai-realtime", secondary)

	if f.Capabilities().NativeInputRate != 16000 {
		t.Error("Capabilities before any session should describe the primary")
	}
	sess, err := f.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess != secondary.LastSession() {
		t.Error("session not from secondary")
	}
	if f.Active() != "openai-realtime" {
		t.Errorf("Active = %q", f.Active())
	}
	if caps := f.Capabilities(); caps.NativeInputRate != 24000 || !caps.SupportsInterrupt {
		t.Errorf("Capabilities = %+v, want the secondary's", caps)
	}
	if got := f.Names(); len(got) != 2 {
		t.Errorf("Names = %v", got)
	}
}

func TestS2SFallback_AllFail(t *testing.T) {
	t.Parallel()
	f := resilience.NewS2SFallback("a", &mock.Provider{ConnectErr: errors.New("dial")}, resilience.FallbackConfig{})
	f.AddFallback("b", &mock.Provider{ConnectErr: errors.New("auth")})

	_, err := f.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnect) || !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("err = %v", err)
	}
	if f.Active() != "" {
		t.Errorf("Active = %q, want empty", f.Active())
	}
}

func TestS2SFallback_BreakerSkipsFailingPrimary(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{ConnectErr: errors.New("refused")}
	secondary := &mock.Provider{}
	f := resilience.NewS2SFallback("a", primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 2},
	})
	f.AddFallback("b", secondary)

	for range 4 {
		if _, err := f.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	if primary.Calls() != 2 {
		t.Errorf("primary dialled %d times, want 2", primary.Calls())
	}
	if f.Breaker("a").State() != resilience.StateOpen {
		t.Errorf("primary breaker = %v", f.Breaker("a").State())
	}
}
