package minstrel

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/lostriver/minstrel/discord"
	"github.com/rs/zerolog"
)

func newTestMinstrel(t *testing.T) (*Minstrel, *recordingSender, *fakeNode) {
	t.Helper()

	configuration := &Configuration{}
	configuration.Discord.Token = "token"

	m := NewMinstrel(io.Discard, configuration)

	// Back the registry with recorders so no sockets are needed.
	gateway := &recordingSender{}
	node := &fakeNode{}

	m.Players = NewPlayerRegistry(zerolog.Nop(), gateway, node)
	m.Voice = NewVoiceCoordinator(zerolog.Nop(), m.events, m.Players)

	return m, gateway, node
}

func TestHandleEventSequenceMonotonic(t *testing.T) {
	m, _, _ := newTestMinstrel(t)
	ctx := context.Background()

	m.handleEvent(ctx, EventSequence{Sequence: 5})
	m.handleEvent(ctx, EventSequence{Sequence: 3})

	if m.sequence != 5 {
		t.Errorf("sequence = %d, want 5", m.sequence)
	}

	m.handleEvent(ctx, EventResumeProps{
		ResumeGatewayURL: "wss://resume.example",
		SessionID:        "abc",
	})

	if m.resume == nil || m.resume.Sequence != 5 {
		t.Fatalf("resume token = %+v, want sequence 5", m.resume)
	}

	m.handleEvent(ctx, EventSequence{Sequence: 7})

	if m.resume.Sequence != 7 {
		t.Errorf("resume sequence = %d, want 7", m.resume.Sequence)
	}

	if m.resume.SessionID != "abc" || m.resume.ResumeGatewayURL != "wss://resume.example" {
		t.Errorf("resume token = %+v", m.resume)
	}
}

func TestHandleEventReady(t *testing.T) {
	m, _, _ := newTestMinstrel(t)

	m.handleEvent(context.Background(), EventReady{
		User: discord.User{ID: "100", Username: "minstrel"},
	})

	if m.selfID != "100" {
		t.Errorf("selfID = %s, want 100", m.selfID)
	}

	if m.Node.UserID.Load() != "100" {
		t.Errorf("node user id = %s, want 100", m.Node.UserID.Load())
	}
}

func TestHandleEventDestroyPlayer(t *testing.T) {
	m, _, _ := newTestMinstrel(t)
	ctx := context.Background()

	// Destroying a guild without a player must not panic or error out the
	// loop.
	m.handleEvent(ctx, EventDestroyPlayer{GuildID: "guild"})

	if _, err := m.Players.Join("guild", "channel"); err != nil {
		t.Fatalf("Join() returned %v", err)
	}

	m.handleEvent(ctx, EventDestroyPlayer{GuildID: "guild"})

	if m.Players.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Players.Count())
	}

	// Redelivery after destruction is a no-op.
	m.handleEvent(ctx, EventDestroyPlayer{GuildID: "guild"})
}

func TestHandleEventVoiceFlow(t *testing.T) {
	m, _, node := newTestMinstrel(t)
	ctx := context.Background()

	m.handleEvent(ctx, EventReady{User: discord.User{ID: "100"}})

	player, err := m.Players.Join("guild", "channel")
	if err != nil {
		t.Fatalf("Join() returned %v", err)
	}

	m.handleEvent(ctx, EventVoiceServerUpdate{Server: discord.VoiceServer{
		Token:    "token",
		GuildID:  "guild",
		Endpoint: "voice.example:443",
	}})
	m.handleEvent(ctx, EventVoiceStateUpdate{State: discord.VoiceState{
		GuildID:   "guild",
		ChannelID: "channel",
		UserID:    "100",
		SessionID: "sess",
	}})

	if countVoiceUpdates(t, node) != 1 {
		t.Fatalf("voiceUpdate count = %d, want 1", countVoiceUpdates(t, node))
	}

	player.Play(Track{Encoded: "first"})
	player.Play(Track{Encoded: "second"})

	m.handleEvent(ctx, EventTrackEnd{GuildID: "guild"})

	if len(player.Queue) != 1 || player.Queue[0].Encoded != "second" {
		t.Errorf("queue after track end = %+v", player.Queue)
	}

	m.handleEvent(ctx, EventTrackEnd{GuildID: "guild"})

	if player.Playing {
		t.Error("player still playing with an empty queue")
	}
}

func TestHandleEventInteraction(t *testing.T) {
	m, _, _ := newTestMinstrel(t)

	var received *discord.Interaction

	m.OnInteraction = func(m *Minstrel, interaction discord.Interaction) {
		received = &interaction
	}

	m.handleEvent(context.Background(), EventInteractionCreate{
		Interaction: discord.Interaction{ID: "1", GuildID: "guild"},
	})

	if received == nil || received.ID != "1" {
		t.Errorf("interaction hook received %+v", received)
	}
}

func TestHandleEventInteractionPanic(t *testing.T) {
	m, _, _ := newTestMinstrel(t)

	m.OnInteraction = func(m *Minstrel, interaction discord.Interaction) {
		panic("handler bug")
	}

	// The orchestrator must survive a panicking handler.
	m.handleEvent(context.Background(), EventInteractionCreate{
		Interaction: discord.Interaction{ID: "1"},
	})
}

func TestSetupPrometheusRepeatable(t *testing.T) {
	m, _, _ := newTestMinstrel(t)

	// Reopening in the same process must not panic on registration.
	m.setupPrometheus()
	m.setupPrometheus()
}

func TestHandleEventFatal(t *testing.T) {
	m, _, _ := newTestMinstrel(t)

	fatalErr := errors.New("authentication failed")

	m.handleEvent(context.Background(), EventFatal{Err: fatalErr})

	select {
	case err := <-m.Fatal():
		if !errors.Is(err, fatalErr) {
			t.Errorf("Fatal() yielded %v, want %v", err, fatalErr)
		}
	default:
		t.Error("Fatal() yielded nothing")
	}
}
