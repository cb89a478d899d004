package minstrel

import (
	"testing"
	"time"

	"github.com/lostriver/minstrel/discord"
	"github.com/rs/zerolog"
)

const testSelf = discord.Snowflake("100")

func newTestCoordinator(t *testing.T) (*VoiceCoordinator, *PlayerRegistry, *fakeNode, chan Event) {
	t.Helper()

	events := make(chan Event, MessageChannelBuffer)

	gateway := &recordingSender{}
	node := &fakeNode{}

	pr := NewPlayerRegistry(zerolog.Nop(), gateway, node)
	vc := NewVoiceCoordinator(zerolog.Nop(), events, pr)
	vc.idleDelay = 5 * time.Millisecond

	return vc, pr, node, events
}

func botState(sessionID string) discord.VoiceState {
	return discord.VoiceState{
		GuildID:   "guild",
		ChannelID: "channel",
		UserID:    testSelf,
		SessionID: sessionID,
	}
}

func userState(userID discord.Snowflake, channelID discord.Snowflake) discord.VoiceState {
	return discord.VoiceState{
		GuildID:   "guild",
		ChannelID: channelID,
		UserID:    userID,
		SessionID: "user-session",
	}
}

var testServer = discord.VoiceServer{
	Token:    "token",
	GuildID:  "guild",
	Endpoint: "voice.example:443",
}

// countVoiceUpdates counts the voiceUpdate payloads sent to the node.
func countVoiceUpdates(t *testing.T, node *fakeNode) int {
	t.Helper()

	count := 0

	for _, payload := range node.payloads {
		if decodePayload(t, payload)["op"] == "voiceUpdate" {
			count++
		}
	}

	return count
}

func TestConnectionStateThenServer(t *testing.T) {
	vc, pr, node, _ := newTestCoordinator(t)

	if _, err := pr.Join("guild", "channel"); err != nil {
		t.Fatalf("Join() returned %v", err)
	}

	vc.OnVoiceStateUpdate(testSelf, botState("sess"))

	if countVoiceUpdates(t, node) != 0 {
		t.Error("voiceUpdate issued before the voice server arrived")
	}

	vc.OnVoiceServerUpdate(testSelf, testServer)

	if countVoiceUpdates(t, node) != 1 {
		t.Fatalf("voiceUpdate count = %d, want 1", countVoiceUpdates(t, node))
	}

	payload := decodePayload(t, node.payloads[len(node.payloads)-1])
	if payload["sessionId"] != "sess" || payload["guildId"] != "guild" {
		t.Errorf("voiceUpdate payload = %v", payload)
	}

	event := payload["event"].(map[string]interface{})
	if event["token"] != "token" || event["endpoint"] != "voice.example:443" {
		t.Errorf("voiceUpdate event = %v", event)
	}
}

func TestConnectionServerThenState(t *testing.T) {
	vc, pr, node, _ := newTestCoordinator(t)

	if _, err := pr.Join("guild", "channel"); err != nil {
		t.Fatalf("Join() returned %v", err)
	}

	vc.OnVoiceServerUpdate(testSelf, testServer)

	if countVoiceUpdates(t, node) != 0 {
		t.Error("voiceUpdate issued before the bot's voice state arrived")
	}

	vc.OnVoiceStateUpdate(testSelf, botState("sess"))

	if countVoiceUpdates(t, node) != 1 {
		t.Errorf("voiceUpdate count = %d, want 1", countVoiceUpdates(t, node))
	}
}

func TestConnectionRedeliveryIdempotent(t *testing.T) {
	vc, pr, node, _ := newTestCoordinator(t)

	if _, err := pr.Join("guild", "channel"); err != nil {
		t.Fatalf("Join() returned %v", err)
	}

	vc.OnVoiceStateUpdate(testSelf, botState("sess"))
	vc.OnVoiceServerUpdate(testSelf, testServer)
	vc.OnVoiceServerUpdate(testSelf, testServer)
	vc.OnVoiceStateUpdate(testSelf, botState("sess"))

	if countVoiceUpdates(t, node) != 1 {
		t.Errorf("voiceUpdate count = %d, want 1", countVoiceUpdates(t, node))
	}

	// New credentials are not deduplicated.
	changed := testServer
	changed.Token = "rotated"

	vc.OnVoiceServerUpdate(testSelf, changed)

	if countVoiceUpdates(t, node) != 2 {
		t.Errorf("voiceUpdate count = %d, want 2", countVoiceUpdates(t, node))
	}
}

func TestConnectionWithoutPlayer(t *testing.T) {
	vc, _, node, _ := newTestCoordinator(t)

	vc.OnVoiceStateUpdate(testSelf, botState("sess"))
	vc.OnVoiceServerUpdate(testSelf, testServer)

	if countVoiceUpdates(t, node) != 0 {
		t.Error("voiceUpdate issued without a player")
	}
}

func TestReissueConnections(t *testing.T) {
	vc, pr, node, _ := newTestCoordinator(t)

	if _, err := pr.Join("guild", "channel"); err != nil {
		t.Fatalf("Join() returned %v", err)
	}

	vc.OnVoiceStateUpdate(testSelf, botState("sess"))
	vc.OnVoiceServerUpdate(testSelf, testServer)

	vc.ReissueConnections(testSelf)

	if countVoiceUpdates(t, node) != 2 {
		t.Errorf("voiceUpdate count = %d, want 2", countVoiceUpdates(t, node))
	}
}

func TestBotDisconnectDestroysPlayer(t *testing.T) {
	vc, pr, _, _ := newTestCoordinator(t)

	if _, err := pr.Join("guild", "channel"); err != nil {
		t.Fatalf("Join() returned %v", err)
	}

	vc.OnVoiceStateUpdate(testSelf, botState("sess"))
	vc.OnVoiceServerUpdate(testSelf, testServer)

	vc.OnVoiceStateUpdate(testSelf, discord.VoiceState{
		GuildID: "guild",
		UserID:  testSelf,
	})

	if pr.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after the bot was disconnected", pr.Count())
	}

	if len(vc.servers) != 0 || len(vc.issued) != 0 {
		t.Error("voice bookkeeping survived the player destruction")
	}
}

func TestIdleDestroyFires(t *testing.T) {
	vc, pr, _, events := newTestCoordinator(t)

	if _, err := pr.Join("guild", "channel"); err != nil {
		t.Fatalf("Join() returned %v", err)
	}

	vc.OnVoiceStateUpdate(testSelf, botState("sess"))
	vc.OnVoiceStateUpdate(testSelf, userState("200", "channel"))

	// The last listener leaves the bot alone.
	vc.OnVoiceStateUpdate(testSelf, userState("200", ""))

	if len(vc.pending) != 1 {
		t.Fatalf("pending timer count = %d, want 1", len(vc.pending))
	}

	select {
	case ev := <-events:
		destroy, ok := ev.(EventDestroyPlayer)
		if !ok {
			t.Fatalf("received %T, want EventDestroyPlayer", ev)
		}

		if destroy.GuildID != "guild" {
			t.Errorf("EventDestroyPlayer for guild %s, want guild", destroy.GuildID)
		}
	case <-time.After(time.Second):
		t.Fatal("idle timer never fired")
	}
}

func TestIdleDestroyCancelledOnJoin(t *testing.T) {
	vc, pr, _, events := newTestCoordinator(t)

	if _, err := pr.Join("guild", "channel"); err != nil {
		t.Fatalf("Join() returned %v", err)
	}

	vc.idleDelay = 50 * time.Millisecond

	vc.OnVoiceStateUpdate(testSelf, botState("sess"))
	vc.OnVoiceStateUpdate(testSelf, userState("200", "channel"))
	vc.OnVoiceStateUpdate(testSelf, userState("200", ""))

	if len(vc.pending) != 1 {
		t.Fatalf("pending timer count = %d, want 1", len(vc.pending))
	}

	// Someone joins the bot's channel before the timer fires.
	vc.OnVoiceStateUpdate(testSelf, userState("300", "channel"))

	if len(vc.pending) != 0 {
		t.Fatal("pending timer survived a listener joining")
	}

	select {
	case ev := <-events:
		t.Fatalf("received %T after the timer was cancelled", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIdleDestroyNotScheduledWithListeners(t *testing.T) {
	vc, pr, _, _ := newTestCoordinator(t)

	if _, err := pr.Join("guild", "channel"); err != nil {
		t.Fatalf("Join() returned %v", err)
	}

	vc.OnVoiceStateUpdate(testSelf, botState("sess"))
	vc.OnVoiceStateUpdate(testSelf, userState("200", "channel"))
	vc.OnVoiceStateUpdate(testSelf, userState("300", "channel"))

	vc.OnVoiceStateUpdate(testSelf, userState("200", ""))

	if len(vc.pending) != 0 {
		t.Error("idle timer armed while a listener remains")
	}
}

func TestIdleDestroyOnChannelMove(t *testing.T) {
	vc, pr, _, _ := newTestCoordinator(t)

	if _, err := pr.Join("guild", "channel"); err != nil {
		t.Fatalf("Join() returned %v", err)
	}

	vc.OnVoiceStateUpdate(testSelf, botState("sess"))
	vc.OnVoiceStateUpdate(testSelf, userState("200", "channel"))

	// The listener moves to another channel instead of disconnecting.
	vc.OnVoiceStateUpdate(testSelf, userState("200", "elsewhere"))

	if len(vc.pending) != 1 {
		t.Errorf("pending timer count = %d, want 1", len(vc.pending))
	}
}

func TestIdleDestroySingleTimer(t *testing.T) {
	vc, pr, _, _ := newTestCoordinator(t)

	if _, err := pr.Join("guild", "channel"); err != nil {
		t.Fatalf("Join() returned %v", err)
	}

	vc.idleDelay = time.Minute

	vc.OnVoiceStateUpdate(testSelf, botState("sess"))
	vc.OnVoiceStateUpdate(testSelf, userState("200", "channel"))
	vc.OnVoiceStateUpdate(testSelf, userState("200", ""))

	first := vc.pending["guild"]
	if first == nil {
		t.Fatal("no timer armed")
	}

	// A departure from an unrelated channel does not rearm.
	vc.OnVoiceStateUpdate(testSelf, userState("300", "elsewhere"))
	vc.OnVoiceStateUpdate(testSelf, userState("300", ""))

	if vc.pending["guild"] != first {
		t.Error("timer was replaced")
	}

	vc.Stop()

	if len(vc.pending) != 0 {
		t.Error("Stop() left timers armed")
	}
}

func TestStateFor(t *testing.T) {
	vc, _, _, _ := newTestCoordinator(t)

	vc.OnVoiceStateUpdate(testSelf, userState("200", "channel"))

	state, ok := vc.StateFor("guild", "200")
	if !ok || state.ChannelID != "channel" {
		t.Errorf("StateFor() = %+v, %v", state, ok)
	}

	if _, ok = vc.StateFor("guild", "999"); ok {
		t.Error("StateFor() found a state for an unknown user")
	}
}
