package minstrel

import (
	"time"

	"github.com/lostriver/minstrel/discord"
	"github.com/rs/zerolog"
)

// IdleDestroyDelay is how long the bot stays alone in a voice channel before
// its player is destroyed.
const IdleDestroyDelay = 300 * time.Second

type voiceKey struct {
	GuildID discord.Snowflake
	UserID  discord.Snowflake
}

// voiceInstruction is the fingerprint of a voiceUpdate already issued to the
// audio node, so redelivered gateway events do not repeat it.
type voiceInstruction struct {
	SessionID string
	Token     string
	Endpoint  string
}

// VoiceCoordinator correlates voice state and voice server events into node
// voice connections, and watches channel occupancy for the idle timeout. Like
// the registry it is only ever touched by the orchestrator task; the timers
// it arms hand their work back through the event queue.
type VoiceCoordinator struct {
	Logger zerolog.Logger

	events  chan<- Event
	players *PlayerRegistry

	idleDelay time.Duration

	states  map[voiceKey]discord.VoiceState
	servers map[discord.Snowflake]discord.VoiceServer
	issued  map[discord.Snowflake]voiceInstruction
	pending map[discord.Snowflake]*time.Timer
}

// NewVoiceCoordinator creates a voice coordinator pushing destroy requests
// onto the passed event queue.
func NewVoiceCoordinator(logger zerolog.Logger, events chan<- Event, players *PlayerRegistry) *VoiceCoordinator {
	return &VoiceCoordinator{
		Logger: logger,

		events:  events,
		players: players,

		idleDelay: IdleDestroyDelay,

		states:  make(map[voiceKey]discord.VoiceState),
		servers: make(map[discord.Snowflake]discord.VoiceServer),
		issued:  make(map[discord.Snowflake]voiceInstruction),
		pending: make(map[discord.Snowflake]*time.Timer),
	}
}

// OnVoiceStateUpdate records a user's voice state and reacts to it: bot moves
// drive the node connection lifecycle, other users' moves drive the idle
// timeout.
func (vc *VoiceCoordinator) OnVoiceStateUpdate(self discord.Snowflake, state discord.VoiceState) {
	key := voiceKey{GuildID: state.GuildID, UserID: state.UserID}

	previous, hadPrevious := vc.states[key]

	if state.UserID == self {
		vc.onBotVoiceState(state)

		return
	}

	botChannel, botConnected := vc.botChannel(self, state.GuildID)

	if state.ChannelID == "" {
		// User left voice entirely.
		delete(vc.states, key)

		if botConnected && hadPrevious && previous.ChannelID == botChannel {
			vc.maybeScheduleIdleDestroy(state.GuildID, botChannel)
		}

		return
	}

	vc.states[key] = state

	if !botConnected {
		return
	}

	if state.ChannelID == botChannel {
		vc.maybeCancelIdleDestroy(state.GuildID)

		return
	}

	// User moved from the bot's channel to another one.
	if hadPrevious && previous.ChannelID == botChannel {
		vc.maybeScheduleIdleDestroy(state.GuildID, botChannel)
	}
}

// OnVoiceServerUpdate records the guild's voice server credentials and tries
// to complete the node connection.
func (vc *VoiceCoordinator) OnVoiceServerUpdate(self discord.Snowflake, server discord.VoiceServer) {
	vc.servers[server.GuildID] = server

	vc.attemptConnection(self, server.GuildID)
}

// StateFor returns the stored voice state of a guild member.
func (vc *VoiceCoordinator) StateFor(guildID discord.Snowflake, userID discord.Snowflake) (discord.VoiceState, bool) {
	state, ok := vc.states[voiceKey{GuildID: guildID, UserID: userID}]

	return state, ok
}

// OnPlayerDestroyed clears the guild's correlation and idle bookkeeping after
// its player is gone.
func (vc *VoiceCoordinator) OnPlayerDestroyed(guildID discord.Snowflake) {
	delete(vc.servers, guildID)
	delete(vc.issued, guildID)

	vc.maybeCancelIdleDestroy(guildID)
}

// ReissueConnections forgets every issued voiceUpdate and reconnects the
// players whose credentials are still held, used after an audio node
// reconnect.
func (vc *VoiceCoordinator) ReissueConnections(self discord.Snowflake) {
	for guildID := range vc.issued {
		delete(vc.issued, guildID)
	}

	for guildID := range vc.servers {
		vc.attemptConnection(self, guildID)
	}
}

// Stop cancels every armed idle timer.
func (vc *VoiceCoordinator) Stop() {
	for guildID, timer := range vc.pending {
		timer.Stop()
		delete(vc.pending, guildID)
	}
}

func (vc *VoiceCoordinator) onBotVoiceState(state discord.VoiceState) {
	key := voiceKey{GuildID: state.GuildID, UserID: state.UserID}

	if state.ChannelID == "" {
		// Kicked or disconnected from voice. The player is useless
		// without a channel, so it goes too.
		delete(vc.states, key)

		if err := vc.players.Destroy(state.GuildID); err == nil {
			vc.OnPlayerDestroyed(state.GuildID)
		}

		return
	}

	vc.states[key] = state

	if player, ok := vc.players.Get(state.GuildID); ok {
		if player.ChannelID != state.ChannelID {
			player.ChannelID = state.ChannelID

			// Moving channels restarts the idle decision from scratch.
			vc.maybeCancelIdleDestroy(state.GuildID)
		}
	}

	vc.attemptConnection(state.UserID, state.GuildID)
}

// attemptConnection issues a voiceUpdate to the node once the voice server,
// the bot's voice state and a player all exist for the guild. Events arrive
// in either order and may be redelivered; the issued cache keeps this
// idempotent.
func (vc *VoiceCoordinator) attemptConnection(self discord.Snowflake, guildID discord.Snowflake) {
	server, ok := vc.servers[guildID]
	if !ok {
		return
	}

	state, ok := vc.states[voiceKey{GuildID: guildID, UserID: self}]
	if !ok || state.SessionID == "" || state.ChannelID == "" {
		return
	}

	player, ok := vc.players.Get(guildID)
	if !ok {
		return
	}

	instruction := voiceInstruction{
		SessionID: state.SessionID,
		Token:     server.Token,
		Endpoint:  server.Endpoint,
	}

	if issued, ok := vc.issued[guildID]; ok && issued == instruction {
		return
	}

	vc.Logger.Info().
		Str("guild_id", string(guildID)).
		Str("endpoint", server.Endpoint).
		Msg("Connecting player to voice server")

	player.connectVoice(state.SessionID, server)
	vc.issued[guildID] = instruction
}

func (vc *VoiceCoordinator) botChannel(self discord.Snowflake, guildID discord.Snowflake) (discord.Snowflake, bool) {
	state, ok := vc.states[voiceKey{GuildID: guildID, UserID: self}]
	if !ok || state.ChannelID == "" {
		return "", false
	}

	return state.ChannelID, true
}

// occupants counts the users currently stored in a guild channel, the bot
// included.
func (vc *VoiceCoordinator) occupants(guildID discord.Snowflake, channelID discord.Snowflake) int {
	count := 0

	for key, state := range vc.states {
		if key.GuildID != guildID {
			continue
		}

		if state.ChannelID == channelID {
			count++
		}
	}

	return count
}

// maybeScheduleIdleDestroy arms the guild's idle timer when the departure
// left the bot alone in its channel. At most one timer per guild.
func (vc *VoiceCoordinator) maybeScheduleIdleDestroy(guildID discord.Snowflake, botChannel discord.Snowflake) {
	if _, ok := vc.pending[guildID]; ok {
		return
	}

	if vc.occupants(guildID, botChannel) > 1 {
		return
	}

	vc.Logger.Info().
		Str("guild_id", string(guildID)).
		Dur("delay", vc.idleDelay).
		Msg("Alone in voice channel, scheduling player destruction")

	vc.pending[guildID] = time.AfterFunc(vc.idleDelay, func() {
		minstrelIdleDestroyCount.Inc()

		select {
		case vc.events <- EventDestroyPlayer{GuildID: guildID}:
		default:
			vc.Logger.Warn().
				Str("guild_id", string(guildID)).
				Msg("Event queue full, dropping idle destroy")
		}
	})
}

func (vc *VoiceCoordinator) maybeCancelIdleDestroy(guildID discord.Snowflake) {
	timer, ok := vc.pending[guildID]
	if !ok {
		return
	}

	timer.Stop()
	delete(vc.pending, guildID)
}
