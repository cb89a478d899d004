package minstrel

import (
	"context"

	"github.com/lostriver/minstrel/discord"
	"github.com/rs/zerolog"
)

// payloadSender is anything accepting an outbound wire payload. Both session
// types satisfy it; tests swap in recorders.
type payloadSender interface {
	Send(payload []byte)
}

// nodeClient is the surface of the audio node a player needs.
type nodeClient interface {
	payloadSender
	LoadTracks(ctx context.Context, identifier string) (*SearchResult, error)
}

// PlayerRegistry holds the guild players. At most one player exists per
// guild. Only the orchestrator task touches it, so no locking.
type PlayerRegistry struct {
	Logger zerolog.Logger

	gateway payloadSender
	node    nodeClient

	players map[discord.Snowflake]*Player
}

// NewPlayerRegistry creates an empty player registry sending voice commands
// through gateway and node payloads through node.
func NewPlayerRegistry(logger zerolog.Logger, gateway payloadSender, node nodeClient) *PlayerRegistry {
	return &PlayerRegistry{
		Logger: logger,

		gateway: gateway,
		node:    node,

		players: make(map[discord.Snowflake]*Player),
	}
}

// Join connects to a voice channel and creates the guild's player. Fails with
// ErrAlreadyConnected when a player already exists; the existing player is
// left untouched.
func (pr *PlayerRegistry) Join(guildID discord.Snowflake, channelID discord.Snowflake) (*Player, error) {
	if _, ok := pr.players[guildID]; ok {
		return nil, ErrAlreadyConnected
	}

	pr.sendVoiceStateUpdate(guildID, &channelID)

	player := &Player{
		Logger: pr.Logger.With().Str("guild_id", string(guildID)).Logger(),

		GuildID:   guildID,
		ChannelID: channelID,
		Volume:    100,

		node: pr.node,
	}

	pr.players[guildID] = player
	minstrelPlayerCount.Set(float64(len(pr.players)))

	return player, nil
}

// Destroy leaves the guild's voice channel, destroys the node player and
// removes it from the registry. Fails with ErrNoPlayer when none exists.
func (pr *PlayerRegistry) Destroy(guildID discord.Snowflake) error {
	player, ok := pr.players[guildID]
	if !ok {
		return ErrNoPlayer
	}

	pr.sendVoiceStateUpdate(guildID, nil)
	player.send(nodeDestroy{Op: "destroy", GuildID: guildID})

	delete(pr.players, guildID)
	minstrelPlayerCount.Set(float64(len(pr.players)))

	return nil
}

// Get returns the guild's player if one exists.
func (pr *PlayerRegistry) Get(guildID discord.Snowflake) (*Player, bool) {
	player, ok := pr.players[guildID]

	return player, ok
}

// Count returns the number of active players.
func (pr *PlayerRegistry) Count() int {
	return len(pr.players)
}

// OnTrackEnd advances the guild's queue: the finished head is popped, the new
// head is played or the player is marked idle. A no-op when the player raced
// a destroy.
func (pr *PlayerRegistry) OnTrackEnd(guildID discord.Snowflake) {
	player, ok := pr.players[guildID]
	if !ok {
		return
	}

	if len(player.Queue) > 0 {
		player.Queue = player.Queue[1:]
	}

	if len(player.Queue) > 0 {
		player.send(nodePlay{Op: "play", GuildID: guildID, Track: player.Queue[0].Encoded})
	} else {
		player.Playing = false
	}
}

func (pr *PlayerRegistry) sendVoiceStateUpdate(guildID discord.Snowflake, channelID *discord.Snowflake) {
	res, err := json.Marshal(discord.SentPayload{
		Op: discord.GatewayOpVoiceStateUpdate,
		Data: discord.UpdateVoiceState{
			GuildID:   guildID,
			ChannelID: channelID,
			SelfMute:  false,
			SelfDeaf:  false,
		},
	})
	if err != nil {
		pr.Logger.Error().Err(err).Msg("Failed to marshal voice state update")

		return
	}

	pr.gateway.Send(res)
}

// Player is the playback state machine of one guild.
type Player struct {
	Logger zerolog.Logger

	GuildID   discord.Snowflake
	ChannelID discord.Snowflake

	Playing bool
	Paused  bool
	Volume  int

	Queue []Track

	node nodeClient
}

// Play starts the track immediately when the player is idle, otherwise it
// only enqueues. The track always joins the queue so OnTrackEnd can advance
// past it.
func (p *Player) Play(track Track) {
	if !p.Playing {
		p.Playing = true
		p.send(nodePlay{Op: "play", GuildID: p.GuildID, Track: track.Encoded})
	}

	p.Queue = append(p.Queue, track)
}

// Pause pauses or unpauses playback.
func (p *Player) Pause(paused bool) {
	p.Paused = paused
	p.send(nodePause{Op: "pause", GuildID: p.GuildID, Pause: paused})
}

// Skip stops the current track and returns it. The queue itself advances via
// the TrackEnd event the stop provokes, not synchronously.
func (p *Player) Skip() (*Track, error) {
	if len(p.Queue) == 0 {
		return nil, ErrNothingPlaying
	}

	track := p.Queue[0]

	p.send(nodeStop{Op: "stop", GuildID: p.GuildID})

	return &track, nil
}

// Search looks a query up on the audio node, optionally prefixed with a
// platform selector.
func (p *Player) Search(ctx context.Context, query string, platform string) (*SearchResult, error) {
	identifier := query
	if platform != "" {
		identifier = platform + ":" + query
	}

	return p.node.LoadTracks(ctx, identifier)
}

// connectVoice forwards the correlated voice credentials to the audio node.
func (p *Player) connectVoice(sessionID string, server discord.VoiceServer) {
	p.send(nodeVoiceUpdate{
		Op:        "voiceUpdate",
		GuildID:   p.GuildID,
		SessionID: sessionID,
		Event:     server,
	})
}

func (p *Player) send(v interface{}) {
	res, err := json.Marshal(v)
	if err != nil {
		p.Logger.Error().Err(err).Msg("Failed to marshal node payload")

		return
	}

	p.node.Send(res)
}
