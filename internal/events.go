package minstrel

import (
	"github.com/lostriver/minstrel/discord"
)

// Both sessions funnel their decoded payloads into one event queue which the
// orchestrator drains serially. Events carry everything the handler needs so
// no session internals are shared across goroutines.

// Event is a decoded occurrence from either the gateway or the audio node.
type Event interface {
	isEvent()
}

// EventSequence is emitted for every gateway payload carrying a sequence
// number.
type EventSequence struct {
	Sequence int64
}

// EventResumeProps carries the resume url and session id from READY.
type EventResumeProps struct {
	ResumeGatewayURL string
	SessionID        string
}

// EventResume requests the gateway connection be resumed with the saved
// session.
type EventResume struct{}

// EventReconnect requests a fresh gateway session, discarding the saved one.
type EventReconnect struct{}

// EventFatal is emitted when the gateway closed with an unrecoverable code.
type EventFatal struct {
	Err error
}

// EventReady is emitted once the gateway accepted our identify.
type EventReady struct {
	User discord.User
}

// EventVoiceStateUpdate is emitted for every VOICE_STATE_UPDATE dispatch.
type EventVoiceStateUpdate struct {
	State discord.VoiceState
}

// EventVoiceServerUpdate is emitted for every VOICE_SERVER_UPDATE dispatch.
type EventVoiceServerUpdate struct {
	Server discord.VoiceServer
}

// EventInteractionCreate is emitted for every INTERACTION_CREATE dispatch.
type EventInteractionCreate struct {
	Interaction discord.Interaction
}

// EventTrackEnd is emitted when the audio node finished playing a track.
type EventTrackEnd struct {
	GuildID discord.Snowflake
}

// EventNodeClosed is emitted when the audio node connection closed.
type EventNodeClosed struct{}

// EventDestroyPlayer requests a guild player be destroyed. Emitted by idle
// timers, it is a no-op if the player is already gone.
type EventDestroyPlayer struct {
	GuildID discord.Snowflake
}

func (EventSequence) isEvent()          {}
func (EventResumeProps) isEvent()       {}
func (EventResume) isEvent()            {}
func (EventReconnect) isEvent()         {}
func (EventFatal) isEvent()             {}
func (EventReady) isEvent()             {}
func (EventVoiceStateUpdate) isEvent()  {}
func (EventVoiceServerUpdate) isEvent() {}
func (EventInteractionCreate) isEvent() {}
func (EventTrackEnd) isEvent()          {}
func (EventNodeClosed) isEvent()        {}
func (EventDestroyPlayer) isEvent()     {}

func eventName(ev Event) string {
	switch ev.(type) {
	case EventSequence:
		return "sequence"
	case EventResumeProps:
		return "resume_props"
	case EventResume:
		return "resume"
	case EventReconnect:
		return "reconnect"
	case EventFatal:
		return "fatal"
	case EventReady:
		return "ready"
	case EventVoiceStateUpdate:
		return "voice_state_update"
	case EventVoiceServerUpdate:
		return "voice_server_update"
	case EventInteractionCreate:
		return "interaction_create"
	case EventTrackEnd:
		return "track_end"
	case EventNodeClosed:
		return "node_closed"
	case EventDestroyPlayer:
		return "destroy_player"
	default:
		return "unknown"
	}
}
