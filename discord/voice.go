package discord

// VoiceState represents the voice state of a single user in a guild.
// ChannelID is empty when the user disconnected from voice.
type VoiceState struct {
	GuildID   Snowflake `json:"guild_id"`
	ChannelID Snowflake `json:"channel_id"`
	UserID    Snowflake `json:"user_id"`
	SessionID string    `json:"session_id"`
}

// VoiceServer contains the token and endpoint a voice connection for a guild
// has to be established against. It is forwarded verbatim to the audio node.
type VoiceServer struct {
	Token    string    `json:"token"`
	GuildID  Snowflake `json:"guild_id"`
	Endpoint string    `json:"endpoint"`
}
