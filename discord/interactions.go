package discord

import "encoding/json"

// User represents a discord user.
type User struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	Discriminator string    `json:"discriminator"`
}

// GuildMember represents a user inside of a guild.
type GuildMember struct {
	User User `json:"user"`
}

// Interaction is the decoded INTERACTION_CREATE dispatch. Command parsing and
// responses are handled by the consumer, we only carry the fields needed to
// route it.
type Interaction struct {
	ID            Snowflake       `json:"id"`
	ApplicationID Snowflake       `json:"application_id"`
	Type          int             `json:"type"`
	GuildID       Snowflake       `json:"guild_id"`
	ChannelID     Snowflake       `json:"channel_id"`
	Token         string          `json:"token"`
	Member        *GuildMember    `json:"member"`
	Data          json.RawMessage `json:"data"`
}
