package minstrel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/lostriver/minstrel/discord"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
)

const NodeClientName = "minstrel"

const nodeRequestTimeout = 10 * time.Second

// Outbound node payloads, keyed by op.

type nodeConfigureResuming struct {
	Op      string `json:"op"`
	Key     string `json:"key"`
	Timeout int    `json:"timeout"`
}

type nodeVoiceUpdate struct {
	Op        string              `json:"op"`
	GuildID   discord.Snowflake   `json:"guildId"`
	SessionID string              `json:"sessionId"`
	Event     discord.VoiceServer `json:"event"`
}

type nodePlay struct {
	Op      string            `json:"op"`
	GuildID discord.Snowflake `json:"guildId"`
	Track   string            `json:"track"`
}

type nodePause struct {
	Op      string            `json:"op"`
	GuildID discord.Snowflake `json:"guildId"`
	Pause   bool              `json:"pause"`
}

type nodeStop struct {
	Op      string            `json:"op"`
	GuildID discord.Snowflake `json:"guildId"`
}

type nodeDestroy struct {
	Op      string            `json:"op"`
	GuildID discord.Snowflake `json:"guildId"`
}

// nodeInbound covers every inbound node payload we care about. Anything
// without a guildId is dropped.
type nodeInbound struct {
	GuildID string `json:"guildId"`
	Type    string `json:"type"`
}

// SearchResult is the response of the node's loadtracks endpoint.
type SearchResult struct {
	LoadType     string        `json:"loadType"`
	PlaylistInfo *PlaylistInfo `json:"playlistInfo"`
	Tracks       []Track       `json:"tracks"`
}

// Track pairs the opaque payload the node plays with its metadata. Immutable
// once obtained from a search result.
type Track struct {
	Encoded string    `json:"track"`
	Info    TrackInfo `json:"info"`
}

type TrackInfo struct {
	Identifier string `json:"identifier"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
}

type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack *int32 `json:"selectedTrack"`
}

// NodeSession owns the websocket connection to the audio node plus its writer
// and reader tasks. The outbound queue sits behind an atomically swapped
// handle so players sending through the session survive a node reconnect
// without being rebound by hand.
type NodeSession struct {
	Logger zerolog.Logger

	Configuration NodeConfiguration

	events chan<- Event

	// Bot user id for the handshake header, seeded from the configured
	// application id and refreshed from READY.
	UserID *atomic.String

	generation *atomic.Int64
	sender     *atomic.Pointer[payloadQueue]

	cancel *atomic.Pointer[context.CancelFunc]

	http *http.Client
}

// NewNodeSession creates an audio node session feeding the passed event
// queue.
func NewNodeSession(logger zerolog.Logger, configuration NodeConfiguration, userID string, events chan<- Event) *NodeSession {
	return &NodeSession{
		Logger: logger.With().Str("session", "node").Logger(),

		Configuration: configuration,

		events: events,

		UserID: atomic.NewString(userID),

		generation: atomic.NewInt64(0),
		sender:     &atomic.Pointer[payloadQueue]{},

		cancel: &atomic.Pointer[context.CancelFunc]{},

		http: &http.Client{Timeout: nodeRequestTimeout},
	}
}

// Connect performs the upgrade handshake, configures resuming on the node and
// spawns the writer and reader tasks.
func (ns *NodeSession) Connect(ctx context.Context) error {
	nodeURL := fmt.Sprintf("ws://%s:%d/", ns.Configuration.Host, ns.Configuration.Port)

	ns.Logger.Debug().Str("url", nodeURL).Msg("Dialing audio node")

	headers := http.Header{}
	headers.Set("Authorization", ns.Configuration.Password)
	headers.Set("User-Id", ns.UserID.Load())
	headers.Set("Client-Name", NodeClientName)
	headers.Set("Resume-Key", ns.Configuration.ResumeKey)

	conn, _, err := websocket.Dial(ctx, nodeURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to dial audio node: %w", err)
	}

	conn.SetReadLimit(WebsocketReadLimit)

	res, err := json.Marshal(nodeConfigureResuming{
		Op:      "configureResuming",
		Key:     ns.Configuration.ResumeKey,
		Timeout: ns.Configuration.ResumeTimeout,
	})
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")

		return fmt.Errorf("failed to marshal resume configuration: %w", err)
	}

	if err = conn.Write(ctx, websocket.MessageText, res); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")

		return fmt.Errorf("failed to send resume configuration: %w", err)
	}

	generation := ns.generation.Inc()

	queue := &payloadQueue{
		generation: generation,
		payloads:   make(chan []byte, MessageChannelBuffer),
	}
	ns.sender.Store(queue)

	taskCtx, cancel := context.WithCancel(ctx)
	ns.cancel.Store(&cancel)

	go ns.writeLoop(taskCtx, conn, queue)
	go ns.readLoop(taskCtx, conn, generation)

	return nil
}

// Send enqueues a payload for the writer. Never blocks; silently accepted
// with no active connection.
func (ns *NodeSession) Send(payload []byte) {
	queue := ns.sender.Load()
	if queue == nil {
		return
	}

	select {
	case queue.payloads <- payload:
	default:
		ns.Logger.Warn().Msg("Outbound node queue full, dropping payload")
	}
}

// Shutdown cancels the tasks of the current connection. Idempotent and safe
// to call from any goroutine.
func (ns *NodeSession) Shutdown() {
	if cancel := ns.cancel.Load(); cancel != nil {
		(*cancel)()
	}
}

func (ns *NodeSession) superseded(generation int64) bool {
	return ns.generation.Load() != generation
}

func (ns *NodeSession) writeLoop(ctx context.Context, conn *websocket.Conn, queue *payloadQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-queue.payloads:
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				if ctx.Err() == nil {
					ns.Logger.Error().Err(err).Msg("Failed to write payload to node")
				}
			}
		}
	}
}

func (ns *NodeSession) readLoop(ctx context.Context, conn *websocket.Conn, generation int64) {
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || ns.superseded(generation) {
				return
			}

			ns.Logger.Warn().Err(err).Msg("Audio node connection closed")

			select {
			case ns.events <- EventNodeClosed{}:
			case <-ctx.Done():
			}

			return
		}

		var payload nodeInbound

		if err = json.Unmarshal(data, &payload); err != nil {
			continue
		}

		if payload.GuildID == "" {
			continue
		}

		if payload.Type == "TrackEndEvent" {
			select {
			case ns.events <- EventTrackEnd{GuildID: discord.Snowflake(payload.GuildID)}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// LoadTracks queries the node's loadtracks endpoint with the passed
// identifier.
func (ns *NodeSession) LoadTracks(ctx context.Context, identifier string) (*SearchResult, error) {
	requestURL := fmt.Sprintf(
		"http://%s:%d/loadtracks?identifier=%s",
		ns.Configuration.Host,
		ns.Configuration.Port,
		url.QueryEscape(identifier),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create loadtracks request: %w", err)
	}

	req.Header.Set("Authorization", ns.Configuration.Password)

	res, err := ns.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request loadtracks: %w", err)
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: loadtracks returned %d", ErrNodeRequestFailed, res.StatusCode)
	}

	var result SearchResult

	if err = json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode search result: %w", err)
	}

	return &result, nil
}
