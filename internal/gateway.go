package minstrel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/WelcomerTeam/czlib"
	"github.com/lostriver/minstrel/discord"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
)

const (
	WebsocketReadLimit = 512 << 20

	MessageChannelBuffer = 64

	MaxReconnectWait = 60 * time.Second

	MaxHeartbeatFailures = 5
)

var heartbeatPayload = []byte(`{"op":1,"d":null}`)

// closeAction is what a gateway closure asks of the orchestrator.
type closeAction uint8

const (
	closeActionResume closeAction = iota
	closeActionReconnect
	closeActionFatal
)

// classifyClose maps a gateway close code onto the recovery we perform.
// Unknown codes and missing close frames resume conservatively so a transient
// blip never throws away a live session.
func classifyClose(code websocket.StatusCode) closeAction {
	switch int(code) {
	case discord.CloseUnknownError,
		discord.CloseUnknownOpCode,
		discord.CloseDecodeError,
		discord.CloseSessionTimeout:
		return closeActionResume
	case discord.CloseNotAuthenticated,
		discord.CloseAlreadyAuthenticated,
		discord.CloseInvalidSeq,
		discord.CloseRateLimited:
		return closeActionReconnect
	case discord.CloseAuthenticationFailed,
		discord.CloseInvalidShard,
		discord.CloseShardingRequired,
		discord.CloseInvalidIntents,
		discord.CloseDisallowedIntents:
		return closeActionFatal
	default:
		return closeActionResume
	}
}

// ResumeToken is everything needed to resume a dropped gateway session. It is
// owned and mutated by the orchestrator only.
type ResumeToken struct {
	Token            string
	SessionID        string
	ResumeGatewayURL string
	Sequence         int64
}

// payloadQueue is the outbound queue of a single connection. Tasks keep the
// queue they were spawned with; a reconnect swaps in a fresh one.
type payloadQueue struct {
	generation int64
	payloads   chan []byte
}

// GatewaySession owns one gateway websocket connection and the three tasks
// serving it: a reader decoding inbound frames into events, a writer draining
// the outbound queue and a heartbeater. Tasks are torn down and replaced on
// every resume or reconnect; each task carries the generation it was spawned
// under and exits voluntarily once superseded.
type GatewaySession struct {
	Logger zerolog.Logger

	Token   string
	Intents int64

	events chan<- Event

	generation *atomic.Int64
	sender     *atomic.Pointer[payloadQueue]

	LastHeartbeatAck  *atomic.Time
	LastHeartbeatSent *atomic.Time

	cancel *atomic.Pointer[context.CancelFunc]
}

// NewGatewaySession creates a gateway session feeding the passed event queue.
func NewGatewaySession(logger zerolog.Logger, token string, intents int64, events chan<- Event) *GatewaySession {
	return &GatewaySession{
		Logger: logger.With().Str("session", "gateway").Logger(),

		Token:   token,
		Intents: intents,

		events: events,

		generation: atomic.NewInt64(0),
		sender:     &atomic.Pointer[payloadQueue]{},

		LastHeartbeatAck:  &atomic.Time{},
		LastHeartbeatSent: &atomic.Time{},

		cancel: &atomic.Pointer[context.CancelFunc]{},
	}
}

// Connect dials the gateway, performs the hello handshake and spawns the
// connection tasks. When a resume token is passed the resume payload is sent
// before any task starts so nothing else can write first.
func (gs *GatewaySession) Connect(ctx context.Context, endpoint string, resume *ResumeToken) error {
	gwURL := endpoint + "/?v=10&encoding=json"

	gs.Logger.Debug().Str("url", gwURL).Msg("Dialing gateway")

	conn, _, err := websocket.Dial(ctx, gwURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}

	conn.SetReadLimit(WebsocketReadLimit)

	payload, err := gs.readPayload(ctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")

		return fmt.Errorf("failed to read hello: %w", err)
	}

	var hello discord.Hello

	if err = json.Unmarshal(payload.Data, &hello); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")

		return fmt.Errorf("failed to decode hello: %w", err)
	}

	if hello.HeartbeatInterval <= 0 {
		_ = conn.Close(websocket.StatusNormalClosure, "")

		return ErrInvalidHeartbeatInterval
	}

	if resume != nil {
		res, merr := json.Marshal(discord.SentPayload{
			Op: discord.GatewayOpResume,
			Data: discord.Resume{
				Token:     resume.Token,
				SessionID: resume.SessionID,
				Sequence:  resume.Sequence,
			},
		})
		if merr != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")

			return fmt.Errorf("failed to marshal resume: %w", merr)
		}

		if err = conn.Write(ctx, websocket.MessageText, res); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")

			return fmt.Errorf("failed to send resume: %w", err)
		}

		gs.Logger.Debug().
			Str("session_id", resume.SessionID).
			Int64("sequence", resume.Sequence).
			Msg("Sent resume")
	}

	now := time.Now().UTC()
	gs.LastHeartbeatAck.Store(now)
	gs.LastHeartbeatSent.Store(now)

	generation := gs.generation.Inc()

	queue := &payloadQueue{
		generation: generation,
		payloads:   make(chan []byte, MessageChannelBuffer),
	}
	gs.sender.Store(queue)

	taskCtx, cancel := context.WithCancel(ctx)
	gs.cancel.Store(&cancel)

	heartbeatInterval := time.Duration(hello.HeartbeatInterval) * time.Millisecond

	gs.Logger.Debug().
		Dur("interval", heartbeatInterval).
		Msg("Received HELLO event")

	go gs.writeLoop(taskCtx, conn, queue)
	go gs.readLoop(taskCtx, conn, generation)
	go gs.heartbeat(taskCtx, queue, heartbeatInterval)

	return nil
}

// Identify sends the identify handshake for a fresh session.
func (gs *GatewaySession) Identify() error {
	res, err := json.Marshal(discord.SentPayload{
		Op: discord.GatewayOpIdentify,
		Data: discord.Identify{
			Token: gs.Token,
			Properties: discord.IdentifyProperties{
				OS:      runtime.GOOS,
				Browser: "minstrel " + VERSION,
				Device:  "minstrel " + VERSION,
			},
			Intents: gs.Intents,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal identify: %w", err)
	}

	gs.Send(res)

	return nil
}

// Send enqueues a payload for the writer. It never blocks and silently
// accepts payloads while no connection is active so callers do not have to
// care about connection state.
func (gs *GatewaySession) Send(payload []byte) {
	queue := gs.sender.Load()
	if queue == nil {
		return
	}

	select {
	case queue.payloads <- payload:
	default:
		gs.Logger.Warn().Msg("Outbound gateway queue full, dropping payload")
	}
}

// Shutdown cancels the tasks of the current connection. Idempotent and safe
// to call from any goroutine.
func (gs *GatewaySession) Shutdown() {
	if cancel := gs.cancel.Load(); cancel != nil {
		(*cancel)()
	}
}

func (gs *GatewaySession) superseded(generation int64) bool {
	return gs.generation.Load() != generation
}

func (gs *GatewaySession) push(ctx context.Context, ev Event) {
	select {
	case gs.events <- ev:
	case <-ctx.Done():
	}
}

func (gs *GatewaySession) writeLoop(ctx context.Context, conn *websocket.Conn, queue *payloadQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-queue.payloads:
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				if ctx.Err() == nil {
					gs.Logger.Error().Err(err).Msg("Failed to write payload")
				}
			}
		}
	}
}

// heartbeat sends the fixed heartbeat payload every interval. When the
// gateway stops acknowledging for MaxHeartbeatFailures intervals the
// connection is presumed dead even if the socket never errored, and the
// heartbeater requests a resume and exits.
func (gs *GatewaySession) heartbeat(ctx context.Context, queue *payloadQueue, interval time.Duration) {
	failureInterval := interval * MaxHeartbeatFailures

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := time.Now().UTC()
			gs.LastHeartbeatSent.Store(now)

			select {
			case queue.payloads <- heartbeatPayload:
			default:
				gs.Logger.Warn().Msg("Outbound gateway queue full, dropping heartbeat")
			}

			if now.Sub(gs.LastHeartbeatAck.Load()) > failureInterval {
				if gs.superseded(queue.generation) {
					return
				}

				gs.Logger.Warn().Msg("Failed to ack and passed heartbeat failure interval")
				gs.push(ctx, EventResume{})

				return
			}
		}
	}
}

func (gs *GatewaySession) readLoop(ctx context.Context, conn *websocket.Conn, generation int64) {
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		data, err := gs.read(ctx, conn)
		if err != nil {
			if ctx.Err() != nil || gs.superseded(generation) {
				return
			}

			gs.dispatchReadFailure(ctx, err)

			return
		}

		if stop := gs.handleMessage(ctx, data); stop {
			return
		}
	}
}

// read returns one text frame, decompressing binary frames.
func (gs *GatewaySession) read(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	messageType, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	if messageType == websocket.MessageBinary {
		data, err = czlib.Decompress(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
	}

	return data, nil
}

// dispatchReadFailure turns a read error into the recovery event the
// orchestrator acts on. A missing or unknown close frame conservatively asks
// for a resume.
func (gs *GatewaySession) dispatchReadFailure(ctx context.Context, err error) {
	var closeErr websocket.CloseError

	if !errors.As(err, &closeErr) {
		gs.Logger.Warn().Err(err).Msg("Gateway connection lost")
		gs.push(ctx, EventResume{})

		return
	}

	gs.Logger.Warn().
		Int("code", int(closeErr.Code)).
		Str("reason", closeErr.Reason).
		Msg("Gateway connection closed")

	switch classifyClose(closeErr.Code) {
	case closeActionResume:
		gs.push(ctx, EventResume{})
	case closeActionReconnect:
		gs.push(ctx, EventReconnect{})
	case closeActionFatal:
		gs.push(ctx, EventFatal{
			Err: fmt.Errorf("%w: %d %s", ErrFatalClosure, closeErr.Code, closeErr.Reason),
		})
	}
}

// handleMessage decodes one inbound frame into events. It returns true when
// the reader has to stop because the gateway demanded a new connection.
func (gs *GatewaySession) handleMessage(ctx context.Context, data []byte) bool {
	var payload discord.GatewayPayload

	if err := json.Unmarshal(data, &payload); err != nil {
		gs.Logger.Error().Err(err).Msg("Failed to unmarshal payload")

		return false
	}

	if payload.Sequence != nil {
		gs.push(ctx, EventSequence{Sequence: *payload.Sequence})
	}

	switch payload.Op {
	case discord.GatewayOpReconnect:
		gs.Logger.Info().Msg("Gateway requested reconnect")
		gs.push(ctx, EventResume{})

		return true
	case discord.GatewayOpInvalidSession:
		var resumable bool

		_ = json.Unmarshal(payload.Data, &resumable)

		gs.Logger.Warn().Bool("resumable", resumable).Msg("Received invalid session")

		if resumable {
			gs.push(ctx, EventResume{})
		} else {
			gs.push(ctx, EventReconnect{})
		}

		return true
	case discord.GatewayOpHeartbeatACK:
		now := time.Now().UTC()
		gs.LastHeartbeatAck.Store(now)

		minstrelGatewayLatency.Set(float64(now.Sub(gs.LastHeartbeatSent.Load()).Milliseconds()))
	case discord.GatewayOpDispatch:
		gs.handleDispatch(ctx, payload)
	}

	return false
}

func (gs *GatewaySession) handleDispatch(ctx context.Context, payload discord.GatewayPayload) {
	if payload.Type == nil {
		return
	}

	switch *payload.Type {
	case "READY":
		var ready discord.Ready

		if err := json.Unmarshal(payload.Data, &ready); err != nil {
			gs.Logger.Error().Err(err).Msg("Failed to decode READY")

			return
		}

		gs.push(ctx, EventResumeProps{
			ResumeGatewayURL: ready.ResumeGatewayURL,
			SessionID:        ready.SessionID,
		})
		gs.push(ctx, EventReady{User: ready.User})
	case "INTERACTION_CREATE":
		var interaction discord.Interaction

		if err := json.Unmarshal(payload.Data, &interaction); err != nil {
			gs.Logger.Error().Err(err).Msg("Failed to decode INTERACTION_CREATE")

			return
		}

		gs.push(ctx, EventInteractionCreate{Interaction: interaction})
	case "VOICE_STATE_UPDATE":
		var state discord.VoiceState

		if err := json.Unmarshal(payload.Data, &state); err != nil {
			gs.Logger.Error().Err(err).Msg("Failed to decode VOICE_STATE_UPDATE")

			return
		}

		gs.push(ctx, EventVoiceStateUpdate{State: state})
	case "VOICE_SERVER_UPDATE":
		var server discord.VoiceServer

		if err := json.Unmarshal(payload.Data, &server); err != nil {
			gs.Logger.Error().Err(err).Msg("Failed to decode VOICE_SERVER_UPDATE")

			return
		}

		gs.push(ctx, EventVoiceServerUpdate{Server: server})
	}
}

// readPayload reads and decodes one payload synchronously, used for the hello
// handshake before the reader task exists.
func (gs *GatewaySession) readPayload(ctx context.Context, conn *websocket.Conn) (payload discord.GatewayPayload, err error) {
	data, err := gs.read(ctx, conn)
	if err != nil {
		return payload, err
	}

	if err = json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return payload, nil
}
