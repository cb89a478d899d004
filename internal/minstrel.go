package minstrel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lostriver/minstrel/discord"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const VERSION = "1.2.0"

// ReconnectWait is the initial reconnect backoff. Doubles per attempt up to
// MaxReconnectWait.
const ReconnectWait = time.Second

var gatewayURL = url.URL{
	Scheme: "wss",
	Host:   "gateway.discord.gg",
}

// Minstrel owns the two upstream sessions and every piece of mutable state
// derived from them. All state is mutated by the orchestrator task alone,
// which drains the unified event queue; the sessions only decode and enqueue.
type Minstrel struct {
	Logger zerolog.Logger

	Configuration *Configuration

	Gateway *GatewaySession
	Node    *NodeSession

	Players *PlayerRegistry
	Voice   *VoiceCoordinator

	// OnInteraction runs on the orchestrator task for every
	// INTERACTION_CREATE, so it may freely use Players and Voice.
	OnInteraction func(m *Minstrel, interaction discord.Interaction)

	events chan Event

	// Orchestrator-owned session state.
	selfID   discord.Snowflake
	sequence int64
	resume   *ResumeToken

	fatal  chan error
	cancel context.CancelFunc
}

// NewMinstrel creates a Minstrel instance logging to the passed writer.
func NewMinstrel(logger io.Writer, configuration *Configuration) *Minstrel {
	minstrelLogger := zerolog.New(logger).With().Timestamp().Logger()
	minstrelLogger.Info().Msgf("Creating new minstrel instance on version %s", VERSION)

	events := make(chan Event, MessageChannelBuffer)

	m := &Minstrel{
		Logger: minstrelLogger,

		Configuration: configuration,

		events: events,

		fatal: make(chan error, 1),
	}

	m.Gateway = NewGatewaySession(minstrelLogger, configuration.Discord.Token, configuration.Discord.Intents, events)
	m.Node = NewNodeSession(minstrelLogger, configuration.Node, configuration.Discord.ApplicationID, events)
	m.Players = NewPlayerRegistry(minstrelLogger, m.Gateway, m.Node)
	m.Voice = NewVoiceCoordinator(minstrelLogger, events, m.Players)

	return m
}

// Open connects both sessions and starts the orchestrator. A gateway failure
// here is fatal; a node failure is retried in the background.
func (m *Minstrel) Open(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.setupPrometheus()

	if err := m.Gateway.Connect(ctx, gatewayURL.String(), nil); err != nil {
		return fmt.Errorf("failed to open gateway session: %w", err)
	}

	if err := m.Gateway.Identify(); err != nil {
		return fmt.Errorf("failed to identify: %w", err)
	}

	if err := m.Node.Connect(ctx); err != nil {
		m.Logger.Warn().Err(err).Msg("Initial node connection failed, retrying in background")

		go func() {
			select {
			case m.events <- EventNodeClosed{}:
			case <-ctx.Done():
			}
		}()
	}

	go m.eventLoop(ctx)

	return nil
}

// Close tears both sessions down and stops the orchestrator.
func (m *Minstrel) Close() {
	m.Logger.Info().Msg("Closing minstrel")

	if m.cancel != nil {
		m.cancel()
	}

	m.Gateway.Shutdown()
	m.Node.Shutdown()
	m.Voice.Stop()
}

// Fatal yields the error that makes further operation pointless, such as an
// authentication failure.
func (m *Minstrel) Fatal() <-chan error {
	return m.fatal
}

// DestroyPlayer removes the guild's player and its voice bookkeeping.
func (m *Minstrel) DestroyPlayer(guildID discord.Snowflake) error {
	err := m.Players.Destroy(guildID)
	if err != nil {
		return err
	}

	m.Voice.OnPlayerDestroyed(guildID)

	return nil
}

func (m *Minstrel) setupPrometheus() {
	collectors := []prometheus.Collector{
		minstrelEventCount,
		minstrelGatewayLatency,
		minstrelPlayerCount,
		minstrelNodeReconnectCount,
		minstrelIdleDestroyCount,
	}

	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			are := prometheus.AlreadyRegisteredError{}
			if !errors.As(err, &are) {
				m.Logger.Error().Err(err).Msg("Failed to register prometheus collector")
			}
		}
	}

	if m.Configuration.Prometheus.Host == "" {
		return
	}

	m.Logger.Info().Msgf("Serving prometheus at %s", m.Configuration.Prometheus.Host)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		if err := http.ListenAndServe(m.Configuration.Prometheus.Host, mux); err != nil {
			m.Logger.Error().Err(err).Msg("Failed to serve prometheus")
		}
	}()
}

func (m *Minstrel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Minstrel) handleEvent(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.Logger.Error().
				Str("type", eventName(ev)).
				Interface("recovery", r).
				Msg("Recovered from panic in event handler")
		}
	}()

	minstrelEventCount.WithLabelValues(eventName(ev)).Inc()

	switch ev := ev.(type) {
	case EventSequence:
		if ev.Sequence > m.sequence {
			m.sequence = ev.Sequence

			if m.resume != nil {
				m.resume.Sequence = ev.Sequence
			}
		}
	case EventResumeProps:
		m.resume = &ResumeToken{
			Token:            m.Configuration.Discord.Token,
			SessionID:        ev.SessionID,
			ResumeGatewayURL: ev.ResumeGatewayURL,
			Sequence:         m.sequence,
		}
	case EventReady:
		m.selfID = ev.User.ID
		m.Node.UserID.Store(string(ev.User.ID))

		m.Logger.Info().
			Str("user_id", string(ev.User.ID)).
			Str("username", ev.User.Username).
			Msg("Gateway session is ready")
	case EventResume:
		m.reconnectGateway(ctx, true)
	case EventReconnect:
		m.reconnectGateway(ctx, false)
	case EventFatal:
		m.Logger.Error().Err(ev.Err).Msg("Gateway session failed fatally")

		m.Gateway.Shutdown()

		select {
		case m.fatal <- ev.Err:
		default:
		}
	case EventVoiceStateUpdate:
		m.Voice.OnVoiceStateUpdate(m.selfID, ev.State)
	case EventVoiceServerUpdate:
		m.Voice.OnVoiceServerUpdate(m.selfID, ev.Server)
	case EventInteractionCreate:
		if m.OnInteraction != nil {
			m.OnInteraction(m, ev.Interaction)
		}
	case EventTrackEnd:
		m.Players.OnTrackEnd(ev.GuildID)
	case EventNodeClosed:
		m.reconnectNode(ctx)
	case EventDestroyPlayer:
		if err := m.DestroyPlayer(ev.GuildID); err != nil {
			m.Logger.Debug().
				Str("guild_id", string(ev.GuildID)).
				Msg("Idle destroy raced player removal")
		}
	}
}

// reconnectGateway replaces the gateway connection, resuming the saved
// session when asked to and possible. Runs on the orchestrator task so the
// resume token cannot change underneath it.
func (m *Minstrel) reconnectGateway(ctx context.Context, resume bool) {
	m.Gateway.Shutdown()

	if !resume {
		m.resume = nil
		m.sequence = 0
	}

	wait := ReconnectWait

	for {
		endpoint := gatewayURL.String()
		if m.resume != nil && m.resume.ResumeGatewayURL != "" {
			endpoint = m.resume.ResumeGatewayURL
		}

		err := m.Gateway.Connect(ctx, endpoint, m.resume)
		if err == nil {
			break
		}

		if ctx.Err() != nil {
			return
		}

		m.Logger.Warn().
			Err(err).
			Dur("retry_in", wait).
			Msg("Failed to reconnect to gateway")

		if !m.sleep(ctx, wait) {
			return
		}

		wait *= 2
		if wait > MaxReconnectWait {
			wait = MaxReconnectWait
		}
	}

	if m.resume == nil {
		if err := m.Gateway.Identify(); err != nil {
			m.Logger.Error().Err(err).Msg("Failed to identify after reconnect")
		}
	}
}

// reconnectNode replaces the audio node connection. The node resumes our
// players via the resume key; the voice credentials are reissued regardless
// in case the key expired.
func (m *Minstrel) reconnectNode(ctx context.Context) {
	m.Node.Shutdown()

	wait := ReconnectWait

	for {
		err := m.Node.Connect(ctx)
		if err == nil {
			break
		}

		if ctx.Err() != nil {
			return
		}

		m.Logger.Warn().
			Err(err).
			Dur("retry_in", wait).
			Msg("Failed to reconnect to audio node")

		if !m.sleep(ctx, wait) {
			return
		}

		wait *= 2
		if wait > MaxReconnectWait {
			wait = MaxReconnectWait
		}
	}

	minstrelNodeReconnectCount.Inc()
	m.Voice.ReissueConnections(m.selfID)
}

func (m *Minstrel) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
