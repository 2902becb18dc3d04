// Package discord is the chat-platform ingress for the transcription
// pipeline. It owns the discordgo session, joins voice channels on command,
// demuxes per-speaker Opus audio into the buffering stage, mirrors voice
// join/leave events into the session manager, and captures text-channel
// messages sent while a session is recording.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/pcurie/loquax/internal/audio"
	"github.com/pcurie/loquax/internal/conv"
	"github.com/pcurie/loquax/pkg/provider/stt"
)

// Pipeline is the transcription stage as seen from the ingress side.
// Implemented by transcribe.Service.
type Pipeline interface {
	Ingest(ctx context.Context, key audio.Key, username, displayName string, chunk []float32) error
	SwapProvider(ctx context.Context, next stt.Provider) error
	Provider() stt.Provider
}

// Sessions is the session manager surface the bot drives.
type Sessions interface {
	Join(ctx context.Context, channelID, channelName, guildID, userID, username, displayName string) error
	Leave(ctx context.Context, channelID, userID string) error
	ByChannel(channelID string) (conv.Session, bool)
	End(ctx context.Context, channelID string, status conv.SessionStatus) error
}

// MessageStore persists text-channel messages observed during a session.
type MessageStore interface {
	Insert(ctx context.Context, m conv.Message) (conv.Message, error)
}

// StatsSource aggregates per-session talk statistics for /transcribe stats.
type StatsSource interface {
	SessionStats(ctx context.Context, sessionID string) (conv.SessionStats, error)
}

// ProviderFactory builds a speech-to-text provider by name for the
// /transcribe provider hot-swap command.
type ProviderFactory func(name string) (stt.Provider, error)

// Config holds the bot configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string

	// GuildID is the target guild.
	GuildID string
}

// Bot owns the Discord gateway connection. One voice channel at most is
// recorded per guild; joining a second channel stops the first.
type Bot struct {
	cfg       Config
	session   *discordgo.Session
	router    *Router
	pipeline  Pipeline
	sessions  Sessions
	messages  MessageStore
	stats     StatsSource
	buffers   *audio.Manager
	providers ProviderFactory

	// ctx is the bot's lifetime context, set by Run and used by gateway
	// event handlers, which discordgo invokes without one.
	ctx context.Context

	mu       sync.Mutex
	voice    map[string]*voiceSession // keyed by channel id
	members  map[string]memberNames   // guild member name cache
	commands []*discordgo.ApplicationCommand

	closeOnce sync.Once
}

// memberNames caches the resolved names of one guild member.
type memberNames struct {
	username    string
	displayName string
}

// New creates a Bot and connects to the Discord gateway. The voice receive
// loops start only when a channel is joined via /transcribe start.
func New(cfg Config, pipeline Pipeline, sessions Sessions, messages MessageStore, stats StatsSource, buffers *audio.Manager, providers ProviderFactory) (*Bot, error) {
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent

	b := &Bot{
		cfg:       cfg,
		session:   s,
		router:    NewRouter(),
		pipeline:  pipeline,
		sessions:  sessions,
		messages:  messages,
		stats:     stats,
		buffers:   buffers,
		providers: providers,
		ctx:       context.Background(),
		voice:     make(map[string]*voiceSession),
		members:   make(map[string]memberNames),
	}
	b.registerCommands()

	s.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	s.AddHandler(b.handleVoiceStateUpdate)
	s.AddHandler(b.handleMessageCreate)

	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}
	return b, nil
}

// Run registers the slash commands and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	appID := b.session.State.User.ID
	registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.cfg.GuildID, b.router.ApplicationCommands())
	if err != nil {
		return fmt.Errorf("discord: register commands: %w", err)
	}
	b.mu.Lock()
	b.commands = registered
	b.mu.Unlock()
	slog.Info("discord commands registered", "count", len(registered))

	<-ctx.Done()
	return ctx.Err()
}

// Close leaves all voice channels, unregisters commands, and disconnects
// from the gateway. Buffered audio is NOT drained here; the application
// drains through the transcription stage before calling Close.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		voices := make([]*voiceSession, 0, len(b.voice))
		for _, v := range b.voice {
			voices = append(voices, v)
		}
		b.voice = map[string]*voiceSession{}
		commands := b.commands
		b.mu.Unlock()

		for _, v := range voices {
			v.stop()
		}

		appID := b.session.State.User.ID
		for _, cmd := range commands {
			if err := b.session.ApplicationCommandDelete(appID, b.cfg.GuildID, cmd.ID); err != nil {
				slog.Warn("discord: delete command", "name", cmd.Name, "error", err)
			}
		}
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close gateway: %w", err)
		}
		slog.Info("discord bot closed")
	})
	return closeErr
}

// SessionEnded implements the session manager's end observer: when a session
// closes for any reason the bot leaves the channel and discards its buffers.
func (b *Bot) SessionEnded(_ context.Context, s conv.Session) {
	b.mu.Lock()
	v, ok := b.voice[s.ChannelID]
	delete(b.voice, s.ChannelID)
	b.mu.Unlock()
	if ok {
		v.stop()
	}
	b.buffers.RemoveChannel(s.ChannelID)
}

// tracked reports whether the bot is recording the given voice channel.
func (b *Bot) tracked(channelID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.voice[channelID]
	return ok
}

// memberNames resolves a guild member's username and display name, caching
// the result for the speaking-update fast path.
func (b *Bot) memberNames(guildID, userID string) memberNames {
	b.mu.Lock()
	if names, ok := b.members[userID]; ok {
		b.mu.Unlock()
		return names
	}
	b.mu.Unlock()

	names := memberNames{username: userID, displayName: userID}
	member, err := b.session.State.Member(guildID, userID)
	if err != nil {
		member, err = b.session.GuildMember(guildID, userID)
	}
	if err == nil && member.User != nil {
		names.username = member.User.Username
		names.displayName = member.DisplayName()
	} else {
		slog.Debug("discord: member lookup failed", "user_id", userID, "error", err)
	}

	b.mu.Lock()
	b.members[userID] = names
	b.mu.Unlock()
	return names
}

// handleVoiceStateUpdate mirrors joins and leaves on tracked channels into
// the session manager.
func (b *Bot) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.UserID == b.session.State.User.ID {
		return
	}
	ctx := b.runCtx()

	var prevChannel string
	if vsu.BeforeUpdate != nil {
		prevChannel = vsu.BeforeUpdate.ChannelID
	}
	if prevChannel == vsu.ChannelID {
		return
	}

	if prevChannel != "" && b.tracked(prevChannel) {
		if err := b.sessions.Leave(ctx, prevChannel, vsu.UserID); err != nil {
			slog.Error("discord: record leave", "channel_id", prevChannel, "user_id", vsu.UserID, "error", err)
		}
	}
	if vsu.ChannelID != "" && b.tracked(vsu.ChannelID) {
		names := b.memberNames(vsu.GuildID, vsu.UserID)
		if err := b.sessions.Join(ctx, vsu.ChannelID, b.channelName(vsu.ChannelID), vsu.GuildID, vsu.UserID, names.username, names.displayName); err != nil {
			slog.Error("discord: record join", "channel_id", vsu.ChannelID, "user_id", vsu.UserID, "error", err)
		}
	}
}

// handleMessageCreate captures guild text messages while a session in the
// same guild is recording.
func (b *Bot) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	session, ok := b.activeSessionForGuild(m.GuildID)
	if !ok {
		return
	}
	_, err := b.messages.Insert(b.runCtx(), conv.Message{
		SessionID: session.ID,
		UserID:    m.Author.ID,
		Username:  m.Author.Username,
		Content:   m.Content,
		SentAt:    m.Timestamp,
	})
	if err != nil {
		slog.Error("discord: persist message", "session_id", session.ID, "error", err)
	}
}

// activeSessionForGuild returns the live session of the guild's tracked
// voice channel, if any.
func (b *Bot) activeSessionForGuild(guildID string) (conv.Session, bool) {
	b.mu.Lock()
	channels := make([]string, 0, len(b.voice))
	for id := range b.voice {
		channels = append(channels, id)
	}
	b.mu.Unlock()

	for _, id := range channels {
		if s, ok := b.sessions.ByChannel(id); ok && s.GuildID == guildID {
			return s, true
		}
	}
	return conv.Session{}, false
}

// channelName resolves a channel's display name, falling back to the id.
func (b *Bot) channelName(channelID string) string {
	if ch, err := b.session.State.Channel(channelID); err == nil {
		return ch.Name
	}
	if ch, err := b.session.Channel(channelID); err == nil {
		return ch.Name
	}
	return channelID
}

// runCtx returns the bot's lifetime context for gateway event handlers.
func (b *Bot) runCtx() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}
