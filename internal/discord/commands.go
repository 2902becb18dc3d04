package discord

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pcurie/loquax/internal/conv"
)

// commandTimeout bounds the work done by a single slash command handler.
const commandTimeout = 30 * time.Second

// registerCommands wires the /transcribe command group into the router.
func (b *Bot) registerCommands() {
	b.router.RegisterCommand("transcribe", b.commandDefinition(), func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		RespondEphemeral(s, i, "Please use a subcommand: `/transcribe start`, `stop`, `stats` or `provider`.")
	})
	b.router.RegisterHandler("transcribe/start", b.handleStart)
	b.router.RegisterHandler("transcribe/stop", b.handleStop)
	b.router.RegisterHandler("transcribe/stats", b.handleStats)
	b.router.RegisterHandler("transcribe/provider", b.handleProvider)
}

// commandDefinition returns the /transcribe ApplicationCommand definition.
func (b *Bot) commandDefinition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "transcribe",
		Description: "Control voice transcription",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Start transcribing your current voice channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop the active transcription session",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stats",
				Description: "Show talk statistics for the active session",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "provider",
				Description: "Switch the speech-to-text provider",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "name",
						Description: "Provider to switch to",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "whisper", Value: "whisper"},
							{Name: "vosk", Value: "vosk"},
						},
					},
				},
			},
		},
	}
}

// handleStart handles /transcribe start: join the invoker's voice channel and
// open a session for everyone already in it.
func (b *Bot) handleStart(s *discordgo.Session, i *discordgo.InteractionCreate) {
	guildID := i.GuildID
	userID := interactionUserID(i)

	vs, err := s.State.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		RespondEphemeral(s, i, "You must be in a voice channel to start transcription.")
		return
	}
	if b.tracked(vs.ChannelID) {
		RespondEphemeral(s, i, "Already transcribing this channel.")
		return
	}

	// Connecting to voice can take a moment.
	DeferReply(s, i)

	ctx, cancel := context.WithTimeout(b.runCtx(), commandTimeout)
	defer cancel()

	v, err := b.joinVoice(guildID, vs.ChannelID)
	if err != nil {
		FollowUp(s, i, fmt.Sprintf("Failed to join voice channel: %v", err))
		return
	}
	b.mu.Lock()
	b.voice[vs.ChannelID] = v
	b.mu.Unlock()

	// Open the session for every occupant, not just the invoker.
	channelName := b.channelName(vs.ChannelID)
	for _, occupant := range b.channelOccupants(guildID, vs.ChannelID) {
		names := b.memberNames(guildID, occupant)
		if err := b.sessions.Join(ctx, vs.ChannelID, channelName, guildID, occupant, names.username, names.displayName); err != nil {
			FollowUp(s, i, fmt.Sprintf("Failed to open session: %v", err))
			b.SessionEnded(ctx, conv.Session{ChannelID: vs.ChannelID})
			return
		}
	}

	FollowUp(s, i, fmt.Sprintf("Transcribing <#%s> with the `%s` provider.", vs.ChannelID, b.pipeline.Provider().Name()))
}

// handleStop handles /transcribe stop.
func (b *Bot) handleStop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	channelID, ok := b.trackedChannelForGuild(i.GuildID)
	if !ok {
		RespondEphemeral(s, i, "No active transcription session.")
		return
	}

	ctx, cancel := context.WithTimeout(b.runCtx(), commandTimeout)
	defer cancel()

	// Ending the session triggers SessionEnded, which leaves the channel.
	if err := b.sessions.End(ctx, channelID, conv.SessionEnded); err != nil {
		RespondError(s, i, fmt.Errorf("discord: stop session: %w", err))
		return
	}
	RespondEphemeral(s, i, fmt.Sprintf("Stopped transcribing <#%s>.", channelID))
}

// handleStats handles /transcribe stats.
func (b *Bot) handleStats(s *discordgo.Session, i *discordgo.InteractionCreate) {
	channelID, ok := b.trackedChannelForGuild(i.GuildID)
	if !ok {
		RespondEphemeral(s, i, "No active transcription session.")
		return
	}
	session, ok := b.sessions.ByChannel(channelID)
	if !ok {
		RespondEphemeral(s, i, "No active transcription session.")
		return
	}

	ctx, cancel := context.WithTimeout(b.runCtx(), commandTimeout)
	defer cancel()

	stats, err := b.stats.SessionStats(ctx, session.ID)
	if err != nil {
		RespondError(s, i, fmt.Errorf("discord: session stats: %w", err))
		return
	}

	names := make(map[string]string, len(stats.TalkTime))
	for userID := range stats.TalkTime {
		names[userID] = b.memberNames(i.GuildID, userID).displayName
	}
	RespondEmbed(s, i, statsEmbed(session, stats, names))
}

// handleProvider handles /transcribe provider: build the named provider and
// swap it into the live pipeline.
func (b *Bot) handleProvider(s *discordgo.Session, i *discordgo.InteractionCreate) {
	name := subcommandOptionString(i, "name")
	if name == "" {
		RespondEphemeral(s, i, "Missing provider name.")
		return
	}
	current := b.pipeline.Provider().Name()
	if name == current {
		RespondEphemeral(s, i, fmt.Sprintf("Already using the `%s` provider.", name))
		return
	}

	// Building a provider may load a model from disk.
	DeferReply(s, i)

	ctx, cancel := context.WithTimeout(b.runCtx(), commandTimeout)
	defer cancel()

	next, err := b.providers(name)
	if err != nil {
		FollowUp(s, i, fmt.Sprintf("Failed to create `%s` provider: %v", name, err))
		return
	}
	if err := b.pipeline.SwapProvider(ctx, next); err != nil {
		_ = next.Close()
		FollowUp(s, i, fmt.Sprintf("Failed to swap provider: %v", err))
		return
	}
	FollowUp(s, i, fmt.Sprintf("Switched speech-to-text from `%s` to `%s`.", current, name))
}

// statsEmbed formats session statistics as a Discord embed. names maps user
// ids to display names; unknown speakers fall back to their id.
func statsEmbed(session conv.Session, stats conv.SessionStats, names map[string]string) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Utterances", Value: fmt.Sprintf("%d", stats.UtteranceCount), Inline: true},
		{Name: "Words", Value: fmt.Sprintf("%d", stats.WordCount), Inline: true},
		{Name: "Duration", Value: stats.Duration.Truncate(time.Second).String(), Inline: true},
	}

	speakers := make([]string, 0, len(stats.TalkTime))
	for userID := range stats.TalkTime {
		speakers = append(speakers, userID)
	}
	// Loudest first, ties broken by id for a stable embed.
	sort.Slice(speakers, func(a, c int) bool {
		if stats.TalkTime[speakers[a]] != stats.TalkTime[speakers[c]] {
			return stats.TalkTime[speakers[a]] > stats.TalkTime[speakers[c]]
		}
		return speakers[a] < speakers[c]
	})
	for _, userID := range speakers {
		name := names[userID]
		if name == "" {
			name = userID
		}
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   name,
			Value:  (time.Duration(stats.TalkTime[userID] * float64(time.Second))).Truncate(time.Second).String(),
			Inline: true,
		})
	}

	return &discordgo.MessageEmbed{
		Title:       "Session statistics",
		Description: fmt.Sprintf("Channel <#%s>, session `%s`", session.ChannelID, session.ID),
		Fields:      fields,
		Color:       0x5865F2,
	}
}

// trackedChannelForGuild returns the voice channel the bot is recording in
// the given guild, if any.
func (b *Bot) trackedChannelForGuild(guildID string) (string, bool) {
	b.mu.Lock()
	channels := make([]string, 0, len(b.voice))
	for id, v := range b.voice {
		if v.guildID == guildID {
			channels = append(channels, id)
		}
	}
	b.mu.Unlock()

	for _, id := range channels {
		if s, ok := b.sessions.ByChannel(id); ok && s.GuildID == guildID {
			return id, true
		}
	}
	// A channel joined moments ago may not have a session row yet.
	if len(channels) == 1 {
		return channels[0], true
	}
	return "", false
}

// channelOccupants lists the members currently connected to a voice channel.
func (b *Bot) channelOccupants(guildID, channelID string) []string {
	guild, err := b.session.State.Guild(guildID)
	if err != nil {
		return nil
	}
	var users []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == channelID && vs.UserID != b.session.State.User.ID {
			users = append(users, vs.UserID)
		}
	}
	return users
}

// interactionUserID returns the invoking user's id for both guild and DM
// interactions.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// subcommandOptionString extracts a string option from the first subcommand
// of an interaction.
func subcommandOptionString(i *discordgo.InteractionCreate, name string) string {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return ""
	}
	for _, opt := range data.Options[0].Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return opt.StringValue()
		}
	}
	return ""
}
