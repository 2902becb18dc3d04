package discord

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Every command reply is ephemeral: transcription control chatter should not
// land in the channel the bot is transcribing. Send failures are logged and
// swallowed; the command's effect has already happened by the time we reply.

// respond sends one interaction response, logging a failure under what.
func respond(s *discordgo.Session, i *discordgo.InteractionCreate, what string, data *discordgo.InteractionResponseData, typ discordgo.InteractionResponseType) {
	data.Flags = discordgo.MessageFlagsEphemeral
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{Type: typ, Data: data})
	if err != nil {
		slog.Warn("discord: send "+what, "err", err)
	}
}

// RespondEphemeral sends a plain text reply visible only to the invoker.
func RespondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	respond(s, i, "reply", &discordgo.InteractionResponseData{Content: content},
		discordgo.InteractionResponseChannelMessageWithSource)
}

// RespondEmbed sends an embed reply visible only to the invoker.
func RespondEmbed(s *discordgo.Session, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	respond(s, i, "embed reply", &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}},
		discordgo.InteractionResponseChannelMessageWithSource)
}

// RespondError reports a command failure to the invoker.
func RespondError(s *discordgo.Session, i *discordgo.InteractionCreate, err error) {
	RespondEphemeral(s, i, fmt.Sprintf("Error: %v", err))
}

// DeferReply acknowledges the interaction within Discord's three-second
// window; the actual result follows via FollowUp. Used by commands that
// join voice or load a model.
func DeferReply(s *discordgo.Session, i *discordgo.InteractionCreate) {
	respond(s, i, "deferral", &discordgo.InteractionResponseData{},
		discordgo.InteractionResponseDeferredChannelMessageWithSource)
}

// FollowUp delivers the result of a deferred command.
func FollowUp(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	_, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
	if err != nil {
		slog.Warn("discord: send follow-up", "err", err)
	}
}
