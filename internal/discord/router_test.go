package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func commandInteraction(data discordgo.ApplicationCommandInteractionData) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: data,
		},
	}
}

func TestInteractionKey(t *testing.T) {
	tests := []struct {
		name string
		data discordgo.ApplicationCommandInteractionData
		want string
	}{
		{
			name: "top level command",
			data: discordgo.ApplicationCommandInteractionData{Name: "transcribe"},
			want: "transcribe",
		},
		{
			name: "subcommand",
			data: discordgo.ApplicationCommandInteractionData{
				Name: "transcribe",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "start", Type: discordgo.ApplicationCommandOptionSubCommand},
				},
			},
			want: "transcribe/start",
		},
		{
			name: "plain option is not a subcommand",
			data: discordgo.ApplicationCommandInteractionData{
				Name: "transcribe",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "name", Type: discordgo.ApplicationCommandOptionString, Value: "vosk"},
				},
			},
			want: "transcribe",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := interactionKey(tt.data); got != tt.want {
				t.Errorf("interactionKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRouterDispatchesSubcommand(t *testing.T) {
	r := NewRouter()
	var called string
	r.RegisterCommand("transcribe", &discordgo.ApplicationCommand{Name: "transcribe"}, func(*discordgo.Session, *discordgo.InteractionCreate) {
		called = "transcribe"
	})
	r.RegisterHandler("transcribe/stop", func(*discordgo.Session, *discordgo.InteractionCreate) {
		called = "transcribe/stop"
	})

	r.Handle(nil, commandInteraction(discordgo.ApplicationCommandInteractionData{
		Name: "transcribe",
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "stop", Type: discordgo.ApplicationCommandOptionSubCommand},
		},
	}))
	if called != "transcribe/stop" {
		t.Errorf("dispatched to %q, want transcribe/stop", called)
	}
}

func TestRouterApplicationCommandsDeduplicates(t *testing.T) {
	r := NewRouter()
	def := &discordgo.ApplicationCommand{Name: "transcribe"}
	r.RegisterCommand("transcribe", def, func(*discordgo.Session, *discordgo.InteractionCreate) {})
	r.RegisterHandler("transcribe/start", func(*discordgo.Session, *discordgo.InteractionCreate) {})
	r.RegisterHandler("transcribe/stop", func(*discordgo.Session, *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 {
		t.Fatalf("ApplicationCommands returned %d commands, want 1", len(cmds))
	}
	if cmds[0].Name != "transcribe" {
		t.Errorf("command name = %q", cmds[0].Name)
	}
}
