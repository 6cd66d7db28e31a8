package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/rtcbridge/internal/discord/mock"
)

func commandInteraction(name, sub string) *discordgo.InteractionCreate {
	data := discordgo.ApplicationCommandInteractionData{Name: name}
	if sub != "" {
		data.Options = []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: sub, Type: discordgo.ApplicationCommandOptionSubCommand},
		}
	}
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: data,
		},
	}
}

func TestPermissionChecker_IsOperator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		roleID string
		inter  *discordgo.InteractionCreate
		want   bool
	}{
		{
			name:   "user with operator role",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{"role-456", "role-123", "role-789"},
					},
				},
			},
			want: true,
		},
		{
			name:   "user without operator role",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{"role-456", "role-789"},
					},
				},
			},
			want: false,
		},
		{
			name:   "empty role allows all",
			roleID: "",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{"role-456"},
					},
				},
			},
			want: true,
		},
		{
			name:   "nil Member returns false",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: nil,
				},
			},
			want: false,
		},
		{
			name:   "user with empty roles",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{},
					},
				},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pc := NewPermissionChecker(tt.roleID)
			got := pc.IsOperator(tt.inter)
			if got != tt.want {
				t.Errorf("IsOperator() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewCommandRouter(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	if r == nil {
		t.Fatal("NewCommandRouter() returned nil")
	}
	if len(r.commands) != 0 {
		t.Errorf("expected empty commands map, got %d entries", len(r.commands))
	}
}

func TestCommandRouter_ApplicationCommands(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()

	cmd := &discordgo.ApplicationCommand{Name: "test"}
	r.RegisterCommand("test", cmd, func(Responder, *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	if cmds[0].Name != "test" {
		t.Errorf("expected command name 'test', got %q", cmds[0].Name)
	}
}

func TestCommandRouter_ApplicationCommands_Dedup(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()

	cmd := &discordgo.ApplicationCommand{Name: "bridge"}
	r.RegisterCommand("bridge/start", cmd, func(Responder, *discordgo.InteractionCreate) {})
	r.RegisterCommand("bridge/stop", cmd, func(Responder, *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 deduplicated command, got %d", len(cmds))
	}
}

func TestCommandRouter_RegisterHandler(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	called := false
	r.RegisterHandler("test", func(Responder, *discordgo.InteractionCreate) {
		called = true
	})

	// Handler without command definition should not appear in ApplicationCommands.
	if cmds := r.ApplicationCommands(); len(cmds) != 0 {
		t.Errorf("expected 0 commands, got %d", len(cmds))
	}

	r.Handle(&mock.InteractionResponder{}, commandInteraction("test", ""))
	if !called {
		t.Error("handler was not called")
	}
}

func TestCommandRouter_HandleSubcommand(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	var got string
	r.RegisterCommand("bridge", &discordgo.ApplicationCommand{Name: "bridge"}, func(Responder, *discordgo.InteractionCreate) {
		got = "bridge"
	})
	r.RegisterHandler("bridge/stop", func(Responder, *discordgo.InteractionCreate) {
		got = "bridge/stop"
	})

	r.Handle(&mock.InteractionResponder{}, commandInteraction("bridge", "stop"))
	if got != "bridge/stop" {
		t.Errorf("dispatched to %q, want %q", got, "bridge/stop")
	}
}

func TestCommandRouter_HandleUnknown(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	resp := &mock.InteractionResponder{}
	r.Handle(resp, commandInteraction("nope", ""))

	last := resp.LastResponse()
	if last == nil {
		t.Fatal("expected a response for an unknown command")
	}
	if last.Data.Content != "Unknown command." {
		t.Errorf("content = %q, want %q", last.Data.Content, "Unknown command.")
	}
	if last.Data.Flags&discordgo.MessageFlagsEphemeral == 0 {
		t.Error("unknown command response should be ephemeral")
	}
}

func TestCommandRouter_IgnoresOtherInteractions(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter()
	resp := &mock.InteractionResponder{}
	r.Handle(resp, &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{Type: discordgo.InteractionMessageComponent},
	})
	if len(resp.Responses) != 0 {
		t.Errorf("responses = %d, want 0", len(resp.Responses))
	}
}
