// Package commands implements the Discord slash command handlers for
// rtcbridge.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/rtcbridge/internal/app"
	"github.com/MrWong99/rtcbridge/internal/bridge"
	"github.com/MrWong99/rtcbridge/internal/discord"
	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/MrWong99/rtcbridge/pkg/audio/stream"
)

// commandTimeout bounds a start or stop triggered from Discord.
const commandTimeout = 30 * time.Second

// Controller is the session control surface the /bridge command drives.
// *app.SessionManager implements it.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsActive() bool
	Info() app.SessionInfo
	Status() bridge.Status
}

var _ Controller = (*app.SessionManager)(nil)

// WakeFunc raises a recorder event on the active session.
type WakeFunc func(t audio.RecorderEventType) error

// BridgeCommands holds the dependencies for /bridge slash commands.
type BridgeCommands struct {
	sessions Controller
	wake     WakeFunc
	perms    *discord.PermissionChecker
}

// NewBridgeCommands creates a BridgeCommands and registers its handlers with
// the bot's router.
func NewBridgeCommands(bot *discord.Bot, sessions Controller, wake WakeFunc) *BridgeCommands {
	bc := &BridgeCommands{
		sessions: sessions,
		wake:     wake,
		perms:    bot.Permissions(),
	}
	bc.Register(bot.Router())
	return bc
}

// Register registers the /bridge command group with the router.
func (bc *BridgeCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("bridge", bc.Definition(), func(r discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(r, i, "Please use a subcommand: `/bridge start`, `/bridge stop`, `/bridge status` or `/bridge wake`.")
	})
	router.RegisterHandler("bridge/start", bc.handleStart)
	router.RegisterHandler("bridge/stop", bc.handleStop)
	router.RegisterHandler("bridge/status", bc.handleStatus)
	router.RegisterHandler("bridge/wake", bc.handleWake)
}

// Definition returns the ApplicationCommand definition for Discord.
func (bc *BridgeCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "bridge",
		Description: "Control the audio bridge",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Join the configured room and start streaming",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop streaming and leave the room",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the bridge status",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "wake",
				Description: "Raise a wake event as the wake word engine would",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "event",
						Description: "Which wake event to raise",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "start", Value: "start"},
							{Name: "end", Value: "end"},
						},
					},
				},
			},
		},
	}
}

// handleStart handles /bridge start.
func (bc *BridgeCommands) handleStart(r discord.Responder, i *discordgo.InteractionCreate) {
	if !bc.perms.IsOperator(i) {
		discord.RespondEphemeral(r, i, "You need the operator role to start the bridge.")
		return
	}

	if bc.sessions.IsActive() {
		info := bc.sessions.Info()
		discord.RespondEphemeral(r, i, fmt.Sprintf("The bridge is already running (run `%s`).", info.RunID))
		return
	}

	// Joining may take a moment.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := bc.sessions.Start(ctx); err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Failed to start the bridge: %v", err))
		return
	}

	info := bc.sessions.Info()
	discord.FollowUp(r, i, fmt.Sprintf(
		"Bridge started!\n**Run:** `%s`\n**Engine:** %s\n**Room:** `%s`",
		info.RunID,
		info.Engine,
		info.RoomID,
	))
}

// handleStop handles /bridge stop.
func (bc *BridgeCommands) handleStop(r discord.Responder, i *discordgo.InteractionCreate) {
	if !bc.perms.IsOperator(i) {
		discord.RespondEphemeral(r, i, "You need the operator role to stop the bridge.")
		return
	}

	if !bc.sessions.IsActive() {
		discord.RespondEphemeral(r, i, "The bridge is not running.")
		return
	}

	info := bc.sessions.Info()
	duration := time.Since(info.StartedAt).Truncate(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := bc.sessions.Stop(ctx); err != nil {
		discord.RespondError(r, i, fmt.Errorf("stop bridge: %w", err))
		return
	}

	discord.RespondEphemeral(r, i, fmt.Sprintf(
		"Bridge run `%s` stopped.\n**Duration:** %s",
		info.RunID,
		duration.String(),
	))
}

// handleStatus handles /bridge status. Everyone may read the status.
func (bc *BridgeCommands) handleStatus(r discord.Responder, i *discordgo.InteractionCreate) {
	discord.RespondEmbed(r, i, statusEmbed(bc.sessions.Info(), bc.sessions.Status()))
}

// handleWake handles /bridge wake.
func (bc *BridgeCommands) handleWake(r discord.Responder, i *discordgo.InteractionCreate) {
	if !bc.perms.IsOperator(i) {
		discord.RespondEphemeral(r, i, "You need the operator role to raise wake events.")
		return
	}

	var t audio.RecorderEventType
	switch subcommandOption(i, "event") {
	case "start":
		t = audio.RecorderWakeStart
	case "end":
		t = audio.RecorderWakeEnd
	default:
		discord.RespondEphemeral(r, i, "Unknown wake event; use `start` or `end`.")
		return
	}

	err := bc.wake(t)
	switch {
	case errors.Is(err, stream.ErrNoRecorder):
		discord.RespondEphemeral(r, i, "The bridge is not running.")
	case err != nil:
		discord.RespondError(r, i, err)
	default:
		discord.RespondEphemeral(r, i, fmt.Sprintf("Raised %s.", t))
	}
}

// statusEmbed renders the session status.
func statusEmbed(info app.SessionInfo, st bridge.Status) *discordgo.MessageEmbed {
	color := 0x95a5a6
	if st.JoinState == bridge.JoinJoined {
		color = 0x2ecc71
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Join state", Value: st.JoinState.String(), Inline: true},
		{Name: "Uplink", Value: runningLabel(st.UplinkRunning), Inline: true},
		{Name: "Downlink", Value: runningLabel(st.DownlinkRunning), Inline: true},
		{Name: "Wake gate", Value: openLabel(st.WakeGateOpen), Inline: true},
		{Name: "Queue", Value: strconv.Itoa(st.QueueLen) + "/" + strconv.Itoa(st.QueueCap), Inline: true},
		{Name: "Outstanding frames", Value: strconv.FormatInt(st.OutstandingFrames, 10), Inline: true},
	}
	if st.RoomID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Room", Value: "`" + st.RoomID + "`", Inline: true})
	}
	if info.RunID != "" {
		fields = append(fields,
			&discordgo.MessageEmbedField{Name: "Run", Value: "`" + info.RunID + "`"},
			&discordgo.MessageEmbedField{Name: "Uptime", Value: time.Since(info.StartedAt).Truncate(time.Second).String(), Inline: true},
		)
	}

	return &discordgo.MessageEmbed{
		Title:  "Bridge status",
		Color:  color,
		Fields: fields,
	}
}

func runningLabel(b bool) string {
	if b {
		return "running"
	}
	return "stopped"
}

func openLabel(b bool) string {
	if b {
		return "open"
	}
	return "closed"
}

// subcommandOption returns the string value of the named option of the
// invoked subcommand, or "" if it is missing.
func subcommandOption(i *discordgo.InteractionCreate, name string) string {
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
