package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zlnvch/sketchroom/call/pion"
	"github.com/zlnvch/sketchroom/captions"
	"github.com/zlnvch/sketchroom/client"
	"github.com/zlnvch/sketchroom/config"
	"github.com/zlnvch/sketchroom/conn"
	"github.com/zlnvch/sketchroom/models"
)

var (
	flagServerURL string
	flagSTUN      string
	flagToken     string
	flagName      string
	flagCall      bool
	flagCaptions  string
	flagSay       string
	flagOut       string
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room as a headless participant",
	Long: `Connect to a room, replay its canvas and follow it until interrupted. On exit the
canvas is written as a PNG when --out is set.

Examples:
  sketchroom join design-review --token $TOKEN --out board.png
  sketchroom join design-review --call --captions -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.Options{ServerURL: flagServerURL, STUNServer: flagSTUN})
		if err != nil {
			return err
		}
		token := flagToken
		if token == "" {
			token = os.Getenv("SKETCHROOM_TOKEN")
		}
		return join(cmd.Context(), cfg, args[0], token, cmd.InOrStdin())
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagServerURL, "server", "", "gateway websocket URL")
	joinCmd.Flags().StringVar(&flagSTUN, "stun", "", "STUN server for calls")
	joinCmd.Flags().StringVar(&flagToken, "token", "", "bearer token (defaults to SKETCHROOM_TOKEN)")
	joinCmd.Flags().StringVar(&flagName, "name", "", "display name (defaults to the token's name claim)")
	joinCmd.Flags().BoolVar(&flagCall, "call", false, "start or join the room call once connected")
	joinCmd.Flags().StringVar(&flagCaptions, "captions", "", "caption lines from a file, or - for stdin")
	joinCmd.Flags().StringVar(&flagSay, "say", "", "chat message to send after joining")
	joinCmd.Flags().StringVar(&flagOut, "out", "", "write the canvas PNG here on exit")
}

func join(parent context.Context, cfg *config.Config, roomId string, token string, stdin io.Reader) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := client.Options{
		ServerURL:   cfg.ServerURL,
		RoomId:      roomId,
		Token:       token,
		Username:    flagName,
		PeerFactory: &pion.Factory{STUNServers: []string{cfg.STUNServer}},
		OnNotice: func(message string) {
			log.Info().Str("room", roomId).Msg(message)
		},
		OnChat: func(msg models.ChatMessage) {
			log.Info().Str("room", roomId).Str("from", msg.Username).Msg(msg.Message)
		},
	}

	if flagCaptions != "" {
		source, closeSource, err := captionSource(flagCaptions, stdin)
		if err != nil {
			return err
		}
		defer closeSource()
		opts.Captions = source
	}

	connected := make(chan struct{}, 1)
	failed := make(chan conn.State, 1)
	opts.OnState = func(state conn.State) {
		switch state {
		case conn.StateConnected:
			select {
			case connected <- struct{}{}:
			default:
			}
		case conn.StateError, conn.StateNoAuth, conn.StateRoomDeleted:
			select {
			case failed <- state:
			default:
			}
		}
	}

	session, err := client.New(opts)
	if err != nil {
		return err
	}
	session.Connect()

	select {
	case <-connected:
		log.Info().Str("room", roomId).Str("user", session.UserId()).Msg("Joined room")
	case state := <-failed:
		session.Close()
		return errors.New("could not join room: " + string(state))
	case <-ctx.Done():
		return session.Close()
	}

	if flagSay != "" {
		session.SendChat(flagSay)
	}
	if flagCall {
		if err := session.StartCall(); err != nil {
			log.Warn().Err(err).Msg("Could not join call")
		}
	}
	if opts.Captions != nil {
		if _, err := session.ToggleCaptions(ctx); err != nil {
			log.Warn().Err(err).Msg("Could not start captions")
		}
	}

	<-ctx.Done()

	if flagOut != "" {
		if err := writeCanvas(session, flagOut); err != nil {
			log.Error().Err(err).Str("path", flagOut).Msg("Failed to write canvas")
		}
	}
	return session.Close()
}

func captionSource(path string, stdin io.Reader) (captions.Source, func(), error) {
	if path == "-" {
		return captions.NewLineSource(stdin, flagName), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return captions.NewLineSource(f, flagName), func() { f.Close() }, nil
}

func writeCanvas(session *client.Session, path string) error {
	img, err := session.Canvas().PNG()
	if err != nil {
		return err
	}
	log.Info().Str("path", path).Int("ops", len(session.Canvas().Log())).Msg("Writing canvas")
	return os.WriteFile(path, img, 0o644)
}
