package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zlnvch/sketchroom/config"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/service"
)

var (
	flagTokenSecret string
	flagTokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id> [username]",
	Short: "Mint a development token",
	Long: `Sign a bearer token with the gateway secret. Tokens are normally issued by an
identity provider; this command exists for local development and tests.

Examples:
  sketchroom token u-1 alice
  sketchroom token --ttl 1h u-1`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.Options{JWTSecret: flagTokenSecret})
		if err != nil {
			return err
		}
		if err := cfg.RequireSecret(); err != nil {
			return err
		}

		user := models.User{Id: args[0], Username: args[0]}
		if len(args) == 2 {
			user.Username = args[1]
		}

		token, err := service.SignToken(cfg.JWTSecret, user, flagTokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagTokenSecret, "secret", "", "base64 signing secret (defaults to JWT_SECRET)")
	tokenCmd.Flags().DurationVar(&flagTokenTTL, "ttl", service.DefaultTokenTTL, "token lifetime")
}
