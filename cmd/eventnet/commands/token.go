package commands

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/VanDung-dev/eventnet/config"
	"github.com/VanDung-dev/eventnet/network"
	"github.com/VanDung-dev/eventnet/relay"
)

var (
	tokenNode     string
	tokenTTL      time.Duration
	tokenGenerate bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a relay session token for a node",
	Long: `Issue an HS256 token the relay accepts for the given node id.

The secret comes from relay.auth.secret in the configuration file or
EVENTNET_RELAY_AUTH_SECRET. Use --generate-secret to print a fresh secret.`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenNode, "node", "n", "", "Node id the token is bound to")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime, zero uses the configured TTL")
	tokenCmd.Flags().BoolVar(&tokenGenerate, "generate-secret", false, "Print a new random secret and exit")
}

func runToken(cmd *cobra.Command, args []string) error {
	if tokenGenerate {
		secret, err := relay.GenerateSecret()
		if err != nil {
			return err
		}
		cmd.Println(secret)
		return nil
	}

	cfg, err := config.LoadRelay(configPath)
	if err != nil {
		return err
	}
	id, err := network.ParseNodeID(tokenNode)
	if err != nil {
		return err
	}
	auth := cfg.Relay.Auth
	if tokenTTL > 0 {
		auth.TTL = tokenTTL
	}

	a := relay.NewAuthenticator(auth)
	if !a.Enabled() {
		return errors.New("no relay auth secret configured")
	}
	token, err := a.Issue(id)
	if err != nil {
		return err
	}
	cmd.Println(token)
	return nil
}
