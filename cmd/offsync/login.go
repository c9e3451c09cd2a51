package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/agritrace/offsync/internal/offline/store"
	"github.com/agritrace/offsync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "maint",
	Short:   "Save a bearer token for offline use",
	Long: `Save the bearer token used to replay queued operations for a user.

The token is kept in the store so the daemon can sync after a restart
without network access to an identity provider. OFFSYNC_REMOTE_TOKEN, when
set, takes precedence.

Example:
  offsync login --user agent-17 --token "$TOKEN" --expires 720h`,
	Run: func(cmd *cobra.Command, args []string) {
		token, _ := cmd.Flags().GetString("token")
		expires, _ := cmd.Flags().GetDuration("expires")
		logout, _ := cmd.Flags().GetBool("logout")

		user := cfg.Sync.UserID
		if user == "" {
			fatal("no user given (pass --user or set sync.user_id)")
		}

		ctx := context.Background()
		db := openStore()
		defer func() { _ = db.Close() }()

		if logout {
			if err := db.DeleteCredential(ctx, user); err != nil {
				_ = db.Close()
				fatal("%v", err)
			}
			fmt.Printf("%s removed token for %s\n", ui.RenderPass("✓"), user)
			return
		}

		if token == "" {
			if !ui.IsInteractive() {
				_ = db.Close()
				fatal("pass --token when not on a terminal")
			}
			err := huh.NewInput().
				Title(fmt.Sprintf("Token for %s", user)).
				EchoMode(huh.EchoModePassword).
				Value(&token).
				Run()
			if err != nil {
				_ = db.Close()
				fatal("%v", err)
			}
		}
		token = strings.TrimSpace(token)
		if token == "" {
			_ = db.Close()
			fatal("token cannot be empty")
		}

		cred := &store.Credential{UserID: user, Token: token}
		if expires > 0 {
			cred.ExpiresAt = time.Now().Add(expires).UTC()
		}
		if err := db.PutCredential(ctx, cred); err != nil {
			_ = db.Close()
			fatal("%v", err)
		}

		until := "no expiry"
		if !cred.ExpiresAt.IsZero() {
			until = "expires " + cred.ExpiresAt.Local().Format(time.DateTime)
		}
		fmt.Printf("%s saved token for %s (%s)\n", ui.RenderPass("✓"), user, until)
	},
}

func init() {
	loginCmd.Flags().String("token", "", "Bearer token (prompted for on a terminal)")
	loginCmd.Flags().Duration("expires", 0, "Token lifetime, e.g. 720h (0 means no expiry)")
	loginCmd.Flags().Bool("logout", false, "Remove the saved token instead")
	rootCmd.AddCommand(loginCmd)
}
