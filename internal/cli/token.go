package cli

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/auth"
	"github.com/pscheid92/livefeed/internal/database"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/redis"
	"github.com/spf13/cobra"
)

const storeTimeout = 10 * time.Second

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{Use: "token", Short: "Bearer token operations"}
	tokenCmd.AddCommand(
		newTokenKeygenCommand(),
		newTokenMintCommand(),
		newTokenIssueCommand(),
		newTokenRevokeCommand(),
		newTokenListCommand(),
		newTokenPruneCommand(),
	)
	return tokenCmd
}

func newTokenKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 keypair for signed tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			public, private, err := auth.GenerateKeypair()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "AUTH_PUBLIC_KEY=%s\n", hex.EncodeToString(public))
			fmt.Fprintf(out, "AUTH_PRIVATE_KEY=%s\n", hex.EncodeToString(private))
			return nil
		},
	}
}

func newTokenMintCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a signed token for AUTH_BACKEND=signed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keyHex, _ := cmd.Flags().GetString("private-key")
			user, _ := cmd.Flags().GetString("user")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			if user == "" {
				return errors.New("--user is required")
			}
			key, err := hex.DecodeString(keyHex)
			if err != nil || len(key) != ed25519.PrivateKeySize {
				return errors.New("--private-key must be a hex Ed25519 private key (128 hex characters)")
			}

			claims, err := auth.NewClaims(user, time.Now(), ttl)
			if err != nil {
				return err
			}
			token, err := auth.Mint(ed25519.PrivateKey(key), claims)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("private-key", envOr("AUTH_PRIVATE_KEY", ""), "Hex Ed25519 private key (or set AUTH_PRIVATE_KEY)")
	cmd.Flags().String("user", "", "User the token is issued to")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func addBackendFlags(cmd *cobra.Command) {
	cmd.Flags().String("backend", envOr("AUTH_BACKEND", "redis"), "Token store: redis or postgres")
	cmd.Flags().String("redis-url", envOr("REDIS_URL", ""), "Redis URL (or set REDIS_URL)")
	cmd.Flags().String("database-url", envOr("DATABASE_URL", ""), "Postgres URL (or set DATABASE_URL)")
}

func newTokenIssueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Create an opaque token and store it in Redis or Postgres",
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, _ := cmd.Flags().GetString("backend")
			user, _ := cmd.Flags().GetString("user")
			label, _ := cmd.Flags().GetString("label")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			if user == "" {
				return errors.New("--user is required")
			}
			token, err := auth.NewOpaqueToken()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
			defer cancel()

			switch backend {
			case "redis":
				redisURL, _ := cmd.Flags().GetString("redis-url")
				rdb, err := redis.NewClient(ctx, redisURL)
				if err != nil {
					return err
				}
				defer func() { _ = rdb.Close() }()

				principal := domain.Principal{UserID: user, TokenID: auth.HashToken(token)[:16]}
				if err := redis.NewTokenStore(rdb).Store(ctx, token, principal, ttl); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "token=%s\n", token)

			case "postgres":
				databaseURL, _ := cmd.Flags().GetString("database-url")
				pool, err := database.Connect(ctx, databaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := database.RunMigrations(ctx, pool); err != nil {
					return err
				}

				id, err := database.NewTokenRepo(pool, clockwork.NewRealClock()).Create(ctx, token, user, label, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "id=%s\ntoken=%s\n", id, token)

			default:
				return fmt.Errorf("unknown backend %q (want redis or postgres)", backend)
			}
			return nil
		},
	}
	addBackendFlags(cmd)
	cmd.Flags().String("user", "", "User the token is issued to")
	cmd.Flags().String("label", "", "Free-form label (postgres only)")
	cmd.Flags().Duration("ttl", 30*24*time.Hour, "Token lifetime")
	return cmd
}

func newTokenRevokeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <token|id>",
		Short: "Revoke an opaque token (redis: the token itself, postgres: its id)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, _ := cmd.Flags().GetString("backend")

			ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
			defer cancel()

			switch backend {
			case "redis":
				redisURL, _ := cmd.Flags().GetString("redis-url")
				rdb, err := redis.NewClient(ctx, redisURL)
				if err != nil {
					return err
				}
				defer func() { _ = rdb.Close() }()
				if err := redis.NewTokenStore(rdb).Revoke(ctx, args[0]); err != nil {
					return err
				}

			case "postgres":
				databaseURL, _ := cmd.Flags().GetString("database-url")
				pool, err := database.Connect(ctx, databaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := database.NewTokenRepo(pool, clockwork.NewRealClock()).Revoke(ctx, args[0]); err != nil {
					return err
				}

			default:
				return fmt.Errorf("unknown backend %q (want redis or postgres)", backend)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "revoked")
			return nil
		},
	}
	addBackendFlags(cmd)
	return cmd
}

func newTokenListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's Postgres tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			databaseURL, _ := cmd.Flags().GetString("database-url")
			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				return errors.New("--user is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
			defer cancel()

			pool, err := database.Connect(ctx, databaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			tokens, err := database.NewTokenRepo(pool, clockwork.NewRealClock()).ListByUser(ctx, user)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tCREATED\tEXPIRES\tREVOKED")
			for _, t := range tokens {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Label, formatTime(&t.CreatedAt), formatTime(t.ExpiresAt), formatTime(t.RevokedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("database-url", envOr("DATABASE_URL", ""), "Postgres URL (or set DATABASE_URL)")
	cmd.Flags().String("user", "", "Owner of the tokens")
	return cmd
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func newTokenPruneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete Postgres tokens that expired before --older-than ago",
		RunE: func(cmd *cobra.Command, _ []string) error {
			databaseURL, _ := cmd.Flags().GetString("database-url")
			olderThan, _ := cmd.Flags().GetDuration("older-than")

			ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
			defer cancel()

			pool, err := database.Connect(ctx, databaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			deleted, err := database.NewTokenRepo(pool, clockwork.NewRealClock()).DeleteExpired(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d\n", deleted)
			return nil
		},
	}
	cmd.Flags().String("database-url", envOr("DATABASE_URL", ""), "Postgres URL (or set DATABASE_URL)")
	cmd.Flags().Duration("older-than", 7*24*time.Hour, "Keep tokens that expired more recently than this")
	return cmd
}
