package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	_ "modernc.org/sqlite"

	"memoria/internal/auth"
	"memoria/internal/config"
)

func apiKeyRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func openAuthStore(cfgPath string) (*auth.Store, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "auth.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open auth db: %w", err)
	}
	store := auth.NewStore(db, cfg.APIKeySaltRounds)
	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate auth db: %w", err)
	}
	return store, func() { db.Close() }, nil
}

func apiKeyCreateCmd() *cobra.Command {
	var (
		name      string
		perms     []string
		rateLimit int
		expiresIn string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Example: `  memoria apikey create --name "agent-1" --permission read --permission vectors:write
  memoria apikey create --name "admin" --permission admin --expires-in 30d`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return newUsageError("--name is required")
			}
			permissions := make([]auth.Permission, 0, len(perms))
			for _, p := range perms {
				perm := auth.Permission(p)
				if !auth.ValidPermission(perm) {
					return newUsageError("unknown permission %q", p)
				}
				permissions = append(permissions, perm)
			}

			var expiresAt *time.Time
			if expiresIn != "" {
				d, err := parseDuration(expiresIn)
				if err != nil {
					return newUsageError("invalid --expires-in: %v", err)
				}
				t := time.Now().Add(d)
				expiresAt = &t
			}

			store, closeFn, err := openAuthStore(cfgFile)
			if err != nil {
				return err
			}
			defer closeFn()

			resp, err := store.CreateKey(auth.CreateKeyRequest{
				Name:        name,
				Permissions: permissions,
				RateLimit:   rateLimit,
				ExpiresAt:   expiresAt,
			})
			if err != nil {
				return fmt.Errorf("create key: %w", err)
			}

			fmt.Printf("API key created successfully.\n\n")
			fmt.Printf("Key:     %s\n", resp.RawKey)
			fmt.Printf("Key ID:  %s\n", resp.Info.KeyID)
			fmt.Printf("Name:    %s\n", resp.Info.Name)
			fmt.Printf("Created: %s\n", resp.Info.CreatedAt.Format(time.RFC3339))
			if resp.Info.ExpiresAt != nil {
				fmt.Printf("Expires: %s\n", resp.Info.ExpiresAt.Format(time.RFC3339))
			} else {
				fmt.Printf("Expires: never\n")
			}
			fmt.Printf("\nSave this key now. It cannot be retrieved again.\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "name of the key holder (required)")
	cmd.Flags().StringArrayVar(&perms, "permission", nil, "permission to grant (repeatable)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "per-window request limit stored with the key; the server's rate limiter does not read it and applies its configured limit to every key")
	cmd.Flags().StringVar(&expiresIn, "expires-in", "", "expiration duration (e.g. 24h, 30d, 1y)")
	cmd.MarkFlagRequired("name")

	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var includeRevoked bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openAuthStore(cfgFile)
			if err != nil {
				return err
			}
			defer closeFn()

			keys, err := store.List(includeRevoked)
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}
			if len(keys) == 0 {
				fmt.Println("no keys found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY ID\tNAME\tPERMISSIONS\tCREATED\tEXPIRES\tSTATUS")
			for _, k := range keys {
				status := "active"
				if k.Revoked {
					status = "revoked"
				} else if k.Expired() {
					status = "expired"
				}
				expires := "never"
				if k.ExpiresAt != nil {
					expires = k.ExpiresAt.Format("2006-01-02")
				}
				permStrs := make([]string, len(k.Permissions))
				for i, p := range k.Permissions {
					permStrs[i] = string(p)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					k.KeyID, k.Name, strings.Join(permStrs, ","),
					k.CreatedAt.Format("2006-01-02"), expires, status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&includeRevoked, "include-revoked", false, "include revoked keys")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openAuthStore(cfgFile)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := store.Revoke(args[0]); err != nil {
				return fmt.Errorf("revoke key: %w", err)
			}
			fmt.Printf("key %s revoked\n", args[0])
			return nil
		},
	}
}

// parseDuration parses "1y"/"30d" in addition to Go's native duration
// suffixes.
func parseDuration(s string) (time.Duration, error) {
	switch {
	case strings.HasSuffix(s, "y"):
		var years int
		if _, err := fmt.Sscanf(s, "%dy", &years); err != nil {
			return 0, err
		}
		return time.Duration(years) * 365 * 24 * time.Hour, nil
	case strings.HasSuffix(s, "d"):
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}
