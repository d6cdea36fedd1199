package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/org/tagvault/internal/session"
	"github.com/org/tagvault/pkg/models"
)

var offlineFlag bool

var rootCmd = &cobra.Command{
	Use:   "tagvault",
	Short: "TagVault CLI",
	Long:  "A client for phrase-verified encrypted vaults.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&offlineFlag, "offline", false, "Verify against the local cache only")

	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(tagsCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(rekeyCmd())
	rootCmd.AddCommand(putCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(objectsCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(panicCmd())
	rootCmd.AddCommand(statusCmd())
}

// verify prompts for a phrase and runs it through the active strategy.
func verify(ctx context.Context, a *app) (*session.Snapshot, string, error) {
	phrase := readPhrase("Secret phrase")
	v, _ := a.selector.Current()
	res, err := v.VerifyPhrase(ctx, phrase, session.OriginManual)
	if err != nil {
		return nil, "", err
	}
	return &res.Session, res.VaultID, nil
}

func registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register a new secret tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			color, _ := cmd.Flags().GetString("color")
			level, _ := cmd.Flags().GetString("level")
			a, err := newApp(offlineFlag)
			if err != nil {
				return err
			}
			defer a.Close()

			phrase := readPhrase("New secret phrase")
			again := readPhrase("Repeat phrase")
			if phrase != again {
				return fmt.Errorf("phrases do not match")
			}

			v, _ := a.selector.Current()
			tagID, err := v.CreateTag(cmd.Context(), args[0], phrase, color, models.SecurityLevel(level))
			if err != nil {
				return err
			}
			fmt.Printf("Registered tag %q (%s)\n", args[0], tagID)
			return nil
		},
	}
	cmd.Flags().String("color", "", "Display color")
	cmd.Flags().String("level", "standard", "Security level: standard or enhanced")
	return cmd
}

func tagsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tags", Short: "Manage secret tags"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(offlineFlag)
			if err != nil {
				return err
			}
			defer a.Close()

			v, kind := a.selector.Current()
			tags, err := v.ListTags(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TAG ID\tNAME\tLEVEL\tACTIVE")
			for _, t := range tags {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", t.TagID, t.Name, t.SecurityLevel, t.Active)
			}
			w.Flush()
			fmt.Fprintf(os.Stderr, "(strategy: %s)\n", kind)
			return nil
		},
	}

	activateCmd := &cobra.Command{
		Use:   "activate <tag-id>",
		Short: "Re-enable a tag for verification",
		Args:  cobra.ExactArgs(1),
		RunE:  setActiveRun(true),
	}
	deactivateCmd := &cobra.Command{
		Use:   "deactivate <tag-id>",
		Short: "Disable a tag without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE:  setActiveRun(false),
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <tag-id>",
		Short: "Delete a tag, its sessions, and its vault keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(offlineFlag)
			if err != nil {
				return err
			}
			defer a.Close()
			v, _ := a.selector.Current()
			if err := v.DeleteTag(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("Tag deleted.")
			return nil
		},
	}

	renameCmd := &cobra.Command{
		Use:   "rename <tag-id> <name>",
		Short: "Rename a tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(offlineFlag)
			if err != nil {
				return err
			}
			defer a.Close()
			name := args[1]
			if err := a.client.UpdateTagMeta(cmd.Context(), args[0], &name, nil); err != nil {
				return err
			}
			fmt.Println("Tag renamed.")
			return nil
		},
	}

	cmd.AddCommand(listCmd, activateCmd, deactivateCmd, deleteCmd, renameCmd)
	return cmd
}

func setActiveRun(active bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(offlineFlag)
		if err != nil {
			return err
		}
		defer a.Close()
		v, _ := a.selector.Current()
		if active {
			err = v.ActivateTag(cmd.Context(), args[0])
		} else {
			err = v.DeactivateTag(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("Active: %v\n", active)
		return nil
	}
}

func authCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Verify a phrase and show the resulting session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(offlineFlag)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, vaultID, err := verify(cmd.Context(), a)
			if err != nil {
				return err
			}
			fmt.Printf("Verified: %s (%s)\n", snap.TagName, snap.SecurityLevel)
			fmt.Printf("Vault:    %s\n", vaultID)
			fmt.Printf("Session:  %s, expires %s, health %d\n", snap.ID, formatExpiry(snap.ExpiresAt), snap.HealthScore)
			return nil
		},
	}
}

func rekeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rekey",
		Short: "Replace a tag's phrase, preserving its vaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(offlineFlag)
			if err != nil {
				return err
			}
			defer a.Close()

			oldPhrase := readPhrase("Current phrase")
			newPhrase := readPhrase("New phrase")
			again := readPhrase("Repeat new phrase")
			if newPhrase != again {
				return fmt.Errorf("phrases do not match")
			}

			newID, err := a.flow.Rekey(cmd.Context(), oldPhrase, newPhrase)
			if err != nil {
				return err
			}
			fmt.Printf("Re-keyed. New tag id: %s\n", newID)
			a.selector.Sync(cmd.Context())
			return nil
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <object-id> [file]",
		Short: "Encrypt and store an object in the tag's vault",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(offlineFlag)
			if err != nil {
				return err
			}
			defer a.Close()

			var plaintext []byte
			if len(args) == 2 && args[1] != "-" {
				plaintext, err = os.ReadFile(args[1])
			} else {
				plaintext, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return err
			}

			snap, vaultID, err := verify(cmd.Context(), a)
			if err != nil {
				return err
			}
			id, err := a.vault.EncryptAndStore(cmd.Context(), snap.ID, vaultID, args[0], plaintext)
			if err != nil {
				return err
			}
			fmt.Printf("Stored %s (%d bytes encrypted)\n", id, len(plaintext))
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <object-id>",
		Short: "Fetch and decrypt an object from the tag's vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(offlineFlag)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, vaultID, err := verify(cmd.Context(), a)
			if err != nil {
				return err
			}
			plaintext, err := a.vault.FetchAndDecrypt(cmd.Context(), snap.ID, vaultID, args[0])
			if err != nil {
				return err
			}
			os.Stdout.Write(plaintext) //nolint:errcheck
			return nil
		},
	}
}

func objectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "objects",
		Short: "List objects in the tag's vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(offlineFlag)
			if err != nil {
				return err
			}
			defer a.Close()

			_, vaultID, err := verify(cmd.Context(), a)
			if err != nil {
				return err
			}
			ids, err := a.vault.List(cmd.Context(), vaultID)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh the offline verification cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			a.selector.Sync(cmd.Context())
			fmt.Println("Cache synchronized.")
			return nil
		},
	}
}

func panicCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "panic",
		Short: "Invalidate all sessions and wipe local cached material",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(offlineFlag)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.sessions.InvalidateAll(cmd.Context(), "panic command"); err != nil {
				return err
			}
			fmt.Println("All sessions invalidated, local cache wiped.")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show client configuration and the active strategy",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(offlineFlag)
			if err != nil {
				return err
			}
			defer a.Close()

			_, kind := a.selector.Current()
			sc := a.selector.Config()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "server\t%s\n", cfg.Address)
			fmt.Fprintf(w, "user\t%s\n", cfg.UserID)
			fmt.Fprintf(w, "strategy\t%s\n", kind)
			fmt.Fprintf(w, "security_mode\t%s\n", sc.SecurityMode)
			fmt.Fprintf(w, "cache_enabled\t%v\n", sc.CacheEnabled)
			fmt.Fprintf(w, "border_crossing\t%v\n", sc.BorderCrossing)
			w.Flush()
			return nil
		},
	}
}
