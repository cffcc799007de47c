package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/gophercall/internal/state"
)

func init() {
	rootCmd.AddCommand(announceCmd)
	announceCmd.AddCommand(announceAddCmd, announceListCmd, announceRemoveCmd,
		announceEnableCmd, announceDisableCmd, announceFireCmd, announceNowCmd)

	announceAddCmd.Flags().String("name", "", "announcement name (required)")
	announceAddCmd.Flags().String("text", "", "line to speak (required)")
	announceAddCmd.Flags().String("schedule", "", "cron schedule expression (empty for manual-only)")
	_ = announceAddCmd.MarkFlagRequired("name")
	_ = announceAddCmd.MarkFlagRequired("text")

	announceFireCmd.Flags().String("text", "", "override the stored text for this firing")
}

func announcementStore() *state.AnnouncementStore {
	cfg := loadConfig()
	return state.NewAnnouncementStore(filepath.Join(cfg.DataDir, "announcements.json"))
}

var announceCmd = &cobra.Command{
	Use:   "announce",
	Short: "Manage announcements",
}

var announceAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new announcement",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		text, _ := cmd.Flags().GetString("text")
		schedule, _ := cmd.Flags().GetString("schedule")

		store := announcementStore()
		a := &state.Announcement{
			Name:     name,
			Text:     text,
			Schedule: schedule,
			Enabled:  true,
		}
		if err := store.Add(a); err != nil {
			return fmt.Errorf("add announcement: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Announcement %q added.\n", name)
		return nil
	},
}

var announceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all announcements",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := announcementStore()
		items, err := store.List()
		if err != nil {
			return fmt.Errorf("list announcements: %w", err)
		}

		if len(items) == 0 {
			fmt.Println("No announcements configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tTEXT")
		for _, a := range items {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n",
				a.Name,
				a.Schedule,
				a.Enabled,
				a.Text,
			)
		}
		return w.Flush()
	},
}

var announceRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an announcement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := announcementStore()
		if err := store.Remove(args[0]); err != nil {
			return fmt.Errorf("remove announcement: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Announcement %q removed.\n", args[0])
		return nil
	},
}

var announceEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable an announcement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := announcementStore()
		if err := store.SetEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable announcement: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Announcement %q enabled.\n", args[0])
		return nil
	},
}

var announceDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable an announcement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := announcementStore()
		if err := store.SetEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable announcement: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Announcement %q disabled.\n", args[0])
		return nil
	},
}

var announceFireCmd = &cobra.Command{
	Use:   "fire <name>",
	Short: "Speak a stored announcement into all active calls now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		override, _ := cmd.Flags().GetString("text")

		var body any
		if override != "" {
			body = map[string]string{"text": override}
		}
		var out struct {
			Calls int    `json:"calls"`
			Text  string `json:"text"`
		}
		if err := controlPost(cfg, "/announce/"+args[0], body, &out); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Spoken into %d active call(s).\n", out.Calls)
		return nil
	},
}

var announceNowCmd = &cobra.Command{
	Use:   "now <text...>",
	Short: "Speak a one-off line into all active calls",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		body := map[string]string{"text": strings.Join(args, " ")}
		var out struct {
			Calls int `json:"calls"`
		}
		if err := controlPost(cfg, "/api/announce", body, &out); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Spoken into %d active call(s).\n", out.Calls)
		return nil
	},
}
