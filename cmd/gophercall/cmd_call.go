package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/gophercall/internal/state"
	"github.com/user/gophercall/internal/types"
)

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.AddCommand(callListCmd, callShowCmd, callSayCmd, callEndCmd)

	callShowCmd.Flags().Int("tail", 20, "transcript lines to show")
	callSayCmd.Flags().Bool("end", false, "hang up after the line plays")
	callEndCmd.Flags().String("farewell", "", "line to speak before hanging up")
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Inspect and steer calls",
}

var callListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		calls := state.NewCallStore(cfg.DataDir)
		events := state.NewEventStore(cfg.DataDir)

		ctx := context.Background()
		list, err := calls.List(ctx)
		if err != nil {
			return fmt.Errorf("list calls: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No calls recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tTURNS\tEVENTS\tSTARTED")
		for _, rec := range list {
			count, err := events.Count(ctx, rec.CallID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				rec.CallID,
				rec.Source,
				rec.Status,
				rec.Turns,
				count,
				rec.StartedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var callShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one call's record and recent transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		calls := state.NewCallStore(cfg.DataDir)
		events := state.NewEventStore(cfg.DataDir)
		summaries := state.NewSummaryStore(cfg.DataDir)
		limit, _ := cmd.Flags().GetInt("tail")

		ctx := context.Background()
		callID := types.CallID(args[0])
		rec, err := calls.Get(ctx, callID)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "Call %s (%s) %s\n", rec.CallID, rec.Source, rec.Status)
		fmt.Fprintf(os.Stdout, "Started: %s\n", rec.StartedAt.Format("2006-01-02 15:04:05"))
		if rec.Status == "ended" {
			fmt.Fprintf(os.Stdout, "Duration: %ds, %d turns\n", rec.DurationSeconds, rec.Turns)
		}

		if summary, err := summaries.Get(ctx, callID); err == nil && summary.Digest != "" {
			fmt.Fprintf(os.Stdout, "\n%s\n", summary.Digest)
		}

		tail, err := events.Tail(ctx, callID, limit)
		if err != nil {
			return fmt.Errorf("read transcript: %w", err)
		}
		if len(tail) == 0 {
			return nil
		}
		fmt.Fprintln(os.Stdout)
		for _, ev := range tail {
			line := ev.Text
			if line == "" && len(ev.Payload) > 0 {
				line = string(ev.Payload)
			}
			fmt.Fprintf(os.Stdout, "%s  %-12s %s\n", ev.At.Format("15:04:05"), ev.Type, line)
		}
		return nil
	},
}

var callSayCmd = &cobra.Command{
	Use:   "say <id> <text...>",
	Short: "Speak a line into an active call",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		endCall, _ := cmd.Flags().GetBool("end")

		body := map[string]any{
			"text":     strings.Join(args[1:], " "),
			"end_call": endCall,
		}
		if err := controlPost(cfg, "/api/calls/"+args[0]+"/say", body, nil); err != nil {
			return err
		}
		fmt.Println("Spoken.")
		return nil
	},
}

var callEndCmd = &cobra.Command{
	Use:   "end <id>",
	Short: "Hang up an active call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		farewell, _ := cmd.Flags().GetString("farewell")

		body := map[string]string{"farewell": farewell}
		if err := controlPost(cfg, "/api/calls/"+args[0]+"/end", body, nil); err != nil {
			return err
		}
		fmt.Println("Call ending.")
		return nil
	},
}
