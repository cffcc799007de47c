package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/gophercall/internal/config"
	"github.com/user/gophercall/internal/voice"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

// controlClient talks to the running daemon's control API.
var controlClient = &http.Client{Timeout: 5 * time.Second}

func controlURL(cfg *config.Config, path string) string {
	return "http://" + cfg.Webhook.Addr + path
}

func controlGet(cfg *config.Config, path string, out any) error {
	resp, err := controlClient.Get(controlURL(cfg, path))
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is it running?): %w", cfg.Webhook.Addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return controlError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// controlPost sends an optional JSON body to the control API and decodes the
// response into out when non-nil.
func controlPost(cfg *config.Config, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(http.MethodPost, controlURL(cfg, path), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := controlClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is it running?): %w", cfg.Webhook.Addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return controlError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// controlError turns a non-200 control API response into a readable error.
func controlError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%s", e.Error)
	}
	return fmt.Errorf("control api returned %s", resp.Status)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection and active call status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		var st voice.ServiceStatus
		if err := controlGet(cfg, "/api/status", &st); err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "Connection: %s", st.Connection.Status)
		if st.Connection.UserID != "" {
			fmt.Fprintf(os.Stdout, " (%s)", st.Connection.UserID)
		}
		fmt.Fprintln(os.Stdout)
		if st.Connection.LastError != "" {
			fmt.Fprintf(os.Stdout, "Last error: %s\n", st.Connection.LastError)
		}
		if st.Connection.Attempts > 0 {
			fmt.Fprintf(os.Stdout, "Reconnect attempts: %d\n", st.Connection.Attempts)
		}

		if len(st.Calls) == 0 {
			fmt.Println("No active calls.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CALL\tSOURCE\tTURNS\tPROMPTS\tWAITING\tSTARTED")
		for _, c := range st.Calls {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\t%s\n",
				c.CallID,
				c.Source,
				c.Turns,
				c.IdlePrompts,
				c.Waiting,
				c.StartedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}
