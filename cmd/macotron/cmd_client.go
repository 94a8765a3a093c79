package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"macotron/internal/config"
)

// The reload, eval and snippets commands talk to a running daemon over the
// local debug surface rather than spinning up a second runtime.

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Trigger a snippet reload in the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(http.MethodPost, "/reload", nil)
	},
}

var evalCmd = &cobra.Command{
	Use:   "eval <source>",
	Short: "Evaluate script text in the daemon's live context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, _ := json.Marshal(map[string]string{"source": args[0]})
		return callDaemon(http.MethodPost, "/eval", body)
	},
}

var snippetsCmd = &cobra.Command{
	Use:   "snippets",
	Short: "List loaded snippets and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(http.MethodGet, "/snippets", nil)
	},
}

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the script-registered command registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callDaemon(http.MethodGet, "/commands", nil)
	},
}

func init() {
	rootCmd.AddCommand(reloadCmd, evalCmd, snippetsCmd, commandsCmd)
}

func callDaemon(method, path string, body []byte) error {
	cfg, err := config.Load(paths().Root)
	if err != nil {
		return err
	}

	url := "http://" + cfg.Server.Addr + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is `macotron run` active?): %w", cfg.Server.Addr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}
