// Command batchctl is the CLI control plane spec.md §6 names: a thin
// REST client over the Front-End's /api/v1alpha surface, grounded on
// cuemby-warren's cmd/warren cobra root-command shape (PersistentFlags for
// global options, one subcommand per operation, os.Exit on the resolved
// exit code).
//
// Exit codes follow spec.md §6 literally: 0 success, 1 not-found, 2
// validation failure. Any other server-side error also exits 1, since the
// spec names only these three outcomes for the control plane.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	exitSuccess    = 0
	exitNotFound   = 1
	exitValidation = 2
)

var baseURL string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitNotFound)
	}
}

var rootCmd = &cobra.Command{
	Use:   "batchctl",
	Short: "Control plane for the batch job service",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", envOr("BATCHCTL_URL", "http://localhost:8080"), "Front-End base URL")
	rootCmd.AddCommand(batchCmd, jobCmd)
	batchCmd.AddCommand(batchGetCmd, batchListCmd, batchCancelCmd, batchDeleteCmd, batchCloseCmd)
	batchListCmd.Flags().String("q", "", "filter query (state keywords, key=value, has:key, ! to negate)")
	jobCmd.AddCommand(jobGetCmd, jobLogCmd)
}

var batchCmd = &cobra.Command{Use: "batch", Short: "Inspect and manage batches"}
var jobCmd = &cobra.Command{Use: "job", Short: "Inspect jobs within a batch"}

var batchGetCmd = &cobra.Command{
	Use:   "get <batch-id>",
	Short: "Print a batch's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequest(http.MethodGet, "/api/v1alpha/batches/"+args[0], nil)
	},
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, _ := cmd.Flags().GetString("q")
		path := "/api/v1alpha/batches"
		if q != "" {
			path += "?q=" + q
		}
		return runRequest(http.MethodGet, path, nil)
	},
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequest(http.MethodPatch, "/api/v1alpha/batches/"+args[0]+"/cancel", nil)
	},
}

var batchDeleteCmd = &cobra.Command{
	Use:   "delete <batch-id>",
	Short: "Delete a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequest(http.MethodDelete, "/api/v1alpha/batches/"+args[0], nil)
	},
}

var batchCloseCmd = &cobra.Command{
	Use:   "close <batch-id>",
	Short: "Close a batch, making it eligible for scheduling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequest(http.MethodPatch, "/api/v1alpha/batches/"+args[0]+"/close", nil)
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get <batch-id> <job-id>",
	Short: "Print a job's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequest(http.MethodGet, "/api/v1alpha/batches/"+args[0]+"/jobs/"+args[1], nil)
	},
}

var jobLogCmd = &cobra.Command{
	Use:   "log <batch-id> <job-id>",
	Short: "Print a job's log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequest(http.MethodGet, "/api/v1alpha/batches/"+args[0]+"/jobs/"+args[1]+"/log", nil)
	},
}

// runRequest sends the REST call, prints the response body, and os.Exits
// with the code spec.md §6 assigns to the resulting HTTP status.
func runRequest(method, path string, body []byte) error {
	client := &http.Client{Timeout: 60 * time.Second}
	req, err := http.NewRequest(method, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	os.Exit(exitCodeFor(resp.StatusCode))
	return nil
}

// exitCodeFor maps an HTTP response to spec.md §6's three-way exit code:
// 0 success, 1 not-found, 2 validation failure. A 400 response is only
// ever a ValidationError or WrongState in this service's error taxonomy
// (internal/batcherr), both of which map to "validation failure" here;
// anything else (403, 5xx, transport failure) falls back to not-found's
// exit code, since the spec names no fourth outcome for the control plane.
func exitCodeFor(status int) int {
	switch status {
	case http.StatusOK:
		return exitSuccess
	case http.StatusBadRequest:
		return exitValidation
	default:
		return exitNotFound
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
