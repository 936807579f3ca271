// Package main implements the learnctl CLI for manual operations
// against the learnd daemon.
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

var (
	// serverURL is the base URL for the learnd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "learnctl",
	Short: "CLI for learnd daemon operations",
	Long: `learnctl is a command-line interface for the learnd daemon.
It submits interaction records, inspects pipeline status, and requests
manual training runs.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9180", "learnd server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(recordCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check learnd daemon health",
	RunE:  runHealth,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline status",
	Long: `Show the pipeline state: trigger state machine position, escalation
and promotion-halt flags, and the current production checkpoint.`,
	RunE: runStatus,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Request a manual training run",
	Long: `Request a manual training run. The request joins the normal decision
flow: it waits for any active run, passes the resource check, and is
rejected while the pipeline is escalated.`,
	RunE: runTrigger,
}

var recordCmd = &cobra.Command{
	Use:   "record [file]",
	Short: "Submit an interaction record from a JSON file or stdin",
	Long: `Submit one interaction record. The input is the capture request JSON:

  {"session_id": "...", "input": "...", "output": "...", "snapshot": {...}}

Examples:
  # Submit from a file
  learnctl record interaction.json

  # Submit from stdin
  cat interaction.json | learnctl record -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecord,
}

// StatusResponse matches internal/server StatusResponse
type StatusResponse struct {
	TriggerState         string `json:"trigger_state"`
	Escalated            bool   `json:"escalated"`
	PromotionsHalted     bool   `json:"promotions_halted"`
	ProductionCheckpoint string `json:"production_checkpoint,omitempty"`
}

// RecordResponse matches internal/server RecordResponse
type RecordResponse struct {
	RecordID string `json:"record_id,omitempty"`
}

// HealthResponse matches internal/server HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func runHealth(cmd *cobra.Command, _ []string) error {
	resp, err := httpClient().Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("failed to reach learnd at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("learnd is unhealthy: HTTP %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	fmt.Printf("learnd: %s\n", health.Status)
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	resp, err := httpClient().Get(serverURL + "/api/v1/status")
	if err != nil {
		return fmt.Errorf("failed to reach learnd at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: HTTP %d", resp.StatusCode)
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode status response: %w", err)
	}

	fmt.Printf("Trigger state:         %s\n", status.TriggerState)
	fmt.Printf("Escalated:             %v\n", status.Escalated)
	fmt.Printf("Promotions halted:     %v\n", status.PromotionsHalted)
	if status.ProductionCheckpoint != "" {
		fmt.Printf("Production checkpoint: %s\n", status.ProductionCheckpoint)
	} else {
		fmt.Printf("Production checkpoint: (none)\n")
	}
	return nil
}

func runTrigger(cmd *cobra.Command, _ []string) error {
	resp, err := httpClient().Post(serverURL+"/api/v1/trigger", "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to reach learnd at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Println("Training run queued")
		return nil
	case http.StatusConflict:
		return fmt.Errorf("a training request is already queued")
	case http.StatusLocked:
		return fmt.Errorf("pipeline is escalated; operator intervention required")
	default:
		return fmt.Errorf("trigger request failed: HTTP %d", resp.StatusCode)
	}
}

func runRecord(cmd *cobra.Command, args []string) error {
	var content []byte
	var err error

	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}

	if !json.Valid(content) {
		return fmt.Errorf("input is not valid JSON")
	}

	resp, err := httpClient().Post(serverURL+"/api/v1/records", "application/json", bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to reach learnd at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("record rejected: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var rec RecordResponse
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return fmt.Errorf("failed to decode record response: %w", err)
	}

	if rec.RecordID == "" {
		fmt.Println("Accepted (record was dropped as malformed)")
		return nil
	}
	fmt.Printf("Recorded: %s\n", rec.RecordID)
	return nil
}
