// Package main implements the conductctl CLI for manual operations
// against a conductd daemon and for offline manifest checks.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conductd/internal/intake"
	"github.com/fyrsmithlabs/conductd/internal/planner"
)

var (
	// serverURL is the base URL for the conductd admin server
	serverURL string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conductctl",
	Short: "CLI for conductd manifest checks and daemon operations",
	Long: `conductctl is a command-line interface for conductd.
It validates and plans specification manifests offline, and submits
manifests or inspects workflows against a running daemon.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9091", "conductd admin server URL")
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(workflowsCmd)
	rootCmd.AddCommand(healthCmd)
}

// validateCmd checks a manifest without contacting a daemon
var validateCmd = &cobra.Command{
	Use:   "validate <manifest>",
	Short: "Validate a specification manifest",
	Long: `Validate a specification manifest: YAML shape, role names,
document includes, and the task dependency graph.

Examples:
  # Validate a manifest
  conductctl validate billing.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

// planCmd prints the execution batches a manifest would produce
var planCmd = &cobra.Command{
	Use:   "plan <manifest>",
	Short: "Print the layered execution batches for a manifest",
	Long: `Plan a specification manifest offline and print its execution
batches. Tasks inside a batch are independent and run concurrently;
batches run strictly in order.

Examples:
  # Preview the batches
  conductctl plan billing.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

// submitCmd submits a manifest to a running daemon
var submitCmd = &cobra.Command{
	Use:   "submit [manifest]",
	Short: "Submit a manifest to the daemon",
	Long: `Submit a specification manifest to a running conductd daemon.
The specification lands in the backlog and, when accepted, runs as a
workflow.

Examples:
  # Submit a manifest file
  conductctl submit billing.yaml

  # Submit from stdin
  cat billing.yaml | conductctl submit -

  # Use a different server
  conductctl submit --server http://localhost:8080 billing.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

// workflowsCmd lists workflows on a running daemon
var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List workflows on the daemon",
	Long: `List the workflows a running conductd daemon has driven,
newest first.

Examples:
  # List workflows
  conductctl workflows`,
	RunE: runWorkflows,
}

// healthCmd checks daemon health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check conductd daemon health",
	Long: `Check the health status of a running conductd daemon.

Examples:
  # Check health
  conductctl health

  # Check health on a different server
  conductctl health --server http://localhost:8080`,
	RunE: runHealth,
}

// HealthResponse matches internal/http/server.go HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

// WorkflowSummary matches the workflow fields served by the admin API
type WorkflowSummary struct {
	ID         string    `json:"id"`
	SpecID     string    `json:"spec_id"`
	SpecName   string    `json:"spec_name"`
	State      string    `json:"state"`
	Batches    int       `json:"batches"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Reason     string    `json:"reason,omitempty"`
}

// WorkflowListResponse matches internal/http/server.go WorkflowListResponse
type WorkflowListResponse struct {
	Workflows []WorkflowSummary `json:"workflows"`
}

// SpecificationSummary matches the specification fields served by the admin API
type SpecificationSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Stage string `json:"stage"`
}

// SpecificationResponse matches internal/http/server.go SpecificationResponse
type SpecificationResponse struct {
	Specification SpecificationSummary `json:"specification"`
	Tasks         int                  `json:"tasks"`
}

// runValidate handles the validate command
func runValidate(cmd *cobra.Command, args []string) error {
	m, err := intake.ParseFile(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Manifest OK: %s\n", m.Name)
	fmt.Printf("Documents:   %d\n", len(m.Documents))
	fmt.Printf("Tasks:       %d\n", len(m.Tasks))
	return nil
}

// runPlan handles the plan command
func runPlan(cmd *cobra.Command, args []string) error {
	m, err := intake.ParseFile(args[0])
	if err != nil {
		return err
	}

	graph := planner.NewGraph()
	if err := graph.AddAll(m.PlannerTasks()...); err != nil {
		return err
	}
	batches, err := graph.Plan()
	if err != nil {
		return err
	}

	fmt.Printf("Plan for %s: %d tasks in %d batches\n", m.Name, len(m.Tasks), len(batches))
	for _, batch := range batches {
		entries := make([]string, 0, len(batch.Tasks))
		for _, t := range batch.Tasks {
			entries = append(entries, fmt.Sprintf("%s (%s)", t.ID, t.Role))
		}
		fmt.Printf("  Batch %d: %s\n", batch.Index+1, strings.Join(entries, ", "))
	}
	return nil
}

// runSubmit handles the submit command
func runSubmit(cmd *cobra.Command, args []string) error {
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

	if len(content) == 0 {
		return fmt.Errorf("no manifest to submit")
	}

	url := fmt.Sprintf("%s/v1/specifications", serverURL)
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/yaml")

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var specResp SpecificationResponse
	if err := json.NewDecoder(resp.Body).Decode(&specResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Specification created: %s\n", specResp.Specification.ID)
	fmt.Printf("Name:  %s\n", specResp.Specification.Name)
	fmt.Printf("Stage: %s\n", specResp.Specification.Stage)
	fmt.Printf("Tasks: %d\n", specResp.Tasks)
	return nil
}

// runWorkflows handles the workflows command
func runWorkflows(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/v1/workflows", serverURL)

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var listResp WorkflowListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(listResp.Workflows) == 0 {
		fmt.Println("No workflows")
		return nil
	}
	for _, wf := range listResp.Workflows {
		line := fmt.Sprintf("%s  %-10s  %s", wf.ID, wf.State, wf.SpecName)
		if wf.Reason != "" {
			line += "  (" + wf.Reason + ")"
		}
		fmt.Println(line)
	}
	return nil
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/healthz", serverURL)

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to %s: %v\n", url, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Daemon Status: %s\n", healthResp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}
