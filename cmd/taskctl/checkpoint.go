package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// checkpoint command flags
	cpNotes    string
	cpReviewer string
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointResolveCmd)

	checkpointResolveCmd.Flags().StringVar(&cpNotes, "notes", "", "Reviewer notes to attach to the resolution")
	checkpointResolveCmd.Flags().StringVar(&cpReviewer, "reviewer", "", "Reviewer identity to record on the resolution")
}

// Checkpoint matches internal/checkpoint Checkpoint for display purposes.
type Checkpoint struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	Summary       string     `json:"summary"`
	ReviewerID    string     `json:"reviewer_id,omitempty"`
	ReviewerNotes string     `json:"reviewer_notes,omitempty"`
	OnExpiry      string     `json:"on_expiry"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// CheckpointListResponse matches internal/http/handlers.go CheckpointListResponse
type CheckpointListResponse struct {
	Checkpoints []Checkpoint `json:"checkpoints"`
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage review checkpoints",
	Long: `Inspect and resolve checkpoints where tasks are parked for human review.

Examples:
  # See everything waiting on review
  taskctl checkpoint list

  # Approve a checkpoint
  taskctl checkpoint resolve <checkpoint-id> approved --reviewer sam@example.com

  # Send the stage back with feedback
  taskctl checkpoint resolve <checkpoint-id> changes_requested --notes "Tighten the intro"

  # Reject the task outright
  taskctl checkpoint resolve <checkpoint-id> rejected --notes "Off brand"`,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending checkpoints",
	RunE:  runCheckpointList,
}

var checkpointResolveCmd = &cobra.Command{
	Use:   "resolve <checkpoint-id> <approved|rejected|changes_requested>",
	Short: "Resolve a pending checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE:  runCheckpointResolve,
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	var resp CheckpointListResponse
	if err := apiGet("/api/v1/checkpoints", &resp); err != nil {
		return err
	}

	if outputJSONFlag {
		return printJSON(resp.Checkpoints)
	}
	if len(resp.Checkpoints) == 0 {
		fmt.Println("No pending checkpoints")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tTYPE\tSUMMARY\tEXPIRES")
	for _, cp := range resp.Checkpoints {
		expires := "-"
		if cp.ExpiresAt != nil {
			expires = cp.ExpiresAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncate(cp.ID, 12),
			truncate(cp.TaskID, 12),
			cp.Type,
			truncate(cp.Summary, 40),
			expires,
		)
	}
	w.Flush()
	return nil
}

func runCheckpointResolve(cmd *cobra.Command, args []string) error {
	req := map[string]any{
		"resolution":  args[1],
		"reviewer_id": cpReviewer,
		"notes":       cpNotes,
	}

	var cp Checkpoint
	if err := apiPost("/api/v1/checkpoints/"+args[0]+"/resolve", req, &cp); err != nil {
		return err
	}

	if outputJSONFlag {
		return printJSON(cp)
	}
	fmt.Printf("Checkpoint %s resolved: %s\n", cp.ID, cp.Status)
	if cp.ReviewerNotes != "" {
		fmt.Printf("Notes: %s\n", cp.ReviewerNotes)
	}
	return nil
}
