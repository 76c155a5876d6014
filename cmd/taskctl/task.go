package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// task command flags
	taskPipeline string
	taskPriority string
	taskContext  string
	taskState    string
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskStepsCmd)
	taskCmd.AddCommand(taskCancelCmd)
	rootCmd.AddCommand(pipelinesCmd)

	taskSubmitCmd.Flags().StringVar(&taskPipeline, "pipeline", "", "Pipeline to run (required)")
	taskSubmitCmd.Flags().StringVar(&taskPriority, "priority", "normal", "Priority: urgent, normal, or low")
	taskSubmitCmd.Flags().StringVar(&taskContext, "context", "", "Initial task context as a JSON object")
	_ = taskSubmitCmd.MarkFlagRequired("pipeline")

	taskListCmd.Flags().StringVar(&taskState, "state", "", "Filter by state (e.g. QUEUED, IN_PROGRESS, COMPLETED)")
}

// Task matches internal/task Task for display purposes.
type Task struct {
	ID                  string         `json:"id"`
	Description         string         `json:"description"`
	State               string         `json:"state"`
	Priority            string         `json:"priority"`
	Pipeline            string         `json:"pipeline"`
	Stage               int            `json:"stage"`
	Output              map[string]any `json:"output,omitempty"`
	FailureReason       string         `json:"failure_reason,omitempty"`
	PendingCheckpointID string         `json:"pending_checkpoint_id,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ExecutionStep matches internal/task ExecutionStep for display purposes.
type ExecutionStep struct {
	ID         string         `json:"id"`
	Stage      int            `json:"stage"`
	Name       string         `json:"name"`
	Capability string         `json:"capability"`
	Output     map[string]any `json:"output,omitempty"`
	Status     string         `json:"status"`
	Attempt    int            `json:"attempt"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
}

// TaskListResponse matches internal/http/handlers.go TaskListResponse
type TaskListResponse struct {
	Tasks []Task `json:"tasks"`
}

// StepListResponse matches internal/http/handlers.go StepListResponse
type StepListResponse struct {
	Steps []ExecutionStep `json:"steps"`
}

// PipelineListResponse matches internal/http/handlers.go PipelineListResponse
type PipelineListResponse struct {
	Pipelines []string `json:"pipelines"`
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
	Long: `Submit and inspect orchestrated tasks.

Examples:
  # Submit a task
  taskctl task submit "Write launch blog post" --pipeline content --context '{"topic":"launch"}'

  # Watch its progress
  taskctl task status <task-id>
  taskctl task steps <task-id>

  # Cancel it
  taskctl task cancel <task-id>`,
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <description>",
	Short: "Submit a new task",
	Long: `Submit a task for orchestration.

Examples:
  # Submit with the default priority
  taskctl task submit "Write launch blog post" --pipeline content

  # Submit urgent work with initial context
  taskctl task submit "Hotfix notes" --pipeline content --priority urgent --context '{"topic":"hotfix"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskSubmit,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Long: `List tasks, optionally filtered by state.

Examples:
  # All tasks
  taskctl task list

  # Only tasks waiting on review
  taskctl task list --state CHECKPOINT_PENDING`,
	RunE: runTaskList,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStatus,
}

var taskStepsCmd = &cobra.Command{
	Use:   "steps <task-id>",
	Short: "Show a task's execution history",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskSteps,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "List available pipelines",
	RunE:  runPipelines,
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	req := map[string]any{
		"description": args[0],
		"pipeline":    taskPipeline,
		"priority":    taskPriority,
	}
	if taskContext != "" {
		var ctx map[string]any
		if err := json.Unmarshal([]byte(taskContext), &ctx); err != nil {
			return fmt.Errorf("invalid --context JSON: %w", err)
		}
		req["context"] = ctx
	}

	var created Task
	if err := apiPost("/api/v1/tasks", req, &created); err != nil {
		return err
	}

	if outputJSONFlag {
		return printJSON(created)
	}
	fmt.Printf("Task submitted\n")
	fmt.Printf("ID: %s\n", created.ID)
	fmt.Printf("State: %s\n", created.State)
	fmt.Printf("Pipeline: %s\n", created.Pipeline)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	path := "/api/v1/tasks"
	if taskState != "" {
		path += "?state=" + taskState
	}

	var resp TaskListResponse
	if err := apiGet(path, &resp); err != nil {
		return err
	}

	if outputJSONFlag {
		return printJSON(resp.Tasks)
	}
	if len(resp.Tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tPRIORITY\tPIPELINE\tSTAGE\tDESCRIPTION\tUPDATED")
	for _, t := range resp.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncate(t.ID, 12),
			t.State,
			t.Priority,
			t.Pipeline,
			t.Stage,
			truncate(t.Description, 40),
			t.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
	return nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	var t Task
	if err := apiGet("/api/v1/tasks/"+args[0], &t); err != nil {
		return err
	}

	if outputJSONFlag {
		return printJSON(t)
	}
	fmt.Printf("ID: %s\n", t.ID)
	fmt.Printf("Description: %s\n", t.Description)
	fmt.Printf("State: %s\n", t.State)
	fmt.Printf("Pipeline: %s (stage %d)\n", t.Pipeline, t.Stage)
	fmt.Printf("Priority: %s\n", t.Priority)
	if t.PendingCheckpointID != "" {
		fmt.Printf("Pending Checkpoint: %s\n", t.PendingCheckpointID)
	}
	if t.FailureReason != "" {
		fmt.Printf("Failure Reason: %s\n", t.FailureReason)
	}
	if len(t.Output) > 0 {
		fmt.Println("Output:")
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("  ", "  ")
		fmt.Print("  ")
		if err := enc.Encode(t.Output); err != nil {
			return err
		}
	}
	return nil
}

func runTaskSteps(cmd *cobra.Command, args []string) error {
	var resp StepListResponse
	if err := apiGet("/api/v1/tasks/"+args[0]+"/steps", &resp); err != nil {
		return err
	}

	if outputJSONFlag {
		return printJSON(resp.Steps)
	}
	if len(resp.Steps) == 0 {
		fmt.Println("No steps recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTEP\tCAPABILITY\tSTATUS\tATTEMPT\tERROR")
	for _, s := range resp.Steps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			s.Stage,
			s.Name,
			s.Capability,
			s.Status,
			s.Attempt,
			truncate(s.Error, 50),
		)
	}
	w.Flush()
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	var t Task
	if err := apiPost("/api/v1/tasks/"+args[0]+"/cancel", nil, &t); err != nil {
		return err
	}

	if outputJSONFlag {
		return printJSON(t)
	}
	fmt.Printf("Task %s cancelled (state: %s)\n", t.ID, t.State)
	return nil
}

func runPipelines(cmd *cobra.Command, args []string) error {
	var resp PipelineListResponse
	if err := apiGet("/api/v1/pipelines", &resp); err != nil {
		return err
	}

	if outputJSONFlag {
		return printJSON(resp.Pipelines)
	}
	for _, name := range resp.Pipelines {
		fmt.Println(name)
	}
	return nil
}
