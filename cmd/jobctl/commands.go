package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nanichwdry/videoexpressai/internal/job"
)

func newSubmitCmd(c *client) *cobra.Command {
	var jobType, paramsJSON string
	var params []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(jobType) == "" {
				return fmt.Errorf("--type is required")
			}
			raw, err := buildParams(paramsJSON, params)
			if err != nil {
				return err
			}
			var out job.CreateJobResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/jobs", job.CreateJobRequest{Type: jobType, Params: raw}, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s status=%s\n", out.JobID, out.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type: VIDEO, TTS, LIPSYNC or LORA")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "job params as a JSON object")
	cmd.Flags().StringArrayVar(&params, "param", nil, "single param as key=value, repeatable")
	return cmd
}

// buildParams merges --params with --param pairs; pairs win.
func buildParams(rawJSON string, pairs []string) (json.RawMessage, error) {
	merged := map[string]any{}
	if strings.TrimSpace(rawJSON) != "" {
		if err := json.Unmarshal([]byte(rawJSON), &merged); err != nil {
			return nil, fmt.Errorf("--params must be a JSON object: %w", err)
		}
	}
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--param %q must be key=value", p)
		}
		merged[key] = value
	}
	return json.Marshal(merged)
}

func newGetCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view job.JobView
			if err := c.do(cmd.Context(), http.MethodGet, "/jobs/"+url.PathEscape(args[0]), nil, &view); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
}

func newListCmd(c *client) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/jobs"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			var jobs []job.JobSummary
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &jobs); err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d%%\t%s\n", j.JobID, j.Type, j.Status, j.Progress, j.CreatedAt)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max jobs to list (server default 50)")
	return cmd
}

func newCancelCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out job.CancelJobResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/jobs/"+url.PathEscape(args[0])+"/cancel", nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s status=%s message=%q\n", out.JobID, out.Status, out.Message)
			return nil
		},
	}
}

func newDeleteCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out job.DeleteJobResponse
			if err := c.do(cmd.Context(), http.MethodDelete, "/jobs/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s deleted=%t artifacts_cleaned=%d\n", out.JobID, out.Deleted, out.ArtifactsCleaned)
			return nil
		},
	}
}

type gpuState struct {
	Status     string `json:"status"`
	WorkersMin int    `json:"workers_min"`
	WorkersMax int    `json:"workers_max"`
	Message    string `json:"message"`
}

func newGPUCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gpu",
		Short: "Inspect or scale the warm GPU worker pool",
	}
	actions := []struct {
		use, short, method, path string
	}{
		{"status", "Show whether a GPU worker is kept warm", http.MethodGet, "/gpu/status"},
		{"on", "Keep one GPU worker warm", http.MethodPost, "/gpu/on"},
		{"off", "Scale warm GPU workers to zero", http.MethodPost, "/gpu/off"},
		{"emergency-off", "Scale to zero and report what to do if it fails", http.MethodPost, "/gpu/emergency-off"},
	}
	for _, a := range actions {
		a := a
		cmd.AddCommand(&cobra.Command{
			Use:   a.use,
			Short: a.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var out gpuState
				if err := c.do(cmd.Context(), a.method, a.path, nil, &out); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "status=%s workers_min=%d workers_max=%d", out.Status, out.WorkersMin, out.WorkersMax)
				if out.Message != "" {
					fmt.Fprintf(cmd.OutOrStdout(), " message=%q", out.Message)
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			},
		})
	}
	return cmd
}
