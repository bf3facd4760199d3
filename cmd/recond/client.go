package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/msfrecon/recond/internal/api"
	"github.com/msfrecon/recond/internal/model"
	"github.com/msfrecon/recond/internal/scheduler"
	"github.com/spf13/cobra"
)

var (
	flagServer     string // value of --server flag
	flagToken      string // value of --token flag
	flagKey        string // value of submit --idempotency-key
	flagWatch      bool   // value of submit --watch
	flagLimit      int    // value of history --limit
	flagOffset     int    // value of history --offset
	flagResultsFmt string // value of results --format
)

func addClientCommands(root *cobra.Command) {
	for _, cmd := range []*cobra.Command{submitCmd, statusCmd, resultsCmd, cancelCmd, historyCmd} {
		cmd.Flags().StringVar(&flagServer, "server", "", "recond server url, default is http://<service.listen>")
		cmd.Flags().StringVar(&flagToken, "token", "", "bearer token, default is service.auth.token")
		root.AddCommand(cmd)
	}
	submitCmd.Flags().StringVar(&flagProfile, "profile", "", "profile to run when no tool is given")
	submitCmd.Flags().StringVar(&flagKey, "idempotency-key", "", "re-submitting the same key returns the existing job")
	submitCmd.Flags().BoolVar(&flagWatch, "watch", false, "stream job events until the job finishes")
	resultsCmd.Flags().StringVar(&flagResultsFmt, "format", "json", "output format: json or cyclonedx")
	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "max number of jobs")
	historyCmd.Flags().IntVar(&flagOffset, "offset", 0, "number of jobs to skip")
}

var submitCmd = &cobra.Command{
	Use:   "submit <target> [tool[:key=value,...]]...",
	Short: "submit queues a job on a recond server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs, err := parseTools(args[1:])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		resp, err := c.Submit(cmd.Context(), model.SubmitRequest{
			Target:         args[0],
			ProfileName:    flagProfile,
			ToolRequests:   reqs,
			IdempotencyKey: flagKey,
		})
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), resp.JobID)
		if !flagWatch {
			return nil
		}
		return c.Watch(cmd.Context(), resp.JobID, func(e scheduler.Event) {
			printEvent(cmd, e)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "status prints the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	},
}

var resultsCmd = &cobra.Command{
	Use:   "results <job-id>",
	Short: "results prints the tool results of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		switch flagResultsFmt {
		case "json":
			results, err := c.Results(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, results)
		case "cyclonedx":
			bom, err := c.BOM(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, bom)
		default:
			return fmt.Errorf("unsupported format %q", flagResultsFmt)
		}
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "cancel stops a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history lists jobs newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		h, err := c.History(cmd.Context(), flagLimit, flagOffset)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tTARGET\tSTATUS\tTOOLS\tCREATED")
		for _, j := range h.Jobs {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
				j.ID, j.Target, j.Status, j.ResultsCount, j.ToolCount, j.CreatedAt.Format(time.RFC3339))
		}
		_ = w.Flush()
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d jobs\n", len(h.Jobs), h.Total)
		return nil
	},
}

func newClient() (*api.Client, error) {
	server := flagServer
	if server == "" {
		server = "http://" + config.Service.Listen
	}
	token := flagToken
	if token == "" {
		token = config.Service.Auth.Token
	}
	return api.NewClient(server, token, requesterName())
}

func printEvent(cmd *cobra.Command, e scheduler.Event) {
	out := cmd.OutOrStdout()
	switch e.Type {
	case scheduler.EventOutput:
		_, _ = fmt.Fprintf(out, "[%s] %s\n", e.ToolID, e.Line)
	case scheduler.EventResult:
		if e.Result != nil {
			_, _ = fmt.Fprintf(out, "[%s] %s, %d findings\n", e.ToolID, e.Result.ExitStatus, len(e.Result.Findings))
		}
	case scheduler.EventStatus:
		if e.Error != "" {
			_, _ = fmt.Fprintf(out, "job %s: %s\n", e.Status, e.Error)
			return
		}
		_, _ = fmt.Fprintf(out, "job %s\n", e.Status)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
