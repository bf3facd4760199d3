package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/msfrecon/recond/internal/api"
	"github.com/msfrecon/recond/internal/log"
	"github.com/msfrecon/recond/internal/model"
	"github.com/msfrecon/recond/internal/registry"
	"github.com/msfrecon/recond/internal/service"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagFormat  string // value of --format flag
	flagProfile string // value of --profile flag
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the job scheduler and the HTTP API",
	RunE:  doServe,
}

var scanCmd = &cobra.Command{
	Use:   "scan <target> [tool[:key=value,...]]...",
	Short: "scan runs one job locally and prints its results",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doScan,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "tools lists the registered tools",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var dir string
		if config.Registry != nil {
			dir = config.Registry.Dir
		}
		reg, err := registry.Load(dir)
		if err != nil {
			return err
		}
		printTools(cmd, reg.List())
		return nil
	},
}

func init() {
	scanCmd.Flags().StringVar(&flagFormat, "format", service.FormatJSON, "output format: json or cyclonedx")
	scanCmd.Flags().StringVar(&flagProfile, "profile", "", "profile to run when no tool is given")
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("recond",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	svc, err := service.New(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.ErrorContext(ctx, "closing service failed", "error", err)
		}
	}()

	srv := api.NewServer(svc, config.Service)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Do(ctx)
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func doScan(cmd *cobra.Command, args []string) error {
	if flagFormat != service.FormatJSON && flagFormat != service.FormatCycloneDX {
		return fmt.Errorf("unsupported format %q", flagFormat)
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	ctx = log.ContextAttrs(ctx, slog.Group("recond",
		slog.String("cmd", "scan"),
		slog.Int("pid", os.Getpid()),
	))

	reqs, err := parseTools(args[1:])
	if err != nil {
		return err
	}

	cfg := config
	cfg.Store.Path = ":memory:"
	cfg.Service.Dir = ""
	cfg.Service.Repository = nil
	svc, err := service.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = svc.Close()
	}()

	done := make(chan error, 1)
	go func() {
		done <- svc.Do(ctx)
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			slog.ErrorContext(ctx, "scheduler failed", "error", err)
		}
	}()

	job, _, err := svc.Submit(ctx, model.SubmitRequest{
		Target:       args[0],
		ProfileName:  flagProfile,
		ToolRequests: reqs,
		Requester:    requesterName(),
	})
	if err != nil {
		return err
	}
	job, err = svc.Wait(ctx, job.ID)
	if err != nil {
		return err
	}
	if err := service.Encode(cmd.OutOrStdout(), job, flagFormat); err != nil {
		return err
	}
	if job.Status != model.StatusCompleted {
		return fmt.Errorf("job %s %s: %s", job.ID, job.Status, job.Error)
	}
	return nil
}

// parseTools reads tool arguments of the form tool[:key=value,...]. A
// comma separated piece without '=' continues the previous value, so list
// and port parameters like ports=22,80 need no quoting.
func parseTools(args []string) ([]model.ToolRequest, error) {
	ret := make([]model.ToolRequest, 0, len(args))
	for _, arg := range args {
		id, rest, _ := strings.Cut(arg, ":")
		if id == "" {
			return nil, fmt.Errorf("%w: empty tool in %q", model.ErrInvalidParameter, arg)
		}
		req := model.ToolRequest{ToolID: id}
		var last string
		for piece := range strings.SplitSeq(rest, ",") {
			if piece == "" {
				continue
			}
			k, v, ok := strings.Cut(piece, "=")
			if !ok {
				if last == "" {
					return nil, fmt.Errorf("%w: %q is not key=value", model.ErrInvalidParameter, piece)
				}
				req.Parameters[last] = req.Parameters[last].(string) + "," + piece
				continue
			}
			if req.Parameters == nil {
				req.Parameters = make(map[string]any)
			}
			req.Parameters[k] = v
			last = k
		}
		ret = append(ret, req)
	}
	return ret, nil
}

func requesterName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return service.DefaultRequester
}

func printTools(cmd *cobra.Command, tools []registry.ToolInfo) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCATEGORY\tDESCRIPTION")
	for _, t := range tools {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Category, t.Description)
	}
	_ = w.Flush()
}
