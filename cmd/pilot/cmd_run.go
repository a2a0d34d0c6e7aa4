package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"coursepilot/internal/control"
	"coursepilot/internal/pool"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runServe    bool
	runSave     bool
	runRelease  bool
	runWorkers  int
	serveListen string
)

// runCmd runs one batch file to completion
var runCmd = &cobra.Command{
	Use:   "run [batch.yaml]",
	Short: "Run a batch of learning sessions to completion",
	Long: `Loads a batch file (template reference, credentials, launch and
re-authentication settings), launches one workflow per credential and waits
for all of them. Interrupting stops new launches; running workflows are
cancelled.

Example:
  pilot run batches/spring.yaml --serve`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

// serveCmd runs the control surface
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP control surface",
	Long: `Starts the engine and the control surface. Stored batches are launched
with POST /batches/{no}/start and steered with pause, resume and terminate.`,
	RunE: serve,
}

func init() {
	runCmd.Flags().BoolVar(&runServe, "serve", false, "Also serve the control surface while the batch runs")
	runCmd.Flags().BoolVar(&runSave, "save", false, "Save the batch to the store before running")
	runCmd.Flags().BoolVar(&runRelease, "release", true, "Release held sessions when the batch finishes")
	runCmd.Flags().IntVar(&runWorkers, "concurrency", 0, "Override the batch's concurrency")

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default: control.listen_addr)")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	b, err := pool.LoadBatchFile(args[0], batchDefaults(cfg))
	if err != nil {
		return err
	}
	if runWorkers > 0 {
		b.Launch.Concurrency = runWorkers
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if runSave {
		if err := a.store.SaveBatch(ctx, b); err != nil {
			return fmt.Errorf("save batch: %w", err)
		}
	}

	if runServe {
		srv := control.NewServer(cfg.Control.ListenAddr, control.NewRouter(ctx, a.pool, a.store, cfg.Control.APIKey))
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				logger.Error("control surface failed", zap.Error(err))
			}
		}()
	}

	logger.Info("running batch", zap.Int("batch", b.No), zap.String("template", b.Template.ID),
		zap.Int("credentials", len(b.Credentials)))
	st, err := a.pool.Run(ctx, b)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), st)

	if st.Held > 0 && runRelease {
		if n, err := a.pool.ReleaseHeld(context.Background(), b.No); err != nil {
			logger.Warn("release held sessions", zap.Int("released", n), zap.Error(err))
		}
	}
	if st.Failed > 0 {
		return fmt.Errorf("batch %d: %d of %d workflow(s) failed", st.No, st.Failed, st.Total)
	}
	return nil
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	addr := serveListen
	if addr == "" {
		addr = cfg.Control.ListenAddr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Control surface on http://%s (Ctrl+C to stop)\n", addr)
	return control.NewServer(addr, control.NewRouter(ctx, a.pool, a.store, cfg.Control.APIKey)).ListenAndServe(ctx)
}

func printStatus(w io.Writer, st pool.BatchStatus) {
	fmt.Fprintf(w, "Batch %d (%s) %s: %d/%d succeeded, %d failed", st.No, st.Template, st.State, st.Succeeded, st.Total, st.Failed)
	if st.Held > 0 {
		fmt.Fprintf(w, ", %d session(s) held", st.Held)
	}
	fmt.Fprintln(w)
	if len(st.Outcomes) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKFLOW\tUSER\tSTATUS\tREAUTHS\tTRAIL\tMESSAGE")
	for _, o := range st.Outcomes {
		trail := make([]string, len(o.Executed))
		for i, id := range o.Executed {
			trail[i] = fmt.Sprint(id)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			fallback(o.WorkflowID, "-"), fallback(o.Username, "-"), o.Status, o.Reauths, strings.Join(trail, ","), o.Message)
	}
	_ = tw.Flush()
}

func fallback(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
