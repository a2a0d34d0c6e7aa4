package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"coursepilot/internal/control"
	"coursepilot/internal/pool"
	"coursepilot/internal/unit"

	"github.com/spf13/cobra"
)

var (
	ctlAddr     string
	ctlBatch    int
	ctlWorkflow string
	ctlReason   string
	ctlTimeout  time.Duration
)

// ctlCmd talks to a running control surface
var ctlCmd = &cobra.Command{
	Use:   "ctl [pause|resume|terminate|status]",
	Short: "Send a control command to a running pilot",
	Long: `Routes pause, resume or terminate to the unit each addressed workflow
is currently running. Address a whole batch with --batch or a single
workflow with --workflow. Units that do not support a command report it
as unsupported.

Examples:
  pilot ctl terminate --batch 3 --reason "maintenance window"
  pilot ctl pause --workflow batch3-course-1a2b3c4d
  pilot ctl status --batch 3`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"pause", "resume", "terminate", "status"},
	RunE:      runCtl,
}

func init() {
	ctlCmd.Flags().StringVar(&ctlAddr, "addr", "", "Control surface address (default: control.listen_addr)")
	ctlCmd.Flags().IntVar(&ctlBatch, "batch", 0, "Target batch number")
	ctlCmd.Flags().StringVar(&ctlWorkflow, "workflow", "", "Target workflow id (takes precedence over --batch)")
	ctlCmd.Flags().StringVar(&ctlReason, "reason", "", "Free-text reason recorded with the command")
	ctlCmd.Flags().DurationVar(&ctlTimeout, "timeout", 10*time.Second, "Request timeout")
}

// ctlClient is a minimal client for the control surface.
type ctlClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newCtlClient(addr, apiKey string, timeout time.Duration) *ctlClient {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &ctlClient{base: strings.TrimRight(addr, "/"), apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

func (c *ctlClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Command sends cmd to target.
func (c *ctlClient) Command(ctx context.Context, cmd unit.Command, target pool.Target, reason string) (*control.CommandResponse, error) {
	path := fmt.Sprintf("/batches/%d/%s", target.BatchNo, cmd)
	if target.WorkflowID != "" {
		path = fmt.Sprintf("/workflows/%s/%s", target.WorkflowID, cmd)
	}
	var resp control.CommandResponse
	if err := c.do(ctx, http.MethodPost, path, control.CommandRequest{Reason: reason}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches one batch.
func (c *ctlClient) Status(ctx context.Context, no int) (pool.BatchStatus, error) {
	var st pool.BatchStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/batches/%d", no), nil, &st)
	return st, err
}

func runCtl(cmd *cobra.Command, args []string) error {
	if ctlWorkflow == "" && ctlBatch <= 0 {
		return fmt.Errorf("one of --batch or --workflow is required")
	}
	addr := ctlAddr
	if addr == "" {
		addr = cfg.Control.ListenAddr
	}
	client := newCtlClient(addr, cfg.Control.APIKey, ctlTimeout)
	ctx := cmdContext(cmd)
	out := cmd.OutOrStdout()

	if args[0] == "status" {
		st, err := client.Status(ctx, ctlBatch)
		if err != nil {
			return err
		}
		printStatus(out, st)
		return nil
	}

	command, err := unit.ParseCommand(args[0])
	if err != nil {
		return err
	}
	resp, err := client.Command(ctx, command, pool.Target{BatchNo: ctlBatch, WorkflowID: ctlWorkflow}, ctlReason)
	if err != nil {
		return err
	}
	printCommand(out, resp)
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printCommand(w io.Writer, resp *control.CommandResponse) {
	fmt.Fprintf(w, "%s -> %s: %d workflow(s)\n", resp.Command, resp.Target, len(resp.Results))
	if len(resp.Results) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKFLOW\tUNIT\tRESULT")
	for _, r := range resp.Results {
		result := "delivered"
		switch {
		case r.Unsupported:
			result = "unsupported (no-op)"
		case r.Finished:
			result = "already finished"
		case r.Error != "":
			result = "error: " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.WorkflowID, r.Unit, result)
	}
	_ = tw.Flush()
}
