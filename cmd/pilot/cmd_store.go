package main

import (
	"fmt"
	"text/tabwriter"

	"coursepilot/internal/pool"
	"coursepilot/internal/store"
	"coursepilot/internal/workflow"

	"github.com/spf13/cobra"
)

var (
	outcomeBatch  int
	outcomeStatus string
	outcomeLimit  int
)

// storeCmd manages the configuration store
var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage stored batches and the outcome ledger",
}

var storeImportCmd = &cobra.Command{
	Use:   "import [batch.yaml...]",
	Short: "Validate batch files and save them with their templates",
	Args:  cobra.MinimumNArgs(1),
	RunE:  storeImport,
}

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored batches",
	RunE:  storeList,
}

var storeOutcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Show recorded workflow outcomes, newest first",
	RunE:  storeOutcomes,
}

func init() {
	storeOutcomesCmd.Flags().IntVar(&outcomeBatch, "batch", 0, "Only outcomes of this batch")
	storeOutcomesCmd.Flags().StringVar(&outcomeStatus, "status", "", "Only outcomes with this status")
	storeOutcomesCmd.Flags().IntVar(&outcomeLimit, "limit", 50, "Maximum rows")
	storeCmd.AddCommand(storeImportCmd, storeListCmd, storeOutcomesCmd)
}

func openStore() (*store.Store, error) {
	return store.Open(cfg.Store.DatabasePath)
}

func storeImport(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	for _, path := range args {
		b, err := pool.LoadBatchFile(path, batchDefaults(cfg))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := st.SaveBatch(cmdContext(cmd), b); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported batch %d (template %s, %d credential(s))\n",
			b.No, b.Template.ID, len(pool.Dedup(b.Credentials)))
	}
	return nil
}

func storeList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	batches, err := st.ListBatches(cmdContext(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(batches) == 0 {
		fmt.Fprintln(out, "No batches stored")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NO\tTEMPLATE\tCREDENTIALS\tCREATED")
	for _, b := range batches {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", b.No, b.TemplateID, b.Credentials, b.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func storeOutcomes(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	outcomes, err := st.Outcomes(cmdContext(cmd), store.OutcomeFilter{
		BatchNo: outcomeBatch,
		Status:  workflow.Status(outcomeStatus),
		Limit:   outcomeLimit,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(outcomes) == 0 {
		fmt.Fprintln(out, "No outcomes recorded")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tWORKFLOW\tUSER\tSTATUS\tREAUTHS\tMESSAGE")
	for _, o := range outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", o.FinishedAt.Local().Format("01-02 15:04:05"),
			fallback(o.WorkflowID, "-"), fallback(o.Username, "-"), o.Status, o.Reauths, o.Message)
	}
	return tw.Flush()
}
