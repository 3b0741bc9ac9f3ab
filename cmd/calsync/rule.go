package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/beekhof/calensync/internal/model"
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage sync rules",
}

var (
	ruleSummary     string
	ruleDescription string
)

var ruleAddCmd = &cobra.Command{
	Use:   "add <source-id> <destination-id>",
	Short: "Create a rule and copy upcoming events",
	Long: fmt.Sprintf(`Creates a sync rule from the source calendar to the destination calendar,
copies the upcoming events and subscribes to change notifications for the
source when a webhook URL is configured.

--summary and --description are templates; %s is replaced by the source
event's text. Without a summary, copies are titled %q.`, model.Placeholder, model.DefaultSummary),
	Args: cobra.ExactArgs(2),
	RunE: runRuleAdd,
}

var ruleDeleteCmd = &cobra.Command{
	Use:   "delete <rule-id>",
	Short: "Delete a rule and remove its copies",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleDelete,
}

func init() {
	ruleAddCmd.Flags().StringVar(&ruleSummary, "summary", "", "summary template for copies")
	ruleAddCmd.Flags().StringVar(&ruleDescription, "description", "", "description template for copies")

	ruleCmd.AddCommand(ruleAddCmd, ruleDeleteCmd)
	rootCmd.AddCommand(ruleCmd)
}

func runRuleAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rule, err := a.propagator.AddRule(ctx, model.SyncRule{
		SourceID:      args[0],
		DestinationID: args[1],
		Summary:       ruleSummary,
		Description:   ruleDescription,
	})
	if err != nil {
		return fmt.Errorf("failed to add rule: %w", err)
	}
	cmd.Printf("Created rule %s\n", rule.ID)

	n, err := a.propagator.InitialSync(ctx, rule.ID)
	if err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}
	cmd.Printf("Copied %d event(s).\n", n)
	return nil
}

func runRuleDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.propagator.DeleteRule(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	cmd.Printf("Deleted rule %s and removed %d copy(ies).\n", args[0], n)
	return nil
}
