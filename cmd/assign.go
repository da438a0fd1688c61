package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/sells-group/assignment-service/internal/assign"
	"github.com/sells-group/assignment-service/internal/config"
)

var (
	recommendLimit int

	manualCAID     string
	manualAdminID  string
	manualReason   string
	manualOverride bool

	overrideCAID    string
	overrideAdminID string
	overrideReason  string
)

// withOrchestrator opens the store, runs op against a fresh orchestrator and
// prints its result as JSON.
func withOrchestrator(ctx context.Context, c *config.Config, out io.Writer, op func(*assign.Orchestrator) (any, error)) error {
	if err := c.Validate("assign"); err != nil {
		return err
	}
	st, err := initStore(ctx, c)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	orch, err := initOrchestrator(c, st)
	if err != nil {
		return err
	}
	res, err := op(orch)
	if err != nil {
		return err
	}
	return writeJSON(out, res)
}

var assignCmd = &cobra.Command{
	Use:   "assign <request-id>",
	Short: "Auto-assign a service request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd.Context(), cfg, cmd.OutOrStdout(), func(o *assign.Orchestrator) (any, error) {
			return o.AssignServiceRequest(cmd.Context(), args[0])
		})
	},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend <request-id>",
	Short: "List ranked candidates for a service request without assigning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd.Context(), cfg, cmd.OutOrStdout(), func(o *assign.Orchestrator) (any, error) {
			return o.GetRecommendations(cmd.Context(), args[0], recommendLimit)
		})
	},
}

var manualAssignCmd = &cobra.Command{
	Use:   "manual-assign <request-id>",
	Short: "Assign a service request to a chosen member on behalf of a firm admin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd.Context(), cfg, cmd.OutOrStdout(), func(o *assign.Orchestrator) (any, error) {
			return o.ManualAssignment(cmd.Context(), assign.ManualAssignmentCommand{
				RequestID:              args[0],
				CAID:                   manualCAID,
				AdminID:                manualAdminID,
				Reason:                 manualReason,
				OverrideSpecialization: manualOverride,
			})
		})
	},
}

var overrideCmd = &cobra.Command{
	Use:   "override <request-id>",
	Short: "Move a service request to another member",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(cmd.Context(), cfg, cmd.OutOrStdout(), func(o *assign.Orchestrator) (any, error) {
			return o.OverrideAssignment(cmd.Context(), assign.OverrideCommand{
				RequestID: args[0],
				NewCAID:   overrideCAID,
				AdminID:   overrideAdminID,
				Reason:    overrideReason,
			})
		})
	},
}

func init() {
	recommendCmd.Flags().IntVar(&recommendLimit, "limit", 0, "maximum candidates to return (default from config)")

	manualAssignCmd.Flags().StringVar(&manualCAID, "ca", "", "member to assign (required)")
	manualAssignCmd.Flags().StringVar(&manualAdminID, "admin", "", "acting firm admin (required)")
	manualAssignCmd.Flags().StringVar(&manualReason, "reason", "", "reason recorded in the assignment history")
	manualAssignCmd.Flags().BoolVar(&manualOverride, "override-specialization", false, "allow a member without the requested specialization")
	_ = manualAssignCmd.MarkFlagRequired("ca")
	_ = manualAssignCmd.MarkFlagRequired("admin")

	overrideCmd.Flags().StringVar(&overrideCAID, "ca", "", "member to move the request to (required)")
	overrideCmd.Flags().StringVar(&overrideAdminID, "admin", "", "acting firm admin (required)")
	overrideCmd.Flags().StringVar(&overrideReason, "reason", "", "reason for the override (required)")
	_ = overrideCmd.MarkFlagRequired("ca")
	_ = overrideCmd.MarkFlagRequired("admin")
	_ = overrideCmd.MarkFlagRequired("reason")

	rootCmd.AddCommand(assignCmd, recommendCmd, manualAssignCmd, overrideCmd)
}
