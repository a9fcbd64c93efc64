package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/risk"
	"github.com/akriventsev/ledgersaga/framework/saga"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect risk policies",
	}

	var (
		planPath string
		strict   bool
	)
	check := &cobra.Command{
		Use:   "check FILE",
		Short: "Validate a policy file and optionally dry-run a plan against it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			policy, err := risk.ParsePolicy(data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Policy %q is valid\n", policy.Version)
			fmt.Fprintf(out, "Levels: medium>=%.0f high>=%.0f critical>=%.0f, approval>=%.0f\n",
				policy.Levels.Medium, policy.Levels.High, policy.Levels.Critical, policy.ApprovalThreshold)
			if planPath == "" {
				return nil
			}
			return dryRunPlan(cmd, policy, planPath, strict)
		},
	}
	check.Flags().StringVar(&planPath, "plan", "", "JSON action plan to validate against the policy")
	check.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	cmd.AddCommand(check)
	return cmd
}

func dryRunPlan(cmd *cobra.Command, policy *risk.Policy, path string, strict bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var plan saga.ActionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return core.Wrap(err, core.ErrInvalidPlan, "failed to parse plan")
	}

	ctx := cmd.Context()
	gate, err := risk.NewGate(ctx, risk.NewStaticSource(policy))
	if err != nil {
		return err
	}
	var opts []risk.ValidateOption
	if strict {
		opts = append(opts, risk.WithStrictMode())
	}
	result, err := gate.Validate(ctx, plan.Proposed(), plan.Client, opts...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tACTION\tLEVEL\tSCORE\tAPPROVAL\tRULES")
	for i, a := range result.Assessments {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.0f\t%t\t%v\n", i, a.ActionType, a.Level, a.Score, a.RequiresApproval, a.TriggeredRules)
	}
	_ = tw.Flush()
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning: step %d %s: %s\n", w.ActionIndex, w.Rule, w.Message)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(out, "error: step %d %s: %s\n", e.ActionIndex, e.Rule, e.Message)
	}
	fmt.Fprintf(out, "Overall risk: %s, requires approval: %t\n", result.OverallRisk, result.RequiresApproval)
	if !result.Valid {
		return core.Errorf(core.ErrInvalidPlan, "plan rejected with %d error(s)", len(result.Errors))
	}
	return nil
}
