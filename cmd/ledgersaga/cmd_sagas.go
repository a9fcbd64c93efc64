package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/akriventsev/ledgersaga/framework/saga"
)

func (a *app) withStore(fn func(ctx context.Context, cmd *cobra.Command, store saga.SagaStore, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, closeStore, err := a.openStore(ctx, a.cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		return fn(ctx, cmd, store, args)
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		compensating bool
		document     string
		limit        int
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sagas awaiting compensation or created for a document",
		Args:  cobra.NoArgs,
		RunE: a.withStore(func(ctx context.Context, cmd *cobra.Command, store saga.SagaStore, args []string) error {
			var (
				sagas []*saga.Saga
				err   error
			)
			switch {
			case document != "":
				sagas, err = store.ListByDocument(ctx, document)
			case compensating:
				sagas, err = store.ListCompensating(ctx, limit)
			default:
				return fmt.Errorf("one of --compensating or --document is required")
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), sagas)
			}
			printSagas(cmd.OutOrStdout(), sagas)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&compensating, "compensating", false, "list sagas stuck in compensating, oldest failure first")
	cmd.Flags().StringVar(&document, "document", "", "list sagas created for the source document (email) id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of compensating sagas")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.MarkFlagsMutuallyExclusive("compensating", "document")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show SAGA_ID",
		Short: "Show a saga with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: a.withStore(func(ctx context.Context, cmd *cobra.Command, store saga.SagaStore, args []string) error {
			s, err := store.GetSaga(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			printSaga(cmd.OutOrStdout(), s)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newApproveCmd(a *app) *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "approve SAGA_ID STEP",
		Short: "Queue an approval for a step awaiting review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.pushDecision(cmd, args, true, "", by)
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "reviewer identity")
	return cmd
}

func newRejectCmd(a *app) *cobra.Command {
	var reason, by string
	cmd := &cobra.Command{
		Use:   "reject SAGA_ID STEP",
		Short: "Queue a rejection; the saga fails and executed steps are compensated",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.pushDecision(cmd, args, false, reason, by)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason recorded on the saga")
	cmd.Flags().StringVar(&by, "by", "", "reviewer identity")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func (a *app) pushDecision(cmd *cobra.Command, args []string, approved bool, reason, by string) error {
	step, err := strconv.Atoi(args[1])
	if err != nil || step < 0 {
		return fmt.Errorf("invalid step index %q", args[1])
	}
	ctx := cmd.Context()
	queue, closeQueue, err := a.openQueue(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer closeQueue()

	d := saga.Decision{SagaID: args[0], StepIndex: step, Approved: approved, Reason: reason, DecidedBy: by}
	if err := queue.Push(ctx, d); err != nil {
		return err
	}
	verb := "approval"
	if !approved {
		verb = "rejection"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s for saga %s step %d\n", verb, d.SagaID, d.StepIndex)
	return nil
}

func printSagas(w io.Writer, sagas []*saga.Saga) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDOCUMENT\tSTATUS\tSTEP\tERROR")
	for _, s := range sagas {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n", s.ID, s.EmailID, s.Status, s.CurrentStep, s.TotalSteps, s.Error)
	}
	_ = tw.Flush()
}

func printSaga(w io.Writer, s *saga.Saga) {
	fmt.Fprintf(w, "Saga:     %s\n", s.ID)
	fmt.Fprintf(w, "Document: %s\n", s.EmailID)
	fmt.Fprintf(w, "Client:   %s\n", s.Client.ID)
	fmt.Fprintf(w, "Status:   %s (step %d/%d)\n", s.Status, s.CurrentStep, s.TotalSteps)
	if s.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", s.Error)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tACTION\tTARGET\tAPPROVAL\tEXECUTED\tEXTERNAL ID\tCOMPENSATION")
	for i, st := range s.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%s\t%s\n", i, st.ActionType, st.TargetSystem, approvalOf(st), st.Executed, st.ExternalID, compensationOf(st))
	}
	_ = tw.Flush()
}

func approvalOf(st saga.StepDefinition) string {
	if st.Approval == "" {
		return "-"
	}
	return string(st.Approval)
}

func compensationOf(st saga.StepDefinition) string {
	switch {
	case st.Compensated:
		return "compensated"
	case st.CompensationSkipped:
		return "skipped"
	case st.CompensationError != "":
		return "failed: " + st.CompensationError
	default:
		return "-"
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
