package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/progress"
	"github.com/feichai0017/building-console/internal/submission"
)

func newImportBIMCommand(a *app) *cobra.Command {
	var (
		buildingID string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "import-bim FILE",
		Short: "Import an IFC model, review the preview and commit or discard it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm := func(*models.ImportPreview) bool { return yes }
			if !yes {
				confirm = promptConfirm(cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return runImportBIM(commandContext(cmd), a, args[0], buildingID, confirm, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&buildingID, "building", "", "Building id")
	cmd.Flags().BoolVar(&yes, "yes", false, "Commit the preview without asking")
	_ = cmd.MarkFlagRequired("building")
	return cmd
}

func promptConfirm(in io.Reader, out io.Writer) func(*models.ImportPreview) bool {
	return func(p *models.ImportPreview) bool {
		fmt.Fprintf(out, "Create %d floor plans? [y/N] ", len(p.Floors))
		line, _ := bufio.NewReader(in).ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

func runImportBIM(ctx context.Context, a *app, path, buildingID string, confirm func(*models.ImportPreview) bool, out, errOut io.Writer) error {
	artifact, err := models.NewFileArtifact(path)
	if err != nil {
		return err
	}
	policy, err := a.policy(models.SubmissionBIM)
	if err != nil {
		return err
	}

	reporter := progress.NewReporter(a.client, a.log)
	m := submission.NewMachine(models.SubmissionBIM, policy, reporter, a.client.BIMCommitter(), a.log)
	bar := newProgressBar(errOut, artifact.Name)
	m.OnChange(func(s submission.Snapshot[[]models.FloorPlan]) {
		if s.State == submission.StateTransferring {
			bar.Update(s.Progress)
		}
	})

	if err := m.Select(artifact); err != nil {
		return err
	}
	if snap := m.Snapshot(); snap.State == submission.StateFailed {
		return snap.Err
	}

	stop := cancelOnInterrupt(m.Cancel)
	err = m.Submit(ctx, models.Destination{BuildingID: buildingID})
	if err != nil {
		stop()
		return err
	}
	snap, err := m.Await(ctx, submission.StatePreviewing, submission.StateFailed, submission.StateIdle)
	stop()
	bar.Done()
	if err != nil {
		return err
	}
	switch snap.State {
	case submission.StateFailed:
		return snap.Err
	case submission.StateIdle:
		return errors.New("import cancelled")
	}

	writePreview(out, snap.Preview)
	if !confirm(snap.Preview) {
		if err := m.DiscardPreview(); err != nil {
			return err
		}
		fmt.Fprintln(out, "Preview discarded")
		return nil
	}

	if err := m.ConfirmPreview(ctx); err != nil {
		return err
	}
	snap, err = m.Await(ctx, submission.StateSucceeded, submission.StateFailed)
	if err != nil {
		return err
	}
	if snap.State == submission.StateFailed {
		return snap.Err
	}
	plans, err := m.Dismiss()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Created %d floor plans\n", len(plans))
	return nil
}
