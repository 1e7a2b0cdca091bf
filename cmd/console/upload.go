package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/progress"
	"github.com/feichai0017/building-console/internal/submission"
)

type uploadOptions struct {
	building    string
	kind        string
	floor       string
	title       string
	category    string
	description string
	tags        []string
	lat, lon    float64
}

func newUploadCommand(a *app) *cobra.Command {
	var opts uploadOptions

	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a document or photo to a building",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := models.Destination{
				Kind:       models.SubmissionKind(opts.kind),
				BuildingID: opts.building,
				FloorID:    opts.floor,
				Metadata: models.Metadata{
					Title:       opts.title,
					Category:    opts.category,
					Description: opts.description,
					Tags:        opts.tags,
				},
			}
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
				dest.Metadata.Location = &models.GeoPoint{Latitude: opts.lat, Longitude: opts.lon}
			}

			switch dest.Kind {
			case models.SubmissionDocument:
				return runUpload[models.Document](commandContext(cmd), a, args[0], dest, cmd.ErrOrStderr())
			case models.SubmissionPhoto:
				return runUpload[models.Photo](commandContext(cmd), a, args[0], dest, cmd.ErrOrStderr())
			default:
				return fmt.Errorf("unsupported kind %q (document or photo)", opts.kind)
			}
		},
	}

	cmd.Flags().StringVar(&opts.building, "building", "", "Building id")
	cmd.Flags().StringVar(&opts.kind, "kind", "document", "Artifact kind: document or photo")
	cmd.Flags().StringVar(&opts.floor, "floor", "", "Optional floor id")
	cmd.Flags().StringVar(&opts.title, "title", "", "Title")
	cmd.Flags().StringVar(&opts.category, "category", "", "Category")
	cmd.Flags().StringVar(&opts.description, "description", "", "Description")
	cmd.Flags().StringSliceVar(&opts.tags, "tags", nil, "Comma separated tags")
	cmd.Flags().Float64Var(&opts.lat, "lat", 0, "Capture latitude")
	cmd.Flags().Float64Var(&opts.lon, "lon", 0, "Capture longitude")
	_ = cmd.MarkFlagRequired("building")
	return cmd
}

func runUpload[T models.Entity](ctx context.Context, a *app, path string, dest models.Destination, out io.Writer) error {
	artifact, err := models.NewFileArtifact(path)
	if err != nil {
		return err
	}
	policy, err := a.policy(dest.Kind)
	if err != nil {
		return err
	}

	reporter := progress.NewReporter(a.client, a.log)
	m := submission.NewMachine(dest.Kind, policy, reporter, submission.DecodeEntity[T](), a.log)
	bar := newProgressBar(out, artifact.Name)
	m.OnChange(func(s submission.Snapshot[T]) {
		if s.State == submission.StateTransferring || s.State == submission.StateCommitting {
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
	defer stop()

	if err := m.Submit(ctx, dest); err != nil {
		return err
	}
	snap, err := m.Await(ctx, submission.StateSucceeded, submission.StateFailed, submission.StateIdle)
	bar.Done()
	if err != nil {
		return err
	}

	switch snap.State {
	case submission.StateSucceeded:
		entity, err := m.Dismiss()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Uploaded %s %s\n", dest.Kind, entity.EntityID())
		return nil
	case submission.StateFailed:
		return snap.Err
	default:
		return errors.New("upload cancelled")
	}
}

// cancelOnInterrupt calls cancel on the first SIGINT. The returned func stops listening.
func cancelOnInterrupt(cancel func()) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-sig:
			cancel()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}
