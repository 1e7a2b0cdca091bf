package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/building-console/internal/apiclient"
	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/realtime"
	"github.com/feichai0017/building-console/internal/reconcile"
	"github.com/feichai0017/building-console/internal/store"
	"github.com/feichai0017/building-console/pkg/bus"
	"github.com/feichai0017/building-console/pkg/logger"
)

func newWatchCommand(a *app) *cobra.Command {
	var (
		buildingID string
		tab        string
		natsURL    string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live changes to a building and keep its collections fresh",
		Long: "Joins the building's change channel and refetches what the active tab shows.\n" +
			"Commands on stdin: tab NAME, dismiss, status, quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			nb, err := bus.New(natsURL, a.log)
			if err != nil {
				return fmt.Errorf("connect to NATS: %w", err)
			}
			defer nb.Close()

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt)
			defer stop()
			return runWatch(ctx, a, realtime.NewBusTransport(nb), buildingID, reconcile.ParseTab(tab), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&buildingID, "building", "", "Building id")
	cmd.Flags().StringVar(&tab, "tab", string(reconcile.TabOverview), "Active tab: overview, floor_plans, documents, photos, inspections, devices")
	cmd.Flags().StringVar(&natsURL, "nats", a.cfg.NatsURL, "NATS server URL")
	_ = cmd.MarkFlagRequired("building")
	return cmd
}

// session is the cached state of one building detail view.
type session struct {
	building    *store.Record[models.Building]
	floorPlans  *store.Store[models.FloorPlan]
	documents   *store.Store[models.Document]
	photos      *store.Store[models.Photo]
	inspections *store.Store[models.Inspection]
	devices     *store.Store[models.Device]
}

func newSession(client *apiclient.Client, log logger.Logger) *session {
	return &session{
		building:    store.NewRecord[models.Building](models.KindBuilding, apiclient.NewBuildings(client), log),
		floorPlans:  store.New[models.FloorPlan](models.KindFloorPlan, apiclient.NewCollection[models.FloorPlan](client, models.KindFloorPlan), log),
		documents:   store.New[models.Document](models.KindDocument, apiclient.NewCollection[models.Document](client, models.KindDocument), log),
		photos:      store.New[models.Photo](models.KindPhoto, apiclient.NewCollection[models.Photo](client, models.KindPhoto), log),
		inspections: store.New[models.Inspection](models.KindInspection, apiclient.NewCollection[models.Inspection](client, models.KindInspection), log),
		devices:     store.New[models.Device](models.KindDevice, apiclient.NewCollection[models.Device](client, models.KindDevice), log),
	}
}

func (s *session) register(d *reconcile.Dispatcher) {
	d.Register(models.KindBuilding, s.building)
	d.Register(models.KindFloorPlan, s.floorPlans)
	d.Register(models.KindDocument, s.documents)
	d.Register(models.KindPhoto, s.photos)
	d.Register(models.KindInspection, s.inspections)
	d.Register(models.KindDevice, s.devices)
}

// load fetches every collection concurrently. Failures stay in each store's error field.
func (s *session) load(ctx context.Context, buildingID string) {
	var g errgroup.Group
	g.Go(func() error { _, err := s.building.Load(ctx, buildingID); return err })
	g.Go(func() error { _, err := s.floorPlans.Fetch(ctx, buildingID, models.Filters{}); return err })
	g.Go(func() error { _, err := s.documents.Fetch(ctx, buildingID, models.Filters{}); return err })
	g.Go(func() error { _, err := s.photos.Fetch(ctx, buildingID, models.Filters{}); return err })
	g.Go(func() error { _, err := s.inspections.Fetch(ctx, buildingID, models.Filters{}); return err })
	g.Go(func() error { _, err := s.devices.Fetch(ctx, buildingID, models.Filters{}); return err })
	_ = g.Wait()
}

func (s *session) status(out io.Writer) {
	name := "?"
	if b, ok := s.building.Get(); ok {
		name = b.Name
	}
	fmt.Fprintf(out, "%s: %d floor plans, %d documents, %d photos, %d inspections, %d devices\n",
		name, len(s.floorPlans.Items()), len(s.documents.Items()), len(s.photos.Items()),
		len(s.inspections.Items()), len(s.devices.Items()))
	for _, e := range []string{s.building.Err(), s.floorPlans.Err(), s.documents.Err(), s.photos.Err(), s.inspections.Err(), s.devices.Err()} {
		if e != "" {
			fmt.Fprintf(out, "  error: %s\n", e)
		}
	}
}

func runWatch(ctx context.Context, a *app, transport realtime.Transport, buildingID string, tab reconcile.Tab, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var outMu sync.Mutex
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	sess := newSession(a.client, a.log)
	sess.load(ctx, buildingID)
	sess.status(out)

	ch := realtime.NewChannel(transport, a.log)
	defer ch.Close()
	if err := ch.Join(ctx, buildingID); err != nil {
		return err
	}

	d := reconcile.NewDispatcher(a.log,
		reconcile.WithNoticeTTL(durationOr(a.cfg.NoticeTTL, reconcile.DefaultNoticeTTL)),
		reconcile.WithActiveTab(tab),
	)
	defer d.Close()
	sess.register(d)
	d.OnNotice(func(text string) {
		if text != "" {
			printf("* %s\n", text)
		}
	})
	printf("Watching %s on tab %s\n", buildingID, tab)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := d.Run(gctx, ch)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// stdin 读取无法中断, 不纳入 errgroup
	go func() {
		defer cancel()
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "tab":
				if len(fields) > 1 {
					d.SetActiveTab(gctx, reconcile.ParseTab(fields[1]))
					printf("Active tab: %s\n", d.ActiveTab())
				}
			case "dismiss":
				d.DismissNotice()
			case "status":
				outMu.Lock()
				sess.status(out)
				outMu.Unlock()
			case "quit", "exit":
				return
			default:
				printf("unknown command %q\n", fields[0])
			}
		}
	}()

	err := g.Wait()
	if leaveErr := ch.Leave(buildingID); leaveErr != nil {
		a.log.Warn("Failed to leave scope", logger.Error(leaveErr))
	}
	return err
}
