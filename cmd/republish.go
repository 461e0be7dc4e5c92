package cmd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"example.com/backstage/services/powerwatch/internal/core"
	"example.com/backstage/services/powerwatch/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const dryRunPreview = 20

// republishFlags mirrors the command line of `powerwatch republish`.
type republishFlags struct {
	serial      string
	from        string
	to          string
	limit       int
	concurrency int
	dryRun      bool
}

var republishOpts republishFlags

var republishCmd = &cobra.Command{
	Use:   "republish",
	Short: "Send stored recommendations to the broker again",
	Long: `Replays recommendations created inside [--start, --end) to the configured
broker, oldest first. Use it after a broker outage or to backfill a new
consumer. --dry-run lists what would be sent.`,
	Example: `  powerwatch republish --start 2024-05-01T00:00:00Z --device SN-NEO-0001
  powerwatch republish --start 2024-05-01T00:00:00Z --end 2024-05-02T00:00:00Z --dry-run`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runRepublish(cmd.Context(), republishOpts)
	},
}

func init() {
	rootCmd.AddCommand(republishCmd)

	f := republishCmd.Flags()
	f.StringVarP(&republishOpts.serial, "device", "d", "", "only recommendations for this serial number")
	f.StringVarP(&republishOpts.from, "start", "s", "", "window start, RFC3339 (inclusive)")
	f.StringVarP(&republishOpts.to, "end", "e", "", "window end, RFC3339 (exclusive, default now)")
	f.IntVarP(&republishOpts.limit, "limit", "l", 1000, "maximum recommendations to send")
	f.IntVar(&republishOpts.concurrency, "concurrency", 10, "parallel publish calls")
	f.BoolVar(&republishOpts.dryRun, "dry-run", false, "list matches without publishing")
	_ = republishCmd.MarkFlagRequired("start")
}

// RepublishWindow selects the recommendations to replay.
type RepublishWindow struct {
	Serial string
	From   time.Time
	To     time.Time
	Limit  int
}

// window parses the flag values; an empty end means now.
func (f republishFlags) window(now time.Time) (RepublishWindow, error) {
	w := RepublishWindow{Serial: f.serial, Limit: f.limit, To: now.UTC()}

	from, err := time.Parse(time.RFC3339, f.from)
	if err != nil {
		return w, fmt.Errorf("--start: %w", err)
	}
	w.From = from.UTC()

	if f.to != "" {
		to, err := time.Parse(time.RFC3339, f.to)
		if err != nil {
			return w, fmt.Errorf("--end: %w", err)
		}
		w.To = to.UTC()
	}
	if !w.To.After(w.From) {
		return w, fmt.Errorf("--end %s is not after --start %s", w.To.Format(time.RFC3339), w.From.Format(time.RFC3339))
	}
	return w, nil
}

// RepublishResult counts the outcome of one replay.
type RepublishResult struct {
	Matched   int
	Sent      int
	FailedIDs []uint
}

// Republisher replays stored recommendations through a Publisher.
type Republisher struct {
	repo        core.Repository
	publisher   core.Publisher
	logger      *logrus.Logger
	concurrency int
	dryRun      bool
}

func runRepublish(ctx context.Context, opts republishFlags) error {
	window, err := opts.window(time.Now())
	if err != nil {
		return err
	}

	db, err := infrastructure.NewDatabase(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	publisher, closePublisher, err := newPublisher()
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	if closePublisher != nil {
		defer closePublisher()
	}
	if publisher == nil && !opts.dryRun {
		return errors.New("messaging.driver is none, there is no broker to republish to")
	}

	r := &Republisher{
		repo:        core.NewRepository(db.DB),
		publisher:   publisher,
		logger:      logger,
		concurrency: opts.concurrency,
		dryRun:      opts.dryRun,
	}
	result, err := r.Run(ctx, window)
	if err != nil {
		return err
	}
	if n := len(result.FailedIDs); n > 0 {
		return fmt.Errorf("%d of %d recommendations were not republished: %v", n, result.Matched, result.FailedIDs)
	}
	return nil
}

// Run publishes every recommendation in w, oldest first. A failed publish is
// recorded in the result and does not stop the others.
func (r *Republisher) Run(ctx context.Context, w RepublishWindow) (*RepublishResult, error) {
	var deviceID uint
	if w.Serial != "" {
		device, err := r.repo.GetDeviceBySerial(ctx, w.Serial)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", w.Serial, err)
		}
		deviceID = device.ID
	}

	recs, err := r.repo.ListRecommendationsBetween(ctx, deviceID, w.From, w.To, w.Limit)
	if err != nil {
		return nil, err
	}
	result := &RepublishResult{Matched: len(recs)}
	log := r.logger.WithFields(logrus.Fields{
		"from":    w.From,
		"to":      w.To,
		"serial":  w.Serial,
		"matched": len(recs),
		"dry_run": r.dryRun,
	})

	if r.dryRun {
		for _, rec := range recs[:min(len(recs), dryRunPreview)] {
			log.WithFields(logrus.Fields{
				"recommendation_id": rec.ID,
				"device_id":         rec.DeviceID,
				"type":              rec.Type,
				"created_at":        rec.CreatedAt,
			}).Info("Would republish")
		}
		log.Info("Dry run finished")
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.concurrency, 1))
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			err := r.publisher.Publish(gctx, core.TopicRecommendations, core.NewRecommendationMessage(rec, ""))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.FailedIDs = append(result.FailedIDs, rec.ID)
				log.WithError(err).WithField("recommendation_id", rec.ID).Warn("Republish failed")
				return nil
			}
			result.Sent++
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(result.FailedIDs)

	log.WithFields(logrus.Fields{
		"sent":   result.Sent,
		"failed": len(result.FailedIDs),
	}).Info("Republish finished")
	return result, nil
}
