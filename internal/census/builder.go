package census

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/careops/censusd/internal/fhir"
	"github.com/careops/censusd/internal/snapshot"
	"github.com/careops/censusd/internal/source"
)

// Fetcher provides patient listings and bundles from the record source.
type Fetcher interface {
	FetchPatientList(ctx context.Context, count int) ([]fhir.Resource, error)
	FetchBundle(ctx context.Context, patientID string) (*source.Bundle, error)
}

// Warehouse is the stored-cohort read surface.
type Warehouse interface {
	LoadCensus(ctx context.Context, limit int) ([]PatientSummary, error)
	Ping(ctx context.Context) error
}

// Options tunes cohort assembly.
type Options struct {
	// Target is the cohort size the builder assembles.
	Target int
	// MinAccept is the smallest stored cohort worth serving without a crawl.
	MinAccept int
	// BatchSize bounds how many patients are processed concurrently.
	BatchSize int
	// OverfetchMultiplier widens the id crawl to absorb unusable bundles.
	OverfetchMultiplier int
	// PlaceholderDiagnoses are diagnosis strings that mark a seeded, not
	// synced, patient row.
	PlaceholderDiagnoses []string
	// StaleThreshold is the placeholder share above which a stored cohort
	// is rejected, 0..1.
	StaleThreshold float64
	// LookbackHours is the observation window applied while transforming
	// crawled bundles.
	LookbackHours int
	// BatchPause is the idle gap between crawl batches.
	BatchPause time.Duration
}

// Builder assembles the patient cohort, preferring the warehouse read path
// and falling back to a live crawl. Concurrent crawls for the same target
// coalesce into one.
type Builder struct {
	fetcher     Fetcher
	transformer *snapshot.Transformer
	store       Warehouse // nil means crawl-only
	opts        Options
	log         zerolog.Logger

	group singleflight.Group
}

func NewBuilder(fetcher Fetcher, transformer *snapshot.Transformer, store Warehouse, opts Options, logger zerolog.Logger) *Builder {
	if opts.Target < 1 {
		opts.Target = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.OverfetchMultiplier < 1 {
		opts.OverfetchMultiplier = 1
	}
	return &Builder{
		fetcher:     fetcher,
		transformer: transformer,
		store:       store,
		opts:        opts,
		log:         logger.With().Str("component", "census").Logger(),
	}
}

// GetCensus returns the cohort. The stored cohort is served when it is large
// enough and not dominated by placeholder rows; otherwise, or when
// forceRefresh is set, the builder crawls the source. onUpdate receives the
// partial cohort as the crawl progresses and may be nil.
func (b *Builder) GetCensus(ctx context.Context, forceRefresh bool, onUpdate func([]PatientSummary)) ([]PatientSummary, error) {
	if !forceRefresh && b.store != nil {
		if err := b.store.Ping(ctx); err != nil {
			b.log.Warn().Err(err).Msg("warehouse unreachable, crawling source")
		} else {
			stored, err := b.store.LoadCensus(ctx, b.opts.Target)
			switch {
			case err != nil:
				b.log.Warn().Err(err).Msg("stored census load failed, crawling source")
			case b.acceptStored(stored):
				b.log.Info().Int("patients", len(stored)).Msg("serving stored census")
				return stored, nil
			default:
				b.log.Info().Int("patients", len(stored)).Msg("stored census rejected, crawling source")
			}
		}
	}
	return b.BuildCensus(ctx, b.opts.Target, onUpdate)
}

// acceptStored applies the placeholder heuristic: a stored cohort is served
// only when it meets the minimum size and the share of placeholder diagnoses
// stays below the threshold.
func (b *Builder) acceptStored(stored []PatientSummary) bool {
	if len(stored) < b.opts.MinAccept {
		return false
	}
	if len(b.opts.PlaceholderDiagnoses) == 0 {
		return true
	}
	placeholders := 0
	for _, s := range stored {
		if b.isPlaceholder(s.Diagnosis) {
			placeholders++
		}
	}
	share := float64(placeholders) / float64(len(stored))
	return share < b.opts.StaleThreshold
}

func (b *Builder) isPlaceholder(diagnosis string) bool {
	for _, p := range b.opts.PlaceholderDiagnoses {
		if strings.EqualFold(strings.TrimSpace(diagnosis), p) {
			return true
		}
	}
	return false
}

// BuildCensus crawls the source for a cohort of the given size. Concurrent
// calls with the same target share one crawl and its result; only the call
// that runs the crawl reports progress through its onUpdate.
func (b *Builder) BuildCensus(ctx context.Context, target int, onUpdate func([]PatientSummary)) ([]PatientSummary, error) {
	key := fmt.Sprintf("build:%d", target)
	v, err, shared := b.group.Do(key, func() (any, error) {
		return b.crawl(ctx, target, onUpdate)
	})
	if err != nil {
		return nil, err
	}
	out := v.([]PatientSummary)
	if shared {
		out = append([]PatientSummary(nil), out...)
	}
	return out, nil
}

func (b *Builder) crawl(ctx context.Context, target int, onUpdate func([]PatientSummary)) ([]PatientSummary, error) {
	start := time.Now()
	patients, err := b.fetcher.FetchPatientList(ctx, target*b.opts.OverfetchMultiplier)
	if err != nil {
		return nil, fmt.Errorf("fetch patient list: %w", err)
	}
	ids := dedupeIDs(patients)
	b.log.Info().Int("candidates", len(ids)).Int("target", target).Msg("census crawl started")

	var (
		mu      sync.Mutex
		cohort  []PatientSummary
		skipped int
	)

	for batchStart := 0; batchStart < len(ids); batchStart += b.opts.BatchSize {
		mu.Lock()
		have := len(cohort)
		mu.Unlock()
		if have >= target {
			break
		}

		end := batchStart + b.opts.BatchSize
		if end > len(ids) {
			end = len(ids)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range ids[batchStart:end] {
			id := id
			g.Go(func() error {
				// One patient failing must not abort the cohort build: the
				// failure is absorbed here as a skip, like a bundle without
				// demographics.
				bundle, err := b.fetcher.FetchBundle(gctx, id)
				if err != nil {
					b.log.Warn().Str("patient_id", id).Err(err).Msg("skipping patient, bundle fetch failed")
					mu.Lock()
					skipped++
					mu.Unlock()
					return nil
				}
				snap := b.transformer.Transform(id, bundle, b.opts.LookbackHours)
				if !snap.Usable() {
					b.log.Warn().Str("patient_id", id).Msg("skipping patient without demographics")
					mu.Lock()
					skipped++
					mu.Unlock()
					return nil
				}
				summary := SummaryFromSnapshot(snap)

				mu.Lock()
				cohort = append(cohort, summary)
				sort.SliceStable(cohort, func(i, j int) bool {
					return cohort[i].RiskScore > cohort[j].RiskScore
				})
				view := append([]PatientSummary(nil), cohort...)
				mu.Unlock()

				if onUpdate != nil {
					onUpdate(view)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		mu.Lock()
		have = len(cohort)
		mu.Unlock()
		if end < len(ids) && have < target && b.opts.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.opts.BatchPause):
			}
		}
	}

	if len(cohort) > target {
		cohort = cohort[:target]
	}
	b.log.Info().
		Int("patients", len(cohort)).
		Int("skipped", skipped).
		Dur("elapsed", time.Since(start)).
		Msg("census crawl finished")
	return cohort, nil
}

func dedupeIDs(patients []fhir.Resource) []string {
	seen := make(map[string]struct{}, len(patients))
	out := make([]string, 0, len(patients))
	for _, p := range patients {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p.ID)
	}
	return out
}
