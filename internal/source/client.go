// Package source fetches clinical resources for a patient from the upstream
// FHIR record source. Bundles are cached with a TTL, individual resource-kind
// fetches retry transient failures with linear backoff, and patient listing
// follows link-based pagination.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/careops/censusd/internal/fhir"
)

// Bundle is the full set of source resources fetched for one patient.
type Bundle struct {
	PatientID string
	Resources []fhir.Resource
	Total     int
}

// OfType returns the bundle's resources of the given kind, in fetch order.
func (b *Bundle) OfType(resourceType string) []fhir.Resource {
	var out []fhir.Resource
	for _, r := range b.Resources {
		if r.ResourceType == resourceType {
			out = append(out, r)
		}
	}
	return out
}

// Config holds record-source client settings.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int           // total attempts per resource-kind fetch
	BackoffStep time.Duration // linear backoff: attempt * step
	CacheTTL    time.Duration
	PageSize    int
}

// Client talks to the record source. It owns the bundle cache; there is no
// package-level state.
type Client struct {
	baseURL     string
	http        *http.Client
	log         zerolog.Logger
	maxAttempts int
	backoffStep time.Duration
	pageSize    int
	cache       *bundleCache
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        &http.Client{Timeout: cfg.Timeout},
		log:         logger.With().Str("component", "source").Logger(),
		maxAttempts: cfg.MaxAttempts,
		backoffStep: cfg.BackoffStep,
		pageSize:    cfg.PageSize,
		cache:       newBundleCache(cfg.CacheTTL),
	}
}

// FetchBundle returns the patient's resource bundle, served from cache when a
// fresh entry exists. On a miss every resource kind is fetched concurrently;
// a kind that keeps failing degrades to an empty list rather than failing the
// bundle. Results are merged in the fixed kind order, so bundle composition
// is deterministic regardless of arrival order.
func (c *Client) FetchBundle(ctx context.Context, patientID string) (*Bundle, error) {
	if b, ok := c.cache.get(patientID); ok {
		c.log.Debug().Str("patient_id", patientID).Msg("bundle cache hit")
		return b, nil
	}

	results := make([][]fhir.Resource, len(fhir.BundleKinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range fhir.BundleKinds {
		i, kind := i, kind
		g.Go(func() error {
			results[i] = c.fetchKind(gctx, patientID, kind)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bundle := &Bundle{PatientID: patientID}
	for _, rs := range results {
		bundle.Resources = append(bundle.Resources, rs...)
	}
	bundle.Total = len(bundle.Resources)

	c.cache.set(patientID, bundle)
	return bundle, nil
}

// FetchPatientList returns up to count Patient resources, following next-page
// links until the count is satisfied or pagination ends.
func (c *Client) FetchPatientList(ctx context.Context, count int) ([]fhir.Resource, error) {
	pageSize := c.pageSize
	if count < pageSize {
		pageSize = count
	}
	next := fmt.Sprintf("%s/Patient?_count=%d", c.baseURL, pageSize)

	var patients []fhir.Resource
	for next != "" && len(patients) < count {
		page, err := c.search(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("fetch patient list: %w", err)
		}
		for _, raw := range page.entries() {
			r, err := fhir.ParseResource(raw)
			if err != nil || r.ResourceType != fhir.TypePatient || r.ID == "" {
				continue
			}
			patients = append(patients, r)
		}
		next = page.nextLink()
	}

	if len(patients) > count {
		patients = patients[:count]
	}
	return patients, nil
}

// ClearCache drops every cached bundle.
func (c *Client) ClearCache() {
	c.cache.clear()
	c.log.Info().Msg("bundle cache cleared")
}

// fetchKind fetches one resource kind for a patient. Failures degrade to an
// empty list: transient errors are retried up to the attempt budget, client
// errors are not retried at all. Some kinds reject strict query parameters
// with a 4xx, which must read as "no data", not as a fatal error.
func (c *Client) fetchKind(ctx context.Context, patientID, kind string) []fhir.Resource {
	var reqURL string
	if kind == fhir.TypePatient {
		reqURL = fmt.Sprintf("%s/Patient/%s", c.baseURL, url.PathEscape(patientID))
	} else {
		reqURL = fmt.Sprintf("%s/%s?patient=%s&_count=%d",
			c.baseURL, kind, url.QueryEscape("Patient/"+patientID), c.pageSize)
	}

	body, err := c.getWithRetry(ctx, reqURL)
	if err != nil {
		c.log.Warn().
			Str("patient_id", patientID).
			Str("kind", kind).
			Err(err).
			Msg("resource kind fetch degraded to empty")
		return nil
	}

	if kind == fhir.TypePatient {
		r, err := fhir.ParseResource(body)
		if err != nil {
			c.log.Warn().Str("patient_id", patientID).Err(err).Msg("patient resource unparseable")
			return nil
		}
		return []fhir.Resource{r}
	}

	var page searchPage
	if err := json.Unmarshal(body, &page); err != nil {
		c.log.Warn().Str("patient_id", patientID).Str("kind", kind).Err(err).Msg("search response unparseable")
		return nil
	}
	var out []fhir.Resource
	for _, raw := range page.entries() {
		r, err := fhir.ParseResource(raw)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// getWithRetry issues a GET, retrying server and network errors with linearly
// increasing backoff. 4xx responses return immediately.
func (c *Client) getWithRetry(ctx context.Context, reqURL string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * c.backoffStep):
			}
		}

		body, retryable, err := c.get(ctx, reqURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%d attempts exhausted: %w", c.maxAttempts, lastErr)
}

func (c *Client) get(ctx context.Context, reqURL string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request %s: %w", reqURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response from %s: %w", reqURL, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, false, nil
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%s returned %d", reqURL, resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("%s returned %d", reqURL, resp.StatusCode)
	}
}

// searchPage is the slice of a FHIR search response the client reads.
type searchPage struct {
	Total int `json:"total"`
	Link  []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entry []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
}

func (p *searchPage) entries() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(p.Entry))
	for _, e := range p.Entry {
		if len(e.Resource) > 0 {
			out = append(out, e.Resource)
		}
	}
	return out
}

func (p *searchPage) nextLink() string {
	for _, l := range p.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

func (c *Client) search(ctx context.Context, reqURL string) (*searchPage, error) {
	body, err := c.getWithRetry(ctx, reqURL)
	if err != nil {
		return nil, err
	}
	var page searchPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &page, nil
}
