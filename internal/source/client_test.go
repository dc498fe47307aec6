package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/careops/censusd/internal/fhir"
)

// countingServer serves canned FHIR responses and counts requests per path
// prefix.
type countingServer struct {
	mu       sync.Mutex
	requests map[string]int
	handler  http.HandlerFunc
	srv      *httptest.Server
}

func newCountingServer(handler http.HandlerFunc) *countingServer {
	cs := &countingServer{requests: map[string]int{}, handler: handler}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		key := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)[0]
		cs.requests[key]++
		cs.mu.Unlock()
		cs.handler(w, r)
	}))
	return cs
}

func (cs *countingServer) count(kind string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.requests[kind]
}

func (cs *countingServer) total() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := 0
	for _, v := range cs.requests {
		n += v
	}
	return n
}

func searchResponse(resources ...map[string]interface{}) []byte {
	entries := make([]map[string]interface{}, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]interface{}{"resource": r})
	}
	body, _ := json.Marshal(map[string]interface{}{
		"resourceType": "Bundle",
		"total":        len(resources),
		"entry":        entries,
	})
	return body
}

func patientResource(id string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           id,
		"name":         []map[string]interface{}{{"given": []string{"Ada"}, "family": "Lovelace"}},
		"gender":       "female",
		"birthDate":    "1952-03-11",
	}
}

func defaultHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/Patient/"):
			body, _ := json.Marshal(patientResource(strings.TrimPrefix(r.URL.Path, "/Patient/")))
			w.Write(body)
		default:
			w.Write(searchResponse())
		}
	}
}

func testClient(baseURL string, attempts int, ttl time.Duration) *Client {
	return NewClient(Config{
		BaseURL:     baseURL,
		Timeout:     5 * time.Second,
		MaxAttempts: attempts,
		BackoffStep: time.Millisecond,
		CacheTTL:    ttl,
	}, zerolog.Nop())
}

func TestFetchBundleMergesKindsInOrder(t *testing.T) {
	cs := newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/Patient/"):
			body, _ := json.Marshal(patientResource("p1"))
			w.Write(body)
		case strings.HasPrefix(r.URL.Path, "/Condition"):
			w.Write(searchResponse(map[string]interface{}{"resourceType": "Condition", "id": "c1"}))
		case strings.HasPrefix(r.URL.Path, "/Observation"):
			w.Write(searchResponse(map[string]interface{}{"resourceType": "Observation", "id": "o1"}))
		default:
			w.Write(searchResponse())
		}
	})
	defer cs.srv.Close()

	c := testClient(cs.srv.URL, 3, time.Minute)
	b, err := c.FetchBundle(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Total != 3 {
		t.Fatalf("expected 3 resources, got %d", b.Total)
	}
	// Observation is fetched before Condition in the fixed kind order, so it
	// must come first in the merged bundle.
	if b.Resources[0].ResourceType != fhir.TypePatient ||
		b.Resources[1].ResourceType != fhir.TypeObservation ||
		b.Resources[2].ResourceType != fhir.TypeCondition {
		t.Errorf("unexpected merge order: %s, %s, %s",
			b.Resources[0].ResourceType, b.Resources[1].ResourceType, b.Resources[2].ResourceType)
	}
}

func TestFetchBundleCacheHitSkipsNetwork(t *testing.T) {
	cs := newCountingServer(defaultHandler(t))
	defer cs.srv.Close()

	c := testClient(cs.srv.URL, 3, time.Minute)
	ctx := context.Background()

	if _, err := c.FetchBundle(ctx, "p1"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	after := cs.total()

	if _, err := c.FetchBundle(ctx, "p1"); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if cs.total() != after {
		t.Errorf("cache hit issued %d extra requests", cs.total()-after)
	}
}

func TestFetchBundleCacheExpiry(t *testing.T) {
	cs := newCountingServer(defaultHandler(t))
	defer cs.srv.Close()

	c := testClient(cs.srv.URL, 3, time.Minute)
	ctx := context.Background()

	if _, err := c.FetchBundle(ctx, "p1"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	after := cs.total()

	// Age the cache entry past the TTL.
	c.cache.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if _, err := c.FetchBundle(ctx, "p1"); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if cs.total() == after {
		t.Error("expected fresh fetches after TTL expiry")
	}
}

func TestFetchBundleClearCache(t *testing.T) {
	cs := newCountingServer(defaultHandler(t))
	defer cs.srv.Close()

	c := testClient(cs.srv.URL, 3, time.Minute)
	ctx := context.Background()

	if _, err := c.FetchBundle(ctx, "p1"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	after := cs.total()

	c.ClearCache()
	if _, err := c.FetchBundle(ctx, "p1"); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if cs.total() == after {
		t.Error("expected fresh fetches after ClearCache")
	}
}

func TestRetryBoundServerError(t *testing.T) {
	cs := newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/Observation") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		defaultHandler(t)(w, r)
	})
	defer cs.srv.Close()

	c := testClient(cs.srv.URL, 3, time.Minute)
	b, err := c.FetchBundle(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cs.count("Observation"); got != 3 {
		t.Errorf("expected exactly 3 attempts for failing kind, got %d", got)
	}
	if len(b.OfType(fhir.TypeObservation)) != 0 {
		t.Error("expected empty observation list after retries exhausted")
	}
}

func TestRetryBoundClientError(t *testing.T) {
	cs := newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/DocumentReference") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		defaultHandler(t)(w, r)
	})
	defer cs.srv.Close()

	c := testClient(cs.srv.URL, 3, time.Minute)
	if _, err := c.FetchBundle(context.Background(), "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cs.count("DocumentReference"); got != 1 {
		t.Errorf("expected exactly 1 attempt for 404 kind, got %d", got)
	}
}

func TestFetchPatientListPagination(t *testing.T) {
	var srvURL string
	cs := newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		switch page {
		case "", "1":
			body, _ := json.Marshal(map[string]interface{}{
				"resourceType": "Bundle",
				"total":        4,
				"link": []map[string]string{
					{"relation": "next", "url": srvURL + "/Patient?page=2"},
				},
				"entry": []map[string]interface{}{
					{"resource": patientResource("p1")},
					{"resource": patientResource("p2")},
				},
			})
			w.Write(body)
		case "2":
			w.Write(searchResponse(patientResource("p3"), patientResource("p4")))
		}
	})
	defer cs.srv.Close()
	srvURL = cs.srv.URL

	c := testClient(cs.srv.URL, 3, time.Minute)

	patients, err := c.FetchPatientList(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patients) != 3 {
		t.Fatalf("expected 3 patients, got %d", len(patients))
	}
	if patients[0].ID != "p1" || patients[2].ID != "p3" {
		t.Errorf("unexpected patient ids: %s ... %s", patients[0].ID, patients[2].ID)
	}
}

func TestFetchPatientListStopsWhenPaginationEnds(t *testing.T) {
	cs := newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		w.Write(searchResponse(patientResource("p1")))
	})
	defer cs.srv.Close()

	c := testClient(cs.srv.URL, 3, time.Minute)
	patients, err := c.FetchPatientList(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patients) != 1 {
		t.Errorf("expected 1 patient, got %d", len(patients))
	}
}

func TestFetchPatientListPropagatesPersistentFailure(t *testing.T) {
	cs := newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer cs.srv.Close()

	c := testClient(cs.srv.URL, 2, time.Minute)
	if _, err := c.FetchPatientList(context.Background(), 5); err == nil {
		t.Fatal("expected error when patient listing keeps failing")
	}
	if got := cs.count("Patient"); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestFetchBundleMissingPatientKind(t *testing.T) {
	cs := newCountingServer(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/Patient/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/AllergyIntolerance") {
			w.Write(searchResponse(map[string]interface{}{"resourceType": "AllergyIntolerance", "id": "a1"}))
			return
		}
		w.Write(searchResponse())
	})
	defer cs.srv.Close()

	c := testClient(cs.srv.URL, 3, time.Minute)
	b, err := c.FetchBundle(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.OfType(fhir.TypePatient)) != 0 {
		t.Error("expected no patient resource")
	}
	if len(b.OfType(fhir.TypeAllergyIntolerance)) != 1 {
		t.Error("expected allergy resource to survive missing patient")
	}
}

func TestBundleOfType(t *testing.T) {
	b := &Bundle{Resources: []fhir.Resource{
		{ResourceType: "Patient", ID: "p"},
		{ResourceType: "Observation", ID: "o1"},
		{ResourceType: "Observation", ID: "o2"},
	}}
	if got := len(b.OfType("Observation")); got != 2 {
		t.Errorf("expected 2 observations, got %d", got)
	}
	if got := len(b.OfType("Condition")); got != 0 {
		t.Errorf("expected 0 conditions, got %d", got)
	}
}
