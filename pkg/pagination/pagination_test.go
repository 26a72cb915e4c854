package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/Sternrassler/catalog-harvest/internal/testutil"
	"github.com/Sternrassler/catalog-harvest/pkg/checkpoint"
	"github.com/Sternrassler/catalog-harvest/pkg/client"
	"github.com/Sternrassler/catalog-harvest/pkg/dedup"
	"github.com/Sternrassler/catalog-harvest/pkg/recordlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t      *testing.T
	mock   *testutil.MockSearchAPI
	client *client.Client
	store  *checkpoint.FileStore
	logDir string
}

func newHarness(t *testing.T, ds *testutil.Dataset) *harness {
	t.Helper()
	mock := testutil.NewMockSearchAPI(ds)
	t.Cleanup(mock.Close)

	cfg := client.DefaultConfig("catalog-harvest-test/1.0")
	cfg.BaseURL = mock.URL()
	cfg.RequestsPerSecond = 0
	cfg.Retry = client.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
	c, err := client.New(cfg)
	require.NoError(t, err)

	dir := t.TempDir()
	return &harness{t: t, mock: mock, client: c, store: checkpoint.NewFileStore(dir), logDir: dir}
}

func (h *harness) logPath(resource string) string {
	return filepath.Join(h.logDir, checkpoint.Slug(resource)+".jsonl")
}

// openLog opens the record log and a dedup filter seeded from it.
func (h *harness) openLog(resource string) (*recordlog.Log, *dedup.Filter) {
	h.t.Helper()
	filter := dedup.NewFilter(dedup.NewSet(), dedup.DefaultExtractor())
	_, err := recordlog.Scan(h.logPath(resource), func(rec json.RawMessage) error {
		_, _, err := filter.Apply([]json.RawMessage{rec})
		return err
	})
	require.NoError(h.t, err)

	l, err := recordlog.Open(h.logPath(resource))
	require.NoError(h.t, err)
	h.t.Cleanup(func() { l.Close() })
	return l, filter
}

func (h *harness) loggedIDs(resource string) []string {
	h.t.Helper()
	var ids []string
	ex := dedup.DefaultExtractor()
	_, err := recordlog.Scan(h.logPath(resource), func(rec json.RawMessage) error {
		id, _, err := ex.ID(rec)
		ids = append(ids, id)
		return err
	})
	require.NoError(h.t, err)
	return ids
}

func pageOffsets(reqs []url.Values) []int {
	var offsets []int
	for _, r := range reqs {
		if r.Get("size") == "0" {
			continue
		}
		from, _ := strconv.Atoi(r.Get("from"))
		offsets = append(offsets, from)
	}
	return offsets
}

func TestLinear_FetchesExactlyTotal(t *testing.T) {
	ds := testutil.NewDataset(testutil.MakeRecords("ImmPort", testutil.SequentialIDs("SDY", 250, 4)))
	h := newHarness(t, ds)
	sink, filter := h.openLog("ImmPort")

	cp := checkpoint.New("ImmPort")
	cp.SetTotal(250)

	lin := NewLinear(h.client, sink, filter, h.store, Config{PageSize: 100, WindowCap: 10000})
	out, err := lin.Run(context.Background(), cp)
	require.NoError(t, err)

	assert.Equal(t, TerminalTotalReached, out.Terminal)
	assert.Equal(t, 250, out.Written)
	assert.Equal(t, 3, out.Pages)
	assert.Equal(t, 250, cp.Linear.NextOffset)
	assert.Len(t, h.loggedIDs("ImmPort"), 250)

	offsets := pageOffsets(h.mock.Requests())
	assert.Equal(t, []int{0, 100, 200}, offsets)
	assert.Equal(t, "50", h.mock.Requests()[2].Get("size"))
	assert.Empty(t, h.mock.Requests()[0].Get("from"), "from omitted at offset 0")

	saved, err := h.store.Load(context.Background(), "ImmPort")
	require.NoError(t, err)
	assert.Equal(t, 250, saved.Linear.NextOffset)
}

func TestLinear_EmptyPageStopsEarly(t *testing.T) {
	ds := testutil.NewDataset(testutil.MakeRecords("Shrunk", testutil.SequentialIDs("S", 120, 4)))
	h := newHarness(t, ds)
	sink, filter := h.openLog("Shrunk")

	cp := checkpoint.New("Shrunk")
	cp.SetTotal(300)

	out, err := NewLinear(h.client, sink, filter, h.store, Config{PageSize: 100, WindowCap: 10000}).Run(context.Background(), cp)
	require.NoError(t, err)
	assert.Equal(t, TerminalEmptyPage, out.Terminal)
	assert.Equal(t, 120, out.Written)
	assert.Equal(t, 120, cp.Linear.NextOffset)
}

func TestLinear_ResumesFromNextOffset(t *testing.T) {
	ds := testutil.NewDataset(testutil.MakeRecords("R", testutil.SequentialIDs("R", 300, 4)))
	h := newHarness(t, ds)
	sink, filter := h.openLog("R")

	cp := checkpoint.New("R")
	cp.SetTotal(300)
	require.NoError(t, cp.AdvanceLinear(200))

	out, err := NewLinear(h.client, sink, filter, h.store, Config{PageSize: 100, WindowCap: 10000}).Run(context.Background(), cp)
	require.NoError(t, err)
	assert.Equal(t, 100, out.Written)
	assert.Equal(t, []int{200}, pageOffsets(h.mock.Requests()))
}

func TestLinear_NeverExceedsWindow(t *testing.T) {
	ds := testutil.NewDataset(testutil.MakeRecords("W", testutil.SequentialIDs("W", 130, 4)))
	h := newHarness(t, ds)
	h.mock.SetWindowCap(100)
	sink, filter := h.openLog("W")

	cp := checkpoint.New("W")
	cp.SetTotal(130)

	out, err := NewLinear(h.client, sink, filter, h.store, Config{PageSize: 30, WindowCap: 100}).Run(context.Background(), cp)
	require.NoError(t, err)
	assert.Equal(t, TerminalWindowLimit, out.Terminal)
	assert.Equal(t, 100, out.Written)
	assert.LessOrEqual(t, h.mock.MaxWindowRequested(), 100)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, 30, out.Warnings[0].Shortfall)
}

func TestLinear_WindowRejectionEndsFetch(t *testing.T) {
	ds := testutil.NewDataset(testutil.MakeRecords("Strict", testutil.SequentialIDs("S", 200, 4)))
	h := newHarness(t, ds)
	h.mock.SetWindowCap(150)
	sink, filter := h.openLog("Strict")

	cp := checkpoint.New("Strict")
	cp.SetTotal(200)

	out, err := NewLinear(h.client, sink, filter, h.store, Config{PageSize: 100, WindowCap: 10000}).Run(context.Background(), cp)
	require.NoError(t, err)
	assert.Equal(t, TerminalWindowRejected, out.Terminal)
	assert.Equal(t, 100, out.Written)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, WarningWindowRejected, out.Warnings[0].Kind)
	assert.Equal(t, 100, out.Warnings[0].Offset)
}

func TestLinear_RequiresKnownTotal(t *testing.T) {
	h := newHarness(t, testutil.NewDataset())
	sink, filter := h.openLog("X")

	_, err := NewLinear(h.client, sink, filter, h.store, DefaultConfig()).Run(context.Background(), checkpoint.New("X"))
	require.Error(t, err)
}

func segmentedCheckpoint(resource, field string, segs ...checkpoint.Segment) *checkpoint.Checkpoint {
	cp := checkpoint.New(resource)
	total := 0
	for _, s := range segs {
		total += s.Total
	}
	cp.SetTotal(total)
	cp.SwitchToSegmented(field, "prefix", segs)
	return cp
}

func TestSegmented_WalksAllSegments(t *testing.T) {
	ds := testutil.NewDataset(
		testutil.MakeRecords("Seg", testutil.SequentialIDs("A", 150, 3)),
		testutil.MakeRecords("Seg", testutil.SequentialIDs("B", 90, 3)),
	)
	h := newHarness(t, ds)
	sink, filter := h.openLog("Seg")

	cp := segmentedCheckpoint("Seg", "identifier",
		checkpoint.Segment{Prefix: "A", Total: 150},
		checkpoint.Segment{Prefix: "B", Total: 90},
	)

	out, err := NewSegmented(h.client, sink, filter, h.store, Config{PageSize: 100, WindowCap: 10000}).Run(context.Background(), cp)
	require.NoError(t, err)

	assert.Equal(t, TerminalSegmentsDone, out.Terminal)
	assert.Equal(t, 240, out.Written)
	assert.Equal(t, 2, out.SegmentsDone)
	assert.Equal(t, 2, cp.Segmented.Index)
	assert.Zero(t, cp.Segmented.Offset)

	var queries []string
	for _, r := range h.mock.Requests() {
		queries = append(queries, r.Get("q")+"@"+r.Get("from"))
	}
	assert.Equal(t, []string{"identifier:A*@", "identifier:A*@100", "identifier:B*@"}, queries)
}

func TestSegmented_UsesWildcardQuery(t *testing.T) {
	ds := testutil.NewDataset(testutil.MakeRecords("Dated", testutil.SequentialIDs("#", 40, 3), "2020-05-01", "2021-06-01"))
	h := newHarness(t, ds)
	sink, filter := h.openLog("Dated")

	cp := segmentedCheckpoint("Dated", "dateCreated",
		checkpoint.Segment{Prefix: "2020", Total: 20, WildcardQuery: "dateCreated:[2020-01-01 TO 2020-12-31]"},
		checkpoint.Segment{Prefix: "2021", Total: 20, WildcardQuery: "dateCreated:[2021-01-01 TO 2021-12-31]"},
	)

	out, err := NewSegmented(h.client, sink, filter, h.store, DefaultConfig()).Run(context.Background(), cp)
	require.NoError(t, err)
	assert.Equal(t, 40, out.Written)
	assert.Equal(t, "dateCreated:[2020-01-01 TO 2020-12-31]", h.mock.Requests()[0].Get("q"))
}

func TestSegmented_DeduplicatesAcrossSegments(t *testing.T) {
	ds := testutil.NewDataset(testutil.MakeRecords("Overlap", []string{"#A1", "#A2", "#AB", "#B1", "#B2"}))
	h := newHarness(t, ds)
	sink, filter := h.openLog("Overlap")

	cp := segmentedCheckpoint("Overlap", "identifier",
		checkpoint.Segment{Prefix: "A", Total: 3, WildcardQuery: "identifier:*A*"},
		checkpoint.Segment{Prefix: "B", Total: 3, WildcardQuery: "identifier:*B*"},
	)

	out, err := NewSegmented(h.client, sink, filter, h.store, DefaultConfig()).Run(context.Background(), cp)
	require.NoError(t, err)

	assert.Equal(t, 5, out.Written)
	assert.Equal(t, 1, out.Duplicates)

	ids := h.loggedIDs("Overlap")
	assert.Len(t, ids, 5)
	assert.Equal(t, 1, countOf(ids, "overlap_#AB"))
}

func countOf(ids []string, want string) int {
	n := 0
	for _, id := range ids {
		if id == want {
			n++
		}
	}
	return n
}

func TestSegmented_CappedSegmentWarns(t *testing.T) {
	ds := testutil.NewDataset(testutil.MakeRecords("Big", testutil.SequentialIDs("A", 120, 3)))
	h := newHarness(t, ds)
	h.mock.SetWindowCap(100)
	sink, filter := h.openLog("Big")

	cp := segmentedCheckpoint("Big", "identifier",
		checkpoint.Segment{Prefix: "A", Total: 99, Capped: true, TrueTotal: 120},
	)

	out, err := NewSegmented(h.client, sink, filter, h.store, Config{PageSize: 40, WindowCap: 100}).Run(context.Background(), cp)
	require.NoError(t, err)

	assert.Equal(t, 99, out.Written)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, WarningUnreachable, out.Warnings[0].Kind)
	assert.Equal(t, 21, out.Warnings[0].Shortfall)
	assert.LessOrEqual(t, h.mock.MaxWindowRequested(), 100)
}

func TestSegmented_WindowRejectionEndsSegmentOnly(t *testing.T) {
	ds := testutil.NewDataset(
		testutil.MakeRecords("Strict", testutil.SequentialIDs("A", 80, 3)),
		testutil.MakeRecords("Strict", testutil.SequentialIDs("B", 30, 3)),
	)
	h := newHarness(t, ds)
	h.mock.SetWindowCap(50)
	sink, filter := h.openLog("Strict")

	cp := segmentedCheckpoint("Strict", "identifier",
		checkpoint.Segment{Prefix: "A", Total: 80},
		checkpoint.Segment{Prefix: "B", Total: 30},
	)

	out, err := NewSegmented(h.client, sink, filter, h.store, Config{PageSize: 40, WindowCap: 10000}).Run(context.Background(), cp)
	require.NoError(t, err)

	assert.Equal(t, 40+30, out.Written)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, WarningWindowRejected, out.Warnings[0].Kind)
	assert.Equal(t, 0, out.Warnings[0].Segment)
	assert.Equal(t, 2, cp.Segmented.Index)
}

func TestSegmented_SkipsZeroTotalSegments(t *testing.T) {
	ds := testutil.NewDataset(testutil.MakeRecords("Z", testutil.SequentialIDs("B", 5, 2)))
	h := newHarness(t, ds)
	sink, filter := h.openLog("Z")

	cp := segmentedCheckpoint("Z", "identifier",
		checkpoint.Segment{Prefix: "A", Total: 0},
		checkpoint.Segment{Prefix: "B", Total: 5},
	)

	out, err := NewSegmented(h.client, sink, filter, h.store, DefaultConfig()).Run(context.Background(), cp)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Written)
	assert.Equal(t, 1, h.mock.RequestCount())
}

func TestSegmented_FatalClientErrorStops(t *testing.T) {
	h := newHarness(t, testutil.NewDataset())
	h.mock.QueueFault(testutil.Fault{StatusCode: 403, Body: `{"error":"forbidden"}`})
	sink, filter := h.openLog("F")

	cp := segmentedCheckpoint("F", "identifier", checkpoint.Segment{Prefix: "A", Total: 10})
	_, err := NewSegmented(h.client, sink, filter, h.store, DefaultConfig()).Run(context.Background(), cp)
	require.Error(t, err)
	assert.True(t, client.IsClientRejected(err))
	assert.Zero(t, cp.Segmented.Index)
}

func TestSegmented_BadQueryAtFirstPageIsFatal(t *testing.T) {
	ds := testutil.NewDataset(testutil.MakeRecords("Q", testutil.SequentialIDs("A", 20, 2)))
	h := newHarness(t, ds)
	h.mock.QueueFault(testutil.Fault{StatusCode: 400, Body: `{"error":"query parse failure"}`})
	sink, filter := h.openLog("Q")

	cp := segmentedCheckpoint("Q", "identifier", checkpoint.Segment{Prefix: "A", Total: 20})
	fetcher := NewSegmented(h.client, sink, filter, h.store, DefaultConfig())

	_, err := fetcher.Run(context.Background(), cp)
	require.Error(t, err)
	assert.True(t, client.IsWindowRejected(err))
	assert.Zero(t, cp.Segmented.Index)
	if saved, loadErr := h.store.Load(context.Background(), "Q"); loadErr == nil {
		assert.Zero(t, saved.Segmented.Index)
	} else {
		assert.ErrorIs(t, loadErr, checkpoint.ErrNotFound)
	}

	out, err := fetcher.Run(context.Background(), cp)
	require.NoError(t, err)
	assert.Equal(t, 20, out.Written)
	assert.Empty(t, out.Warnings)
}

func TestLinear_BadQueryAtFirstPageIsFatal(t *testing.T) {
	ds := testutil.NewDataset(testutil.MakeRecords("Q", testutil.SequentialIDs("Q", 30, 2)))
	h := newHarness(t, ds)
	h.mock.QueueFault(testutil.Fault{StatusCode: 422, Body: `{"error":"unprocessable"}`})
	sink, filter := h.openLog("Q")

	cp := checkpoint.New("Q")
	cp.SetTotal(30)

	_, err := NewLinear(h.client, sink, filter, h.store, DefaultConfig()).Run(context.Background(), cp)
	require.Error(t, err)
	assert.True(t, client.IsClientRejected(err))
	assert.Zero(t, cp.Linear.NextOffset)
}

// failingFetcher fails with errCrash once limit pages have been served.
type failingFetcher struct {
	next  PageFetcher
	limit int
	calls int
}

var errCrash = errors.New("simulated crash")

func (f *failingFetcher) Page(ctx context.Context, q client.Query, offset, size int) (*client.Page, error) {
	if f.calls >= f.limit {
		return nil, errCrash
	}
	f.calls++
	return f.next.Page(ctx, q, offset, size)
}

// failingStore fails the Save after failAfter successful ones.
type failingStore struct {
	checkpoint.Store
	failAfter int
	saves     int
}

func (s *failingStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if s.saves >= s.failAfter {
		return errCrash
	}
	s.saves++
	return s.Store.Save(ctx, cp)
}

func resumeDataset() *testutil.Dataset {
	return testutil.NewDataset(
		testutil.MakeRecords("Crash", testutil.SequentialIDs("A", 95, 3)),
		testutil.MakeRecords("Crash", testutil.SequentialIDs("B", 70, 3)),
		testutil.MakeRecords("Crash", testutil.SequentialIDs("C", 33, 3)),
	)
}

func resumeSegments() []checkpoint.Segment {
	return []checkpoint.Segment{{Prefix: "A", Total: 95}, {Prefix: "B", Total: 70}, {Prefix: "C", Total: 33}}
}

func uninterruptedIDs(t *testing.T) []string {
	h := newHarness(t, resumeDataset())
	sink, filter := h.openLog("Crash")
	cp := segmentedCheckpoint("Crash", "identifier", resumeSegments()...)
	_, err := NewSegmented(h.client, sink, filter, h.store, Config{PageSize: 20, WindowCap: 10000}).Run(context.Background(), cp)
	require.NoError(t, err)
	ids := h.loggedIDs("Crash")
	sort.Strings(ids)
	return ids
}

func TestSegmented_ResumeAfterCrashMatchesUninterrupted(t *testing.T) {
	want := uninterruptedIDs(t)
	require.Len(t, want, 198)

	for _, crashAfter := range []int{1, 4, 5, 9} {
		t.Run("pages_"+strconv.Itoa(crashAfter), func(t *testing.T) {
			h := newHarness(t, resumeDataset())
			cfg := Config{PageSize: 20, WindowCap: 10000}

			sink, filter := h.openLog("Crash")
			cp := segmentedCheckpoint("Crash", "identifier", resumeSegments()...)
			require.NoError(t, h.store.Save(context.Background(), cp))

			crashing := &failingFetcher{next: h.client, limit: crashAfter}
			_, err := NewSegmented(crashing, sink, filter, h.store, cfg).Run(context.Background(), cp)
			require.ErrorIs(t, err, errCrash)
			require.NoError(t, sink.Close())

			resumed, err := h.store.Load(context.Background(), "Crash")
			require.NoError(t, err)
			sink2, filter2 := h.openLog("Crash")
			_, err = NewSegmented(h.client, sink2, filter2, h.store, cfg).Run(context.Background(), resumed)
			require.NoError(t, err)

			got := h.loggedIDs("Crash")
			sort.Strings(got)
			assert.Equal(t, want, got)
		})
	}
}

func TestSegmented_ResumeAfterLostCheckpointWrite(t *testing.T) {
	want := uninterruptedIDs(t)

	h := newHarness(t, resumeDataset())
	cfg := Config{PageSize: 20, WindowCap: 10000}

	sink, filter := h.openLog("Crash")
	cp := segmentedCheckpoint("Crash", "identifier", resumeSegments()...)
	require.NoError(t, h.store.Save(context.Background(), cp))

	store := &failingStore{Store: h.store, failAfter: 3}
	_, err := NewSegmented(h.client, sink, filter, store, cfg).Run(context.Background(), cp)
	require.ErrorIs(t, err, errCrash)
	require.NoError(t, sink.Close())

	resumed, err := h.store.Load(context.Background(), "Crash")
	require.NoError(t, err)
	sink2, filter2 := h.openLog("Crash")
	out, err := NewSegmented(h.client, sink2, filter2, h.store, cfg).Run(context.Background(), resumed)
	require.NoError(t, err)
	assert.Equal(t, 20, out.Duplicates, "page written before the lost save is re-fetched but not re-written")

	got := h.loggedIDs("Crash")
	sort.Strings(got)
	assert.Equal(t, want, got)
}

func TestPageSize(t *testing.T) {
	p := &pager{config: Config{PageSize: 100, WindowCap: 1000}}
	tests := []struct {
		offset, limit, want int
	}{
		{0, 5000, 100},
		{950, 5000, 50},
		{1000, 5000, 0},
		{0, 30, 30},
		{40, 30, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.pageSize(tt.offset, tt.limit), "offset %d limit %d", tt.offset, tt.limit)
	}
}

func TestWindowRejection(t *testing.T) {
	bad := &client.APIError{StatusCode: 400, ErrorClass: client.ErrorClassClient}
	forbidden := &client.APIError{StatusCode: 403, ErrorClass: client.ErrorClassClient}
	server := &client.APIError{StatusCode: 503, ErrorClass: client.ErrorClassServer}

	assert.False(t, windowRejection(bad, 0))
	assert.True(t, windowRejection(bad, 100))
	assert.True(t, windowRejection(forbidden, 100))
	assert.False(t, windowRejection(forbidden, 0))
	assert.False(t, windowRejection(server, 100))
	assert.False(t, windowRejection(context.Canceled, 100))
}
