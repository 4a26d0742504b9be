package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/events"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/metrics"
	"git.home.luguber.info/inful/repobuilder/internal/testutil"
)

type fixture struct {
	cfg   *config.Config
	store *ledger.SQLStore
	srv   *Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cfg := testutil.NewConfigBuilder(t).Build()
	store := testutil.NewStore(t)
	svc := NewService(cfg, store, WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	return &fixture{cfg: cfg, store: store, srv: NewServer(":0", svc, opts...)}
}

func (f *fixture) built(t *testing.T, project, hash string, status ledger.Status) *ledger.Commit {
	t.Helper()
	c := testutil.AddCommit(t, f.store, testutil.Commit(project, hash, 100), status, 200)
	testutil.WriteArtifacts(t, f.cfg, c, project+"-1.0-1.src.rpm")
	return c
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	var resp Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	w, _ := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, `{"status":"healthy"}`, w.Body.String())
}

func TestCommitLookup(t *testing.T) {
	f := newFixture(t)
	c := f.built(t, "foo", "abc123", ledger.StatusSuccess)

	w, resp := f.do(t, http.MethodGet, "/api/commits?commit_hash=abc123&distro_hash="+c.DistroHash, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.Success)
	require.Contains(t, w.Body.String(), `"project_name":"foo"`)

	w, _ = f.do(t, http.MethodGet, "/api/commits?commit_hash=nope&distro_hash=nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/commits?commit_hash=abc123", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPromote(t *testing.T) {
	f := newFixture(t)
	c := f.built(t, "foo", "abc123", ledger.StatusSuccess)

	w, resp := f.do(t, http.MethodPost, "/api/promote", PromoteRequest{
		CommitRef:   CommitRef{CommitHash: "abc123", DistroHash: c.DistroHash},
		PromoteName: "tested",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.True(t, resp.Success)
	testutil.NewFileAssertions(t, f.cfg.ReposDir()).AssertLinkResolvesTo("tested", c.Dir())

	p, err := f.store.LatestPromotion(context.Background(), "tested", "")
	require.NoError(t, err)
	require.Equal(t, c.ID, p.CommitID)
	require.Equal(t, int64(1_700_000_000), p.Timestamp)

	w, _ = f.do(t, http.MethodPost, "/api/promote", PromoteRequest{
		CommitRef:   CommitRef{CommitHash: "abc123", DistroHash: c.DistroHash},
		PromoteName: "current",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPromoteRefusesFailedCommit(t *testing.T) {
	f := newFixture(t)
	c := f.built(t, "foo", "bad", ledger.StatusFailed)

	w, _ := f.do(t, http.MethodPost, "/api/promote", PromoteRequest{
		CommitRef:   CommitRef{CommitHash: "bad", DistroHash: c.DistroHash},
		PromoteName: "tested",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPromoteBatchIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	foo := f.built(t, "foo", "abc123", ledger.StatusSuccess)
	bar := testutil.AddCommit(t, f.store, testutil.Commit("bar", "def456", 100), ledger.StatusSuccess, 200)

	w, _ := f.do(t, http.MethodPost, "/api/promote-batch", PromoteBatchRequest{
		PromoteName: "tested",
		Commits: []PromoteBatchItem{
			{CommitRef: CommitRef{CommitHash: foo.CommitHash, DistroHash: foo.DistroHash}},
			{CommitRef: CommitRef{CommitHash: bar.CommitHash, DistroHash: bar.DistroHash}},
		},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	testutil.NewFileAssertions(t, f.cfg.ReposDir()).AssertNotExists("tested")

	testutil.WriteArtifacts(t, f.cfg, bar, "bar-1.0-1.src.rpm")
	w, _ = f.do(t, http.MethodPost, "/api/promote-batch", PromoteBatchRequest{
		PromoteName: "tested",
		Commits: []PromoteBatchItem{
			{CommitRef: CommitRef{CommitHash: foo.CommitHash, DistroHash: foo.DistroHash}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ps, err := f.store.ListPromotions(context.Background(), ledger.PromotionFilter{Name: "tested"})
	require.NoError(t, err)
	require.Len(t, ps, 1)
}

func TestPromoteBatchSeveralNames(t *testing.T) {
	f := newFixture(t)
	foo := f.built(t, "foo", "abc123", ledger.StatusSuccess)
	bar := f.built(t, "bar", "def456", ledger.StatusSuccess)

	w, _ := f.do(t, http.MethodPost, "/api/promote-batch", PromoteBatchRequest{
		PromoteName: "tested",
		Commits: []PromoteBatchItem{
			{CommitRef: CommitRef{CommitHash: foo.CommitHash, DistroHash: foo.DistroHash}},
			{CommitRef: CommitRef{CommitHash: bar.CommitHash, DistroHash: bar.DistroHash}, PromoteName: "tripleo-ci-testing"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	fa := testutil.NewFileAssertions(t, f.cfg.ReposDir())
	fa.AssertLinkResolvesTo("tested", foo.Dir())
	fa.AssertLinkResolvesTo("tripleo-ci-testing", bar.Dir())

	ps, err := f.store.ListPromotions(context.Background(), ledger.PromotionFilter{Name: "tripleo-ci-testing"})
	require.NoError(t, err)
	require.Len(t, ps, 1)
	require.Equal(t, bar.ID, ps[0].CommitID)

	// Both items moving one link is rejected before anything changes.
	w, _ = f.do(t, http.MethodPost, "/api/promote-batch", PromoteBatchRequest{
		PromoteName: "dup",
		Commits: []PromoteBatchItem{
			{CommitRef: CommitRef{CommitHash: foo.CommitHash, DistroHash: foo.DistroHash}},
			{CommitRef: CommitRef{CommitHash: bar.CommitHash, DistroHash: bar.DistroHash}},
		},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	fa.AssertNotExists("dup")
}

func TestRecheck(t *testing.T) {
	tests := []struct {
		name    string
		status  ledger.Status
		force   bool
		code    int
		deleted bool
	}{
		{name: "failed is removed", status: ledger.StatusFailed, code: http.StatusOK, deleted: true},
		{name: "success refused", status: ledger.StatusSuccess, code: http.StatusBadRequest},
		{name: "success forced", status: ledger.StatusSuccess, force: true, code: http.StatusOK, deleted: true},
		{name: "retry ignored", status: ledger.StatusRetry, code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.built(t, "foo", "abc123", tt.status)

			w, _ := f.do(t, http.MethodPost, "/api/recheck", RecheckRequestBody{
				CommitRef: CommitRef{CommitHash: c.CommitHash, DistroHash: c.DistroHash},
				Force:     tt.force,
			})
			require.Equal(t, tt.code, w.Code, w.Body.String())

			_, err := f.store.GetCommit(context.Background(), c.ID)
			if tt.deleted {
				require.ErrorIs(t, err, ledger.ErrNotFound)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRecheckByProject(t *testing.T) {
	f := newFixture(t)
	f.built(t, "foo", "old", ledger.StatusSuccess)
	last := f.built(t, "foo", "new", ledger.StatusFailed)

	action, c, err := f.srv.service.Recheck(context.Background(), RecheckRequest{Project: "foo"})
	require.NoError(t, err)
	require.Equal(t, RecheckDeleted, action)
	require.Equal(t, last.ID, c.ID)

	_, _, err = f.srv.service.Recheck(context.Background(), RecheckRequest{Project: "missing"})
	require.Error(t, err)
}

func TestReportResultAndRepoStatus(t *testing.T) {
	f := newFixture(t)
	c := f.built(t, "foo", "abc123", ledger.StatusSuccess)

	w, _ := f.do(t, http.MethodPost, "/api/report_result", ReportResultRequest{
		CommitRef: CommitRef{CommitHash: c.CommitHash, DistroHash: c.DistroHash},
		JobID:     "ci-job",
		URL:       "http://ci/1",
		Success:   true,
		Timestamp: 1234,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, _ = f.do(t, http.MethodGet, "/api/repo_status?commit_hash=abc123&distro_hash="+c.DistroHash, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []ledger.CIVote `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, "ci-job", body.Data[0].CIName)
	require.True(t, body.Data[0].CIVote)
}

func TestImportRequiresImporter(t *testing.T) {
	f := newFixture(t)
	w, _ := f.do(t, http.MethodPost, "/api/remote/import", ImportRequest{RepoURL: "http://example"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownFieldsRejected(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/promote", strings.NewReader(`{"bogus":1}`))
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBasicAuth(t *testing.T) {
	cfg := testutil.NewConfigBuilder(t).Build()
	store := testutil.NewStore(t)
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	require.NoError(t, store.AddUser(context.Background(), &ledger.User{Username: "ci", Password: hash}))
	srv := NewServer(":0", NewService(cfg, store), WithAuth(store))

	body := `{"commit_hash":"a","distro_hash":"b","job_id":"j","url":"u","success":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/report_result", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/report_result", strings.NewReader(body))
	req.SetBasicAuth("ci", "wrong")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/report_result", strings.NewReader(body))
	req.SetBasicAuth("ci", "secret")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	// Authenticated; the commit itself does not exist.
	require.Equal(t, http.StatusNotFound, w.Code)

	// Reads stay public.
	req = httptest.NewRequest(http.MethodGet, "/api/promotions", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewPrometheusRecorder(reg).IncPromotion("tested")
	f := newFixture(t, WithMetricsHandler(metrics.HTTPHandler(reg)))

	w, _ := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `repobuilder_promotions_total{name="tested"} 1`)
}

func TestEventStreamFiltersByProject(t *testing.T) {
	es := NewEventStream()
	foo, unsubFoo := es.Subscribe("foo")
	all, unsubAll := es.Subscribe("")
	defer unsubAll()

	require.NoError(t, es.Publish(context.Background(), events.BuildEvent{Project: "bar"}))
	require.NoError(t, es.Publish(context.Background(), events.BuildEvent{Project: "foo"}))

	require.Equal(t, "foo", (<-foo).Project)
	require.Equal(t, "bar", (<-all).Project)
	require.Equal(t, "foo", (<-all).Project)
	require.Equal(t, 2, es.SubscriberCount())

	unsubFoo()
	unsubFoo()
	require.Equal(t, 1, es.SubscriberCount())
}

func TestEventsSSE(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?project=foo", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: connected\n", line)

	require.Eventually(t, func() bool { return f.srv.Stream().SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, f.srv.Stream().Publish(context.Background(), events.BuildEvent{Type: events.TypeBuildResult, Project: "foo", Status: "SUCCESS"}))

	for {
		line, err = rd.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") && line != "event: connected\n" {
			break
		}
	}
	require.Equal(t, "event: build.result\n", line)
	data, err := rd.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, data, `"project":"foo"`)
}
