package api

import (
	"bufio"
	"context"
	"io"
	"iter"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/deep-research/internal/domain"
	"github.com/ashureev/deep-research/internal/graph"
	"github.com/ashureev/deep-research/internal/research"
)

// fakeService plays back scripted snapshots and keeps runs in a map.
type fakeService struct {
	mu   sync.Mutex
	runs map[string]*research.Run

	script []graph.Status // statuses for the snapshots of each invocation
	fail   error          // yielded after the scripted snapshots
	delay  time.Duration  // pause between snapshots

	lastStart    research.StartRequest
	lastCombined string
	lastAnswers  []domain.FollowUpAnswer
	resetErr     error
}

func newFakeService() *fakeService {
	return &fakeService{
		runs:   map[string]*research.Run{},
		script: []graph.Status{graph.StatusRunning, graph.StatusSuspended},
	}
}

func (f *fakeService) play(ctx context.Context, runID string) iter.Seq2[research.Snapshot, error] {
	return func(yield func(research.Snapshot, error) bool) {
		nodes := []string{research.NodePlanResearch, research.NodeAskUser, research.NodeGenerateReport}
		for i, status := range f.script {
			if i > 0 && f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-ctx.Done():
					yield(research.Snapshot{}, ctx.Err())
					return
				}
			}
			snap := research.Snapshot{RunID: runID, Node: nodes[i%len(nodes)], Step: i + 1, Status: status}
			f.mu.Lock()
			if run, ok := f.runs[runID]; ok {
				run.Status = status
				run.LastNode = snap.Node
			}
			f.mu.Unlock()
			if !yield(snap, nil) {
				return
			}
		}
		if f.fail != nil {
			yield(research.Snapshot{}, f.fail)
		}
	}
}

func (f *fakeService) Start(ctx context.Context, req research.StartRequest) iter.Seq2[research.Snapshot, error] {
	f.mu.Lock()
	f.lastStart = req
	f.mu.Unlock()
	if strings.TrimSpace(req.InitialQuery) == "" {
		return single(research.ErrEmptyQuery)
	}
	runID := req.RunID
	if runID == "" {
		runID = "generated-id"
	}
	f.mu.Lock()
	if _, exists := f.runs[runID]; exists {
		f.mu.Unlock()
		return single(graph.ErrRunExists)
	}
	f.runs[runID] = &research.Run{
		RunID:    runID,
		Status:   graph.StatusRunning,
		State:    domain.AgentState{InitialQuery: req.InitialQuery},
		Metadata: map[string]string{graph.MetaOwner: req.OwnerID},
	}
	f.mu.Unlock()
	return f.play(ctx, runID)
}

func (f *fakeService) Resume(ctx context.Context, runID, combinedQuery string) iter.Seq2[research.Snapshot, error] {
	f.mu.Lock()
	f.lastCombined = combinedQuery
	f.mu.Unlock()
	return f.play(ctx, runID)
}

func (f *fakeService) Answer(ctx context.Context, runID string, answers []domain.FollowUpAnswer) iter.Seq2[research.Snapshot, error] {
	f.mu.Lock()
	f.lastAnswers = answers
	f.mu.Unlock()
	return f.play(ctx, runID)
}

func (f *fakeService) Get(_ context.Context, runID string) (*research.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, graph.ErrUnknownRun
	}
	return run.Clone(), nil
}

func (f *fakeService) List(_ context.Context, ownerID string) ([]*research.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*research.Run
	for _, run := range f.runs {
		if ownerID == "" || run.Metadata[graph.MetaOwner] == ownerID {
			out = append(out, run.Clone())
		}
	}
	return out, nil
}

func (f *fakeService) Reset(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	delete(f.runs, runID)
	return nil
}

func (f *fakeService) Describe() string {
	return "flowchart TD\n    plan_research --> ask_user\n"
}

func (f *fakeService) addRun(runID, owner string, status graph.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[runID] = &research.Run{
		RunID:    runID,
		Status:   status,
		State:    domain.AgentState{InitialQuery: "topic " + runID},
		Metadata: map[string]string{graph.MetaOwner: owner},
	}
}

func single(err error) iter.Seq2[research.Snapshot, error] {
	return func(yield func(research.Snapshot, error) bool) {
		yield(research.Snapshot{}, err)
	}
}

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

type testServer struct {
	*httptest.Server
	svc    *fakeService
	client *http.Client
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	svc := newFakeService()
	h := NewHandler(svc, opts)
	router := NewRouter(h, NewHealthHandler(okPinger{}, time.Second), RouterOptions{
		CORSAllowedOrigins: []string{"*"},
		IsDevelopment:      true,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testServer{Server: srv, svc: svc, client: &http.Client{Jar: jar}}
}

func (s *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// ownerID returns the anonymous owner the cookie jar currently carries.
func (s *testServer) ownerID(t *testing.T) string {
	t.Helper()
	resp := s.do(t, http.MethodGet, "/api/research", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	u, err := url.Parse(s.URL)
	require.NoError(t, err)
	for _, c := range s.client.Jar.Cookies(u) {
		if c.Name == "research_owner_id" {
			return c.Value
		}
	}
	t.Fatal("no owner cookie")
	return ""
}

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Event != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func eventNames(events []sseEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Event
	}
	return out
}
