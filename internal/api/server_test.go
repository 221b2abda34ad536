package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/internal/rollout"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService keeps rollouts in memory; every started rollout is
// immediately succeeded.
type fakeService struct {
	mu       sync.Mutex
	records  map[string]models.RolloutRecord
	requests []rollout.Request
	startErr error
}

func newFakeService() *fakeService {
	return &fakeService{records: map[string]models.RolloutRecord{}}
}

func (s *fakeService) StartRollout(_ context.Context, req rollout.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	s.requests = append(s.requests, req)
	id := "r" + string(rune('0'+len(s.requests)))
	s.records[id] = models.RolloutRecord{
		ID:          id,
		Workload:    req.Workload,
		SpecVersion: len(s.requests),
		Phase:       models.PhaseSucceeded,
		Status:      models.StatusSucceeded,
		Readiness:   models.WorkloadStatus{Desired: 2, Updated: 2, Ready: 2, Available: 2},
	}
	return id, nil
}

func (s *fakeService) GetRolloutStatus(_ context.Context, id string) (models.RolloutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return models.RolloutRecord{}, fault.Newf(fault.NotFound, "store", "rollout %s not found", id)
	}
	return rec, nil
}

func (s *fakeService) CancelRollout(ctx context.Context, id string) error {
	if _, err := s.GetRolloutStatus(ctx, id); err != nil {
		return err
	}
	return &fault.Error{Kind: fault.NotCancellable, Op: "cancel", Err: errors.New("rollout already succeeded")}
}

func (s *fakeService) History(_ context.Context, workload string) ([]models.RolloutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RolloutRecord
	for _, rec := range s.records {
		if rec.Workload == workload {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeService) Rollback(ctx context.Context, workload string, version int) (string, error) {
	if version > 1 {
		return "", fault.Newf(fault.NotFound, "store", "no succeeded rollout of %s at version %d", workload, version)
	}
	return s.StartRollout(ctx, rollout.Request{Workload: workload})
}

type fakeArtifacts []models.ArtifactRef

func (a fakeArtifacts) ListArtifacts(context.Context) ([]models.ArtifactRef, error) {
	return a, nil
}

func newTestServer(t *testing.T, svc Service) (*httptest.Server, *Client) {
	t.Helper()
	artifacts := fakeArtifacts{{Repository: "gcr.io/demo/gkeapp", Digest: "sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"}}
	srv := httptest.NewServer(NewHandler(svc, artifacts, NewRouter(), log.NewNopLogger()))
	t.Cleanup(srv.Close)

	client := NewClient(srv.Client(), srv.URL)
	client.pollInterval = time.Millisecond
	return srv, client
}

func TestStartAndGetRollout(t *testing.T) {
	svc := newFakeService()
	_, client := newTestServer(t, svc)
	ctx := context.Background()

	id, err := client.StartRollout(ctx, rollout.Request{
		Workload:  "gkeapp",
		Artifact:  models.ArtifactRef{Repository: "gcr.io/demo/gkeapp", Digest: "sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"},
		Overrides: map[string]string{"replicas": "2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "r1", id)
	require.Len(t, svc.requests, 1)
	assert.Equal(t, "2", svc.requests[0].Overrides["replicas"])
	assert.Equal(t, "gcr.io/demo/gkeapp", svc.requests[0].Artifact.Repository)

	rec, err := client.GetRolloutStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseSucceeded, rec.Phase)
	assert.Equal(t, "2/2 ready", rec.Readiness.String())

	rec, err = client.Wait(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Terminal())

	history, err := client.History(ctx, "gkeapp")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	history, err = client.History(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestErrorsKeepTheirKind(t *testing.T) {
	svc := newFakeService()
	_, client := newTestServer(t, svc)
	ctx := context.Background()

	_, err := client.GetRolloutStatus(ctx, "missing")
	assert.True(t, fault.Is(err, fault.NotFound))
	assert.Contains(t, err.Error(), "rollout missing not found")

	id, err := client.StartRollout(ctx, rollout.Request{Workload: "gkeapp"})
	require.NoError(t, err)
	err = client.CancelRollout(ctx, id)
	assert.True(t, fault.Is(err, fault.NotCancellable))

	svc.mu.Lock()
	svc.startErr = &fault.Error{Kind: fault.ConcurrentRollout, Op: "lock", Help: "wait for it", Err: errors.New("a rollout of gkeapp is already in progress")}
	svc.mu.Unlock()
	_, err = client.StartRollout(ctx, rollout.Request{Workload: "gkeapp"})
	require.True(t, fault.Is(err, fault.ConcurrentRollout))
	var ferr *fault.Error
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, "wait for it", ferr.Help)

	_, err = client.Rollback(ctx, "gkeapp", 7)
	assert.True(t, fault.Is(err, fault.NotFound))

	_, err = client.Rollback(ctx, "gkeapp", 0)
	assert.True(t, fault.Is(err, fault.Validation))
}

func TestStatusCodes(t *testing.T) {
	srv, _ := newTestServer(t, newFakeService())

	for _, tc := range []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"bad body", "POST", "/v1/rollouts", `{"workload": "gkeapp", "surprise": true}`, http.StatusBadRequest},
		{"accepted", "POST", "/v1/rollouts", `{"workload": "gkeapp"}`, http.StatusAccepted},
		{"missing rollout", "GET", "/v1/rollouts/nope", "", http.StatusNotFound},
		{"cancel finished", "POST", "/v1/rollouts/r1/cancel", "", http.StatusConflict},
		{"no route", "GET", "/v2/everything", "", http.StatusNotFound},
		{"ping", "GET", "/v1/ping", "", http.StatusNoContent},
		{"artifacts", "GET", "/v1/artifacts", "", http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var body io.Reader
			if tc.body != "" {
				body = strings.NewReader(tc.body)
			}
			req, err := http.NewRequest(tc.method, srv.URL+tc.path, body)
			require.NoError(t, err)
			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.code, resp.StatusCode)
		})
	}
}

func TestErrorBody(t *testing.T) {
	srv, _ := newTestServer(t, newFakeService())

	resp, err := srv.Client().Get(srv.URL + "/v1/rollouts/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind": "not-found", "error": "rollout nope not found"}`, string(data))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, client := newTestServer(t, newFakeService())
	require.NoError(t, client.Ping(context.Background()))

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "roll_api_request_duration_seconds")
}

func TestListArtifacts(t *testing.T) {
	_, client := newTestServer(t, newFakeService())
	artifacts, err := client.ListArtifacts(context.Background())
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "gcr.io/demo/gkeapp", artifacts[0].Repository)
}

func TestStartDefaultsAbsentReplicas(t *testing.T) {
	for _, tc := range []struct {
		name     string
		template string
		replicas int
	}{
		{"absent", `{"name": "gkeapp", "port": 8080, "image": {"repository": "gcr.io/demo/gkeapp", "tag": "v1"}}`, 1},
		{"explicit zero", `{"name": "gkeapp", "replicas": 0, "port": 8080, "image": {"repository": "gcr.io/demo/gkeapp", "tag": "v1"}}`, 0},
		{"explicit", `{"name": "gkeapp", "replicas": 3, "port": 8080, "image": {"repository": "gcr.io/demo/gkeapp", "tag": "v1"}}`, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			svc := newFakeService()
			srv, _ := newTestServer(t, svc)

			body := `{"workload": "gkeapp", "template": ` + tc.template + `}`
			resp, err := srv.Client().Post(srv.URL+"/v1/rollouts", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusAccepted, resp.StatusCode)

			require.Len(t, svc.requests, 1)
			require.NotNil(t, svc.requests[0].Template)
			assert.Equal(t, tc.replicas, svc.requests[0].Template.Replicas)
		})
	}
}
