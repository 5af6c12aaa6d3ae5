package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelURL(t *testing.T) {
	tests := []struct {
		base  string
		jobID string
		want  string
	}{
		{"http://localhost:8080", "job-1", "ws://localhost:8080/jobs/job-1/updates"},
		{"https://api.example.com/v1/", "job-2", "wss://api.example.com/v1/jobs/job-2/updates"},
	}

	for _, tt := range tests {
		c := NewHTTPClient(tt.base, 0, nil)
		if got := c.ChannelURL(tt.jobID); got != tt.want {
			t.Errorf("ChannelURL(%s) = %q, want %q", tt.jobID, got, tt.want)
		}
	}
}

func TestStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, nil)
	_, err := c.Status(context.Background(), "job-gone")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobNotFound), "404 must map to ErrJobNotFound, got %v", err)
}

func TestStatusGoneMapsToNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, nil)
	_, err := c.Status(context.Background(), "job-expired")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestSubmitIntake(t *testing.T) {
	var gotPath string
	var gotReq IntakeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(SubmitResponse{JobID: "job-42"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, nil)
	resp, err := c.SubmitIntake(context.Background(), IntakeRequest{
		Matter:   "NDA review",
		Role:     "receiving_party",
		Scenario: "contract_review",
	})
	require.NoError(t, err)
	assert.Equal(t, "job-42", resp.JobID)
	assert.Equal(t, "/jobs", gotPath)
	assert.Equal(t, "NDA review", gotReq.Matter)
	assert.Equal(t, "receiving_party", gotReq.Role)
}

func TestSubmitIntakeEmptyJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(SubmitResponse{})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, nil)
	_, err := c.SubmitIntake(context.Background(), IntakeRequest{Matter: "x"})
	require.Error(t, err)
}

func TestConfirmIntakePath(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, nil)
	err := c.ConfirmIntake(context.Background(), "job-9", ConfirmIntakeRequest{
		Fields:       map[string]string{"term": "36 months"},
		EditedFields: []string{"term"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/jobs/job-9/intake/confirm", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestRunModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/job-3/analysis/runs/model-a", r.URL.Path)
		json.NewEncoder(w).Encode(ModelRunResponse{
			Backend:       "model-a",
			Findings:      12,
			RiskCount:     3,
			Confidence:    0.91,
			HeadlineScore: 74,
			Summary:       "three indemnity gaps",
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, nil)
	resp, err := c.RunModel(context.Background(), "job-3", "model-a")
	require.NoError(t, err)
	assert.Equal(t, 12, resp.Findings)
	assert.InDelta(t, 0.91, resp.Confidence, 1e-9)
}

func TestServerErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, nil)
	_, err := c.Result(context.Background(), "job-5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.False(t, errors.Is(err, ErrJobNotFound))
}

func TestContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewHTTPClient(srv.URL, 10*time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Status(ctx, "job-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
