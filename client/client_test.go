package client_test

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/InsulaLabs/fact/client"
	"github.com/InsulaLabs/fact/models"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ClientTestSuite runs the client against a canned factd.
type ClientTestSuite struct {
	suite.Suite
	srv    *httptest.Server
	client *client.Client

	mu       sync.Mutex
	requests []*http.Request
	uploaded models.UploadManifest
}

func (s *ClientTestSuite) lastQuery() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1].URL.Query()
}

func (s *ClientTestSuite) SetupTest() {
	s.requests = nil
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.StatusResponse{
			SystemStatus: map[string]models.ComponentStatus{"backend": {Healthy: true, Status: "idle"}},
			Plugins:      map[string]models.PluginInfo{"file_type": {Version: "1.0"}},
		})
	})
	mux.HandleFunc("POST /rest/firmware", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		json.NewDecoder(r.Body).Decode(&s.uploaded)
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.UploadResponse{UID: "fw_1", RunID: "run-1", Tasks: 4})
	})
	mux.HandleFunc("GET /rest/firmware/{uid}/tree", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"uid": r.PathValue("uid"), "root_uid": r.URL.Query().Get("root")})
	})
	mux.HandleFunc("GET /rest/file_object/{uid}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(models.ErrorResponse{Error: "object not found: " + r.PathValue("uid"), Request: r.URL.Path})
	})
	mux.HandleFunc("GET /rest/missing_analyses", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
	})

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Clone(r.Context()))
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))

	var err error
	s.client, err = client.NewClient(&client.Config{
		BaseURL: s.srv.URL,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	s.Require().NoError(err)
}

func (s *ClientTestSuite) TearDownTest() {
	s.srv.Close()
}

func (s *ClientTestSuite) TestStatus() {
	status, err := s.client.Status()
	s.Require().NoError(err)
	s.True(status.SystemStatus["backend"].Healthy)
	s.Contains(status.Plugins, "file_type")
}

func (s *ClientTestSuite) TestSubmitFirmware() {
	up, err := s.client.SubmitFirmware(&models.UploadManifest{FileName: "fw.bin", Binary: []byte("abc"), PluginSet: "minimal"})
	s.Require().NoError(err)
	s.Equal("run-1", up.RunID)
	s.mu.Lock()
	s.Equal("minimal", s.uploaded.PluginSet)
	s.Equal([]byte("abc"), s.uploaded.Binary)
	s.mu.Unlock()

	_, err = s.client.SubmitFirmware(&models.UploadManifest{})
	s.Error(err)
}

func (s *ClientTestSuite) TestTreeQuery() {
	var out struct {
		UID  string `json:"uid"`
		Root string `json:"root_uid"`
	}
	s.Require().NoError(s.client.Tree("fw_1", "other_2", 3, &out))
	s.Equal("fw_1", out.UID)
	s.Equal("other_2", out.Root)

	s.Equal("3", s.lastQuery().Get("depth"))

	s.Require().NoError(s.client.Tree("fw_1", "", 0, &out))
	s.False(s.lastQuery().Has("root"))
	s.False(s.lastQuery().Has("depth"))
}

func (s *ClientTestSuite) TestErrors() {
	_, err := s.client.FileObject("missing", "")
	s.Require().Error(err)
	s.True(errors.Is(err, client.ErrNotFound))
	var apiErr *client.APIError
	s.Require().True(errors.As(err, &apiErr))
	s.Equal("object not found: missing", apiErr.Message)

	_, err = s.client.MissingAnalyses()
	s.True(errors.Is(err, client.ErrRateLimited))
	s.False(errors.Is(err, client.ErrNotFound))
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func TestNewClientRejectsBadURLs(t *testing.T) {
	_, err := client.NewClient(&client.Config{})
	require.Error(t, err)
	_, err = client.NewClient(&client.Config{BaseURL: "ftp://example.com"})
	require.Error(t, err)
}
