package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/broadcast"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/database"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/decoder"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/sources"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/tracking"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("source-%02d", p.next), nil
}

type testEnvironment struct {
	handler    http.Handler
	db         *gorm.DB
	registry   *sources.Registry
	tracking   *tracking.Service
	dispatcher *broadcast.Dispatcher
	uploadDir  string
}

func newTestEnvironment(t *testing.T, configure func(*Dependencies)) testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "tidewatch.db"), nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	registry, err := sources.NewRegistry(sources.RegistryConfig{Database: db, IDProvider: &sequentialIDs{}})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	dispatcher := broadcast.NewDispatcher(broadcast.Config{})
	service, err := tracking.NewService(tracking.ServiceConfig{
		Database:  db,
		Decoder:   decoder.NewAISDecoder(),
		Sources:   registry,
		Directory: registry,
		Publisher: dispatcher,
	})
	if err != nil {
		t.Fatalf("new tracking service: %v", err)
	}

	deps := Dependencies{
		Tracking:   service,
		Sources:    registry,
		Dispatcher: dispatcher,
		UploadDir:  filepath.Join(t.TempDir(), "uploads"),
	}
	if configure != nil {
		configure(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return testEnvironment{
		handler:    handler,
		db:         db,
		registry:   registry,
		tracking:   service,
		dispatcher: dispatcher,
		uploadDir:  deps.UploadDir,
	}
}

func (e testEnvironment) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for index := 0; index+1 < len(headers); index += 2 {
		request.Header.Set(headers[index], headers[index+1])
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}
