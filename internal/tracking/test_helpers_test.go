package tracking

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/broadcast"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/decoder"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type fakeResult struct {
	fields      decoder.Fields
	messageType int
	err         error
}

type fakeDecoder struct {
	results map[string]fakeResult
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{results: make(map[string]fakeResult)}
}

func (d *fakeDecoder) Decode(_, raw string) (decoder.Fields, int, error) {
	result, ok := d.results[raw]
	if !ok {
		return nil, 0, decoder.ErrUndecodable
	}
	return result.fields, result.messageType, result.err
}

// add registers a sentence and returns its raw text.
func (d *fakeDecoder) add(raw string, messageType int, fields decoder.Fields) string {
	d.results[raw] = fakeResult{fields: fields, messageType: messageType}
	return raw
}

type fakeGate struct {
	mu        sync.Mutex
	db        *gorm.DB
	paused    map[string]bool
	fragments map[string]int
	messages  map[string]int
	purges    int
}

func newFakeGate(db *gorm.DB) *fakeGate {
	return &fakeGate{
		db:        db,
		paused:    make(map[string]bool),
		fragments: make(map[string]int),
		messages:  make(map[string]int),
	}
}

func (g *fakeGate) IsPaused(sourceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused[sourceID]
}

func (g *fakeGate) RecordFragment(_ context.Context, sourceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fragments[sourceID]++
	return nil
}

func (g *fakeGate) RecordMessage(_ context.Context, sourceID string, _ time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages[sourceID]++
	return nil
}

func (g *fakeGate) EnforceMessageLimit(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purges++
	return nil
}

func (g *fakeGate) TouchTarget(ctx context.Context, sourceID, stationID string, seenAt time.Time, nonVessel bool) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "station_id"}, {Name: "source_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen"}),
	}).Create(&VesselSource{StationID: stationID, SourceID: sourceID, LastSeen: seenAt, NonVessel: nonVessel}).Error
}

type fakeDirectory struct {
	sources []SourceInfo
}

func (d fakeDirectory) ActiveSources(context.Context) ([]SourceInfo, error) {
	return d.sources, nil
}

func (d fakeDirectory) SpoofLimitKM(_ context.Context, sourceID string) (float64, error) {
	for _, source := range d.sources {
		if source.SourceID == sourceID {
			return source.SpoofLimitKM, nil
		}
	}
	return 0, ErrNotFound
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (p *recordingPublisher) Publish(event broadcast.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, len(p.events))
	for index, event := range p.events {
		types[index] = event.Type
	}
	return types
}

type recordingEnqueuer struct {
	mu       sync.Mutex
	stations []string
}

func (e *recordingEnqueuer) Enqueue(stationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stations = append(e.stations, stationID)
	return true
}

type testHarness struct {
	db        *gorm.DB
	service   *Service
	decoder   *fakeDecoder
	gate      *fakeGate
	publisher *recordingPublisher
	enqueuer  *recordingEnqueuer
	now       time.Time
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "tracking.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newHarness(t *testing.T, directory SourceDirectory) *testHarness {
	t.Helper()
	return newConfiguredHarness(t, directory, nil)
}

// newConfiguredHarness lets configure adjust the service config before construction.
func newConfiguredHarness(t *testing.T, directory SourceDirectory, configure func(*ServiceConfig)) *testHarness {
	t.Helper()
	db := openTestDatabase(t)
	harness := &testHarness{
		db:        db,
		decoder:   newFakeDecoder(),
		gate:      newFakeGate(db),
		publisher: &recordingPublisher{},
		enqueuer:  &recordingEnqueuer{},
		now:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := ServiceConfig{
		Database:   db,
		Decoder:    harness.decoder,
		Sources:    harness.gate,
		Directory:  directory,
		Publisher:  harness.publisher,
		Enrichment: harness.enqueuer,
		Validity:   DefaultValidityPolicy(),
		Clock:      func() time.Time { return harness.now },
	}
	if configure != nil {
		configure(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	harness.service = service
	return harness
}

func (h *testHarness) route(t *testing.T, sourceID, raw string, at time.Time) Outcome {
	t.Helper()
	outcome, err := h.service.Route(context.Background(), Sentence{SourceID: sourceID, Raw: raw, LoggedAt: at})
	if err != nil {
		t.Fatalf("route %q: %v", raw, err)
	}
	return outcome
}

func positionFields(stationID uint64, lat, lon float64) decoder.Fields {
	return decoder.Fields{
		decoder.FieldStationID: stationID,
		decoder.FieldRepeat:    0,
		decoder.FieldLat:       lat,
		decoder.FieldLon:       lon,
		decoder.FieldSpeed:     12.5,
		decoder.FieldCourse:    90.0,
		decoder.FieldHeading:   88,
		decoder.FieldNavStatus: 0,
	}
}

func (h *testHarness) positions(t *testing.T, stationID string) []Position {
	t.Helper()
	var positions []Position
	if err := h.db.Where("station_id = ?", stationID).Order("timestamp ASC").Order("id ASC").Find(&positions).Error; err != nil {
		t.Fatalf("load positions: %v", err)
	}
	return positions
}

func (h *testHarness) vessel(t *testing.T, stationID string) Vessel {
	t.Helper()
	var vessel Vessel
	if err := h.db.Where("station_id = ?", stationID).Take(&vessel).Error; err != nil {
		t.Fatalf("load vessel %s: %v", stationID, err)
	}
	return vessel
}

func floatEquals(value *float64, expected float64) bool {
	return value != nil && *value == expected
}
