package tracking

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestGreatCircleKM(t *testing.T) {
	distance := GreatCircleKM(0, 0, 0, 1)
	if math.Abs(distance-111.19) > 0.05 {
		t.Fatalf("expected ~111.19 km per degree at the equator, got %.3f", distance)
	}
	if GreatCircleKM(52, 4, 52, 4) != 0 {
		t.Fatalf("expected zero distance for identical points")
	}
}

func TestRadiusWithinIgnoresCandidatesBeyondLimit(t *testing.T) {
	candidates := [][2]float64{{0, 1}, {0, 10}}
	radius := RadiusWithin(0, 0, candidates, 500)
	if math.Abs(radius-111.19) > 0.05 {
		t.Fatalf("expected radius of the nearer candidate, got %.3f", radius)
	}
	if RadiusWithin(0, 0, nil, 500) != 0 {
		t.Fatalf("expected zero radius without candidates")
	}
	if RadiusWithin(0, 0, [][2]float64{{0, 10}}, 500) != 0 {
		t.Fatalf("expected zero radius when every candidate is beyond the limit")
	}
}

func TestSpoofAnchorsPerSource(t *testing.T) {
	directory := fakeDirectory{sources: []SourceInfo{
		{SourceID: "source-a", Name: "Harbour receiver", SpoofLimitKM: 500},
		{SourceID: "source-b", Name: "Roof receiver", SpoofLimitKM: 500},
	}}
	harness := newHarness(t, directory)
	start := harness.now

	own := harness.decoder.add("!AIVDO,own", 1, positionFields(244999999, 52, 4))
	near := harness.decoder.add("!AIVDM,near", 1, positionFields(244000001, 53, 4))
	far := harness.decoder.add("!AIVDM,far", 1, positionFields(244000002, 62, 4))
	repeated := positionFields(244000003, 55, 4)
	repeated["repeat"] = 1
	relayed := harness.decoder.add("!AIVDM,relayed", 1, repeated)
	base := harness.decoder.add("!AIVDM,base", 4, map[string]any{"station_id": uint64(2442000), "lat": 52.0, "lon": 4.0})

	harness.route(t, "source-a", own, start)
	harness.route(t, "source-a", near, start.Add(time.Second))
	harness.route(t, "source-a", far, start.Add(2*time.Second))
	harness.route(t, "source-a", relayed, start.Add(3*time.Second))
	harness.route(t, "source-a", base, start.Add(4*time.Second))
	harness.route(t, "source-b", base, start.Add(5*time.Second))

	anchors, err := harness.service.SpoofAnchors(context.Background())
	if err != nil {
		t.Fatalf("anchors: %v", err)
	}
	if len(anchors) != 3 {
		t.Fatalf("expected 3 anchors (own ship, base on a, base on b), got %+v", anchors)
	}

	byKey := make(map[string]SpoofAnchor)
	for _, anchor := range anchors {
		byKey[anchor.SourceID+"/"+anchor.StationID] = anchor
	}

	ownAnchor := byKey["source-a/244999999"]
	if !ownAnchor.IsOwnTransmission || ownAnchor.SourceName != "Harbour receiver" {
		t.Fatalf("unexpected own-ship anchor %+v", ownAnchor)
	}
	// 53N is ~111 km away; 62N is beyond the 500 km limit; the relayed 55N report is excluded.
	if math.Abs(ownAnchor.RadiusKM-111.19) > 0.1 {
		t.Fatalf("expected radius ~111 km, got %.3f", ownAnchor.RadiusKM)
	}
	if ownAnchor.MultiSource {
		t.Fatalf("own ship only anchors one source")
	}

	baseOnA := byKey["source-a/2442000"]
	baseOnB := byKey["source-b/2442000"]
	if !baseOnA.MultiSource || !baseOnB.MultiSource {
		t.Fatalf("expected base station anchors to be flagged multi-source")
	}
	if baseOnB.RadiusKM != 0 {
		t.Fatalf("expected zero radius for a source without candidates, got %.3f", baseOnB.RadiusKM)
	}
}
