package mongo

import (
	"testing"

	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
)

func TestToBSON_NestedDocuments(t *testing.T) {
	doc := domain.Document{
		"precipitation_mm": 1.25,
		"source_file":      nil,
		"last_error": domain.Document{
			"error": "fetching: download failed",
			"kind":  "download_failed",
		},
	}

	got := toBSON(doc)

	want := bson.M{
		"precipitation_mm": 1.25,
		"source_file":      nil,
		"last_error": bson.M{
			"error": "fetching: download failed",
			"kind":  "download_failed",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("toBSON mismatch (-want +got):\n%s", diff)
	}
}

func TestFromBSON_NormalizesDriverTypes(t *testing.T) {
	raw := bson.M{
		"pixel_x":          int32(9),
		"pixel_y":          int64(7),
		"precipitation_mm": 12.5,
		"isFallback":       false,
		"last_error": bson.D{
			{Key: "stage", Value: "decoding"},
			{Key: "source_file", Value: nil},
		},
		"extra": bson.M{"n": int32(1)},
	}

	got := fromBSON(raw)

	want := domain.Document{
		"pixel_x":          9,
		"pixel_y":          7,
		"precipitation_mm": 12.5,
		"isFallback":       false,
		"last_error":       domain.Document{"stage": "decoding", "source_file": nil},
		"extra":            domain.Document{"n": 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("fromBSON mismatch (-want +got):\n%s", diff)
	}
}
