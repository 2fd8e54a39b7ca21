package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/alexandertiopan1212/netzero-ems/pkg/log"
	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements Database using Google Cloud Firestore.
// Device metadata lives in "devices/{sn}" and every collection instant is one
// document in "devices/{sn}/readings" keyed by its RFC3339 timestamp, holding
// all metrics as a JSON blob.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// the project ID can be detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) readings(deviceSN string) (*firestore.CollectionRef, error) {
	if deviceSN == "" {
		return nil, errors.New("device serial cannot be empty")
	}
	return f.client.Collection("devices").Doc(deviceSN).Collection("readings"), nil
}

func readingDocID(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// historyStartID returns the first doc ID at or after since. Doc IDs have
// second precision, so a fractional since rounds up.
func historyStartID(since time.Time) string {
	start := since.Truncate(time.Second)
	if start.Before(since) {
		start = start.Add(time.Second)
	}
	return readingDocID(start)
}

// UpsertDeviceMeta saves the device document as a JSON blob.
func (f *FirestoreProvider) UpsertDeviceMeta(ctx context.Context, meta types.DeviceMeta) error {
	if meta.SN == "" {
		return errors.New("device serial cannot be empty")
	}
	meta.LastUpdate = meta.LastUpdate.UTC()
	jsonBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal device meta: %w", err)
	}
	_, err = f.client.Collection("devices").Doc(meta.SN).Set(ctx, map[string]interface{}{
		"json":       string(jsonBytes),
		"lastUpdate": meta.LastUpdate,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert device meta: %w", err)
	}
	return nil
}

// ListDevices returns every device document ordered by serial.
func (f *FirestoreProvider) ListDevices(ctx context.Context) ([]types.DeviceMeta, error) {
	iter := f.client.Collection("devices").OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var devices []types.DeviceMeta
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating devices: %w", err)
		}
		var meta types.DeviceMeta
		if err := decodeJSONField(ctx, doc, &meta); err != nil {
			return nil, err
		}
		devices = append(devices, meta)
	}
	return devices, nil
}

func decodeJSONField(ctx context.Context, doc *firestore.DocumentSnapshot, dest any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("path", doc.Ref.Path), slog.Any("err", err))
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("path", doc.Ref.Path))
		return fmt.Errorf("document %s 'json' field is not string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc", slog.String("path", doc.Ref.Path), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal document (id=%s): %w", doc.Ref.ID, err)
	}
	return nil
}

// InsertReadings groups the readings by device and instant and merges each
// group into the instant's document. Keys already stored for that instant
// are overwritten by the new values.
func (f *FirestoreProvider) InsertReadings(ctx context.Context, readings []types.Reading) error {
	type instant struct {
		sn string
		id string
	}
	groups := make(map[instant]types.Metrics)
	stamps := make(map[instant]time.Time)
	var order []instant
	for _, r := range readings {
		k := instant{sn: r.DeviceSN, id: readingDocID(r.Timestamp)}
		if _, ok := groups[k]; !ok {
			groups[k] = make(types.Metrics)
			stamps[k] = r.Timestamp.UTC()
			order = append(order, k)
		}
		groups[k][r.Key] = types.MetricValue{Value: r.Value, Unit: r.Unit}
	}

	for _, k := range order {
		coll, err := f.readings(k.sn)
		if err != nil {
			return err
		}
		ref := coll.Doc(k.id)
		err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			merged := make(types.Metrics)
			doc, err := tx.Get(ref)
			switch {
			case status.Code(err) == codes.NotFound:
			case err != nil:
				return err
			default:
				if err := decodeJSONField(ctx, doc, &merged); err != nil {
					return err
				}
			}
			for key, v := range groups[k] {
				merged[key] = v
			}
			jsonBytes, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("failed to marshal readings: %w", err)
			}
			return tx.Set(ref, map[string]interface{}{
				"json":      string(jsonBytes),
				"timestamp": stamps[k],
			})
		})
		if err != nil {
			return fmt.Errorf("failed to insert readings (device=%s, id=%s): %w", k.sn, k.id, err)
		}
	}
	return nil
}

// GetLatestReadings returns the newest readings document.
func (f *FirestoreProvider) GetLatestReadings(ctx context.Context, deviceSN string) (time.Time, types.Metrics, error) {
	coll, err := f.readings(deviceSN)
	if err != nil {
		return time.Time{}, nil, err
	}
	iter := coll.OrderBy(firestore.DocumentID, firestore.Desc).Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, nil, ErrDeviceNotFound
	}
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("failed to get latest readings doc: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("invalid readings doc id %s: %w", doc.Ref.ID, err)
	}
	var m types.Metrics
	if err := decodeJSONField(ctx, doc, &m); err != nil {
		return time.Time{}, nil, err
	}
	return ts, m, nil
}

// GetHistory uses document ID range queries so only the requested window is
// read.
func (f *FirestoreProvider) GetHistory(ctx context.Context, deviceSN, key string, since time.Time) ([]types.Point, error) {
	coll, err := f.readings(deviceSN)
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(historyStartID(since))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	return collectPoints(ctx, iter, key, 0)
}

// GetRecentReadings walks the readings newest first until limit documents
// containing key were found.
func (f *FirestoreProvider) GetRecentReadings(ctx context.Context, deviceSN, key string, limit int) ([]types.Point, error) {
	if limit <= 0 {
		return nil, nil
	}
	coll, err := f.readings(deviceSN)
	if err != nil {
		return nil, err
	}
	iter := coll.OrderBy(firestore.DocumentID, firestore.Desc).Documents(ctx)
	defer iter.Stop()

	return collectPoints(ctx, iter, key, limit)
}

func collectPoints(ctx context.Context, iter *firestore.DocumentIterator, key string, limit int) ([]types.Point, error) {
	var points []types.Point
	for limit == 0 || len(points) < limit {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating readings: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid readings doc id %s: %w", doc.Ref.ID, err)
		}
		var m types.Metrics
		if err := decodeJSONField(ctx, doc, &m); err != nil {
			return nil, err
		}
		if v, ok := m[key]; ok {
			points = append(points, types.Point{Timestamp: ts, Value: v.Value})
		}
	}
	return points, nil
}
