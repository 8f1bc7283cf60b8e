package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/helioplan/helioplan/pkg/log"
	"github.com/helioplan/helioplan/pkg/types"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. It persists settings, plans and energy summaries to Firestore
// collections.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	// planRetention bounds how long plan documents are kept.
	planRetention time.Duration
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	retention := lflag.Duration("plan-retention", 14*24*time.Hour, "How long plan documents are kept")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.planRetention = *retention

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
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

// GetSettings retrieves the dynamic configuration from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.client.Collection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// Return default settings if not found
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "settings doc missing json")
		return types.Settings{}, 0, fmt.Errorf("settings document missing 'json' field: %w", err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "settings doc json not string")
		return types.Settings{}, 0, fmt.Errorf("settings 'json' field is not a string")
	}

	var s types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal settings json", slog.Any("err", err))
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings" document.
// It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = f.client.Collection("config").Doc("settings").Set(ctx, map[string]any{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// InsertPlan writes one accepted plan, keyed by its creation time, and
// prunes plans past the retention window.
func (f *FirestoreProvider) InsertPlan(ctx context.Context, plan types.Plan) error {
	jsonBytes, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	id := plan.CreatedAt.UTC().Format(time.RFC3339)
	_, err = f.client.Collection("plans").Doc(id).Set(ctx, map[string]any{
		"ts":      plan.CreatedAt,
		"json":    string(jsonBytes),
		"version": types.CurrentPlanVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}

	if f.planRetention > 0 {
		if err := f.prunePlans(ctx, plan.CreatedAt.Add(-f.planRetention)); err != nil {
			// pruning is housekeeping, the plan itself landed
			log.Ctx(ctx).WarnContext(ctx, "failed to prune old plans", slog.Any("error", err))
		}
	}
	return nil
}

func (f *FirestoreProvider) prunePlans(ctx context.Context, cutoff time.Time) error {
	iter := f.client.Collection("plans").
		Where("ts", "<", cutoff).
		Limit(64).
		Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return err
		}
	}
}

// GetLatestPlan returns the most recently inserted plan.
func (f *FirestoreProvider) GetLatestPlan(ctx context.Context) (types.Plan, error) {
	iter := f.client.Collection("plans").
		OrderBy("ts", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.Plan{}, ErrNotFound
	}
	if err != nil {
		return types.Plan{}, fmt.Errorf("failed to fetch latest plan: %w", err)
	}
	return decodePlan(doc.Data())
}

// GetPlanHistory returns plans created in [start, end).
func (f *FirestoreProvider) GetPlanHistory(ctx context.Context, start, end time.Time) ([]types.Plan, error) {
	iter := f.client.Collection("plans").
		Where("ts", ">=", start).
		Where("ts", "<", end).
		OrderBy("ts", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var plans []types.Plan
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch plan history: %w", err)
		}
		p, err := decodePlan(doc.Data())
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping undecodable plan doc", slog.Any("error", err))
			continue
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func decodePlan(data map[string]any) (types.Plan, error) {
	val, ok := data["json"].(string)
	if !ok {
		return types.Plan{}, fmt.Errorf("plan document missing 'json' field")
	}
	var p types.Plan
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return types.Plan{}, fmt.Errorf("failed to unmarshal plan json: %w", err)
	}
	return p, nil
}

// UpsertEnergyDay writes one day's actual energy summary, keyed by date.
func (f *FirestoreProvider) UpsertEnergyDay(ctx context.Context, day types.EnergyDay) error {
	jsonBytes, err := json.Marshal(day)
	if err != nil {
		return fmt.Errorf("failed to marshal energy day: %w", err)
	}
	id := day.Date.UTC().Format("2006-01-02")
	_, err = f.client.Collection("energy").Doc(id).Set(ctx, map[string]any{
		"ts":      day.Date,
		"json":    string(jsonBytes),
		"version": types.CurrentEnergyDayVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to save energy day: %w", err)
	}
	return nil
}

// GetEnergyDays returns energy summaries with dates in [start, end).
func (f *FirestoreProvider) GetEnergyDays(ctx context.Context, start, end time.Time) ([]types.EnergyDay, error) {
	iter := f.client.Collection("energy").
		Where("ts", ">=", start).
		Where("ts", "<", end).
		OrderBy("ts", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var days []types.EnergyDay
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch energy days: %w", err)
		}
		val, ok := doc.Data()["json"].(string)
		if !ok {
			continue
		}
		var d types.EnergyDay
		if err := json.Unmarshal([]byte(val), &d); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping undecodable energy doc", slog.Any("error", err))
			continue
		}
		days = append(days, d)
	}
	return days, nil
}

var _ Database = (*FirestoreProvider)(nil)
