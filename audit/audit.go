// Package audit persists run records and stage events to MongoDB. The sink
// is optional: without MONGODB_URI the pipeline runs exactly the same, it
// just leaves no trail.
package audit

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"podcast_video_gen/events"
)

// Run status values.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// RunRecord is one pipeline run's audit document.
type RunRecord struct {
	RunID       string     `bson:"run_id" json:"run_id"`
	Name        string     `bson:"name" json:"name"`
	Status      string     `bson:"status" json:"status"`
	OutputPaths []string   `bson:"output_paths,omitempty" json:"output_paths,omitempty"`
	FailedCause string     `bson:"failed_cause,omitempty" json:"failed_cause,omitempty"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Sink writes audit documents. A nil Sink is valid and does nothing, so
// callers never branch on whether auditing is configured.
type Sink struct {
	client *mongo.Client
	runs   *mongo.Collection
	events *mongo.Collection
}

// Connect opens the audit sink from MONGODB_URI. An empty URI returns
// (nil, nil): auditing disabled.
func Connect(ctx context.Context) (*Sink, error) {
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		log.Printf("📋 MONGODB_URI not set, audit trail disabled")
		return nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %v", err)
	}

	dbName := os.Getenv("MONGODB_DATABASE")
	if dbName == "" {
		dbName = "podcast_video_gen"
	}
	database := client.Database(dbName)

	sink := &Sink{
		client: client,
		runs:   database.Collection("runs"),
		events: database.Collection("stage_events"),
	}
	if err := sink.createIndexes(connectCtx); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %v", err)
	}

	log.Printf("✅ MongoDB audit sink connected (%s)", dbName)
	return sink, nil
}

func (s *Sink) createIndexes(ctx context.Context) error {
	_, err := s.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	return err
}

// Close disconnects from MongoDB.
func (s *Sink) Close(ctx context.Context) {
	if s == nil {
		return
	}
	if err := s.client.Disconnect(ctx); err != nil {
		log.Printf("⚠️ Error disconnecting audit sink: %v", err)
	}
}

// RunStarted records a new run in the processing state.
func (s *Sink) RunStarted(ctx context.Context, runID, name string) {
	if s == nil {
		return
	}
	_, err := s.runs.InsertOne(ctx, RunRecord{
		RunID:     runID,
		Name:      name,
		Status:    StatusProcessing,
		CreatedAt: time.Now(),
	})
	if err != nil {
		log.Printf("⚠️ Failed to record run start: %v", err)
	}
}

// RunFinished marks the run completed or failed.
func (s *Sink) RunFinished(ctx context.Context, runID string, outputPaths []string, cause string) {
	if s == nil {
		return
	}
	status := StatusCompleted
	if cause != "" {
		status = StatusFailed
	}
	now := time.Now()
	_, err := s.runs.UpdateOne(ctx,
		bson.M{"run_id": runID},
		bson.M{"$set": bson.M{
			"status":       status,
			"output_paths": outputPaths,
			"failed_cause": cause,
			"completed_at": now,
		}})
	if err != nil {
		log.Printf("⚠️ Failed to record run finish: %v", err)
	}
}

// RecordEvent appends one stage event to the trail. Progress events are
// skipped; at 2 s cadence they would swamp the collection.
func (s *Sink) RecordEvent(event events.Event) {
	if s == nil || event.Type == events.SupervisorProgress {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.events.InsertOne(ctx, event); err != nil {
		log.Printf("⚠️ Failed to record %s event: %v", event.Type, err)
	}
}
