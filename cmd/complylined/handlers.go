package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"github.com/complyline/complyline/runtime/dispatch"
	"github.com/complyline/complyline/runtime/task"
	"github.com/complyline/complyline/runtime/verify"
)

// taskTypes lists the assessment task types this daemon executes. The guard
// grants create capabilities from the same list.
var taskTypes = []string{
	"create_project",
	"update_control_status",
	"attach_evidence",
	"generate_findings_summary",
}

// assessmentStore is the slice of compliance data the task handlers touch.
type assessmentStore interface {
	CreateProject(ctx context.Context, name, framework string) (string, error)
	UpdateControlStatus(ctx context.Context, controlID, status string) error
	ControlStatusCounts(ctx context.Context, projectID string) (map[string]int, error)
}

var (
	createProjectSchema = []byte(`{
		"type": "object",
		"required": ["name", "framework"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"framework": {"type": "string", "minLength": 1}
		}
	}`)

	updateControlStatusSchema = []byte(`{
		"type": "object",
		"required": ["control_id", "status"],
		"properties": {
			"control_id": {"type": "string", "minLength": 1},
			"status": {"enum": ["not_started", "in_progress", "implemented", "not_applicable"]}
		}
	}`)

	attachEvidenceSchema = []byte(`{
		"type": "object",
		"required": ["control_id", "submitted_by"],
		"properties": {
			"control_id": {"type": "string", "minLength": 1},
			"submitted_by": {"type": "string", "minLength": 1},
			"location": {"type": "string"}
		}
	}`)

	findingsSummarySchema = []byte(`{
		"type": "object",
		"required": ["project_id"],
		"properties": {
			"project_id": {"type": "string", "minLength": 1}
		}
	}`)
)

// registerHandlers binds the assessment task types the conversational agent
// can request.
func registerHandlers(reg *dispatch.Registry, store assessmentStore, wf *verify.Workflow) error {
	if err := reg.Register("create_project", createProjectHandler(store), dispatch.WithSchema(createProjectSchema)); err != nil {
		return err
	}
	if err := reg.Register("update_control_status", updateControlStatusHandler(store), dispatch.WithSchema(updateControlStatusSchema)); err != nil {
		return err
	}
	if err := reg.Register("attach_evidence", attachEvidenceHandler(wf), dispatch.WithSchema(attachEvidenceSchema)); err != nil {
		return err
	}
	if err := reg.Register("generate_findings_summary", findingsSummaryHandler(store), dispatch.WithSchema(findingsSummarySchema)); err != nil {
		return err
	}
	return nil
}

func createProjectHandler(store assessmentStore) dispatch.Handler {
	return func(ctx context.Context, t task.Task) (json.RawMessage, error) {
		var req struct {
			Name      string `json:"name"`
			Framework string `json:"framework"`
		}
		if err := json.Unmarshal(t.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		id, err := store.CreateProject(ctx, req.Name, req.Framework)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"project_id": id})
	}
}

func updateControlStatusHandler(store assessmentStore) dispatch.Handler {
	return func(ctx context.Context, t task.Task) (json.RawMessage, error) {
		var req struct {
			ControlID string `json:"control_id"`
			Status    string `json:"status"`
		}
		if err := json.Unmarshal(t.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		if err := store.UpdateControlStatus(ctx, req.ControlID, req.Status); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"control_id": req.ControlID, "status": req.Status})
	}
}

func attachEvidenceHandler(wf *verify.Workflow) dispatch.Handler {
	return func(ctx context.Context, t task.Task) (json.RawMessage, error) {
		var req struct {
			ControlID   string `json:"control_id"`
			SubmittedBy string `json:"submitted_by"`
			Location    string `json:"location"`
		}
		if err := json.Unmarshal(t.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		ev, err := wf.Submit(ctx, req.ControlID, req.SubmittedBy)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{
			"evidence_id": ev.ID,
			"status":      string(ev.Status),
		})
	}
}

func findingsSummaryHandler(store assessmentStore) dispatch.Handler {
	return func(ctx context.Context, t task.Task) (json.RawMessage, error) {
		var req struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.Unmarshal(t.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		counts, err := store.ControlStatusCounts(ctx, req.ProjectID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"project_id":   req.ProjectID,
			"generated_at": time.Now().UTC(),
			"by_status":    counts,
		})
	}
}

// mongoAssessmentStore persists projects and controls in plain collections.
type mongoAssessmentStore struct {
	projects *mongodriver.Collection
	controls *mongodriver.Collection
}

func newMongoAssessmentStore(db *mongodriver.Database) *mongoAssessmentStore {
	return &mongoAssessmentStore{
		projects: db.Collection("projects"),
		controls: db.Collection("controls"),
	}
}

func (s *mongoAssessmentStore) CreateProject(ctx context.Context, name, framework string) (string, error) {
	id := task.GenerateID("project")
	now := time.Now().UTC()
	_, err := s.projects.InsertOne(ctx, bson.M{
		"project_id": id,
		"name":       name,
		"framework":  framework,
		"created_at": now,
		"updated_at": now,
	})
	if err != nil {
		return "", fmt.Errorf("insert project: %w", err)
	}
	return id, nil
}

func (s *mongoAssessmentStore) UpdateControlStatus(ctx context.Context, controlID, status string) error {
	res, err := s.controls.UpdateOne(ctx,
		bson.M{"control_id": controlID},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("update control: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("control %q not found", controlID)
	}
	return nil
}

func (s *mongoAssessmentStore) ControlStatusCounts(ctx context.Context, projectID string) (map[string]int, error) {
	cur, err := s.controls.Find(ctx, bson.M{"project_id": projectID})
	if err != nil {
		return nil, fmt.Errorf("list controls: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	counts := make(map[string]int)
	for cur.Next(ctx) {
		var doc struct {
			Status string `bson:"status"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		counts[doc.Status]++
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}
