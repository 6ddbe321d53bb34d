package mongoworld

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/durablekit/world"
	mongoclient "github.com/durablekit/world/mongoworld/clients/mongo"
)

// stepDocument is the stored form of a step. The _id is runID + "/" + stepID
// so the unique constraint lands on the pair.
type stepDocument struct {
	ID          string     `bson:"_id"`
	RunID       string     `bson:"run_id"`
	StepID      string     `bson:"step_id"`
	Name        string     `bson:"step_name"`
	Status      string     `bson:"status"`
	Input       string     `bson:"input,omitempty"`
	Output      string     `bson:"output,omitempty"`
	Error       string     `bson:"error,omitempty"`
	Attempt     int        `bson:"attempt"`
	RetryAfter  *time.Time `bson:"retry_after,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
	StartedAt   *time.Time `bson:"started_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`
	Version     int64      `bson:"version"`
}

func stepDocID(runID, stepID string) string { return runID + "/" + stepID }

func fromStep(step world.Step, version int64) (stepDocument, error) {
	input, err := encodeJSON(step.Input)
	if err != nil {
		return stepDocument{}, err
	}
	output, err := encodeJSON(step.Output)
	if err != nil {
		return stepDocument{}, err
	}
	errVal, err := encodeErrorValue(step.Error)
	if err != nil {
		return stepDocument{}, err
	}
	return stepDocument{
		ID:          stepDocID(step.RunID, step.ID),
		RunID:       step.RunID,
		StepID:      step.ID,
		Name:        step.Name,
		Status:      string(step.Status),
		Input:       input,
		Output:      output,
		Error:       errVal,
		Attempt:     step.Attempt,
		RetryAfter:  step.RetryAfter,
		CreatedAt:   step.CreatedAt,
		UpdatedAt:   step.UpdatedAt,
		StartedAt:   step.StartedAt,
		CompletedAt: step.CompletedAt,
		Version:     version,
	}, nil
}

func (doc stepDocument) toStep() (world.Step, error) {
	input, err := decodeValues(doc.Input)
	if err != nil {
		return world.Step{}, err
	}
	output, err := decodeValues(doc.Output)
	if err != nil {
		return world.Step{}, err
	}
	errVal, err := decodeErrorValue(doc.Error)
	if err != nil {
		return world.Step{}, err
	}
	return world.Step{
		RunID:       doc.RunID,
		ID:          doc.StepID,
		Name:        doc.Name,
		Status:      world.StepStatus(doc.Status),
		Input:       input,
		Output:      output,
		Error:       errVal,
		Attempt:     doc.Attempt,
		RetryAfter:  doc.RetryAfter,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
		StartedAt:   doc.StartedAt,
		CompletedAt: doc.CompletedAt,
	}, nil
}

// stepStore implements world.StepStore on a Mongo collection.
type stepStore struct {
	coll mongoclient.Collection
}

func newStepStore(coll mongoclient.Collection) *stepStore {
	return &stepStore{coll: coll}
}

func (s *stepStore) Create(ctx context.Context, runID string, req world.CreateStepRequest) (*world.Step, error) {
	if runID == "" {
		return nil, world.InvalidArgumentf("run id is required")
	}
	if req.StepID == "" {
		return nil, world.InvalidArgumentf("step id is required")
	}
	step := world.NewStep(runID, req, time.Now().UTC())
	doc, err := fromStep(step, 1)
	if err != nil {
		return nil, err
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongoclient.IsDuplicate(err) {
			// Re-creation during replay returns the existing record unchanged.
			step, _, err := s.load(ctx, bson.M{"_id": stepDocID(runID, req.StepID)})
			return step, err
		}
		return nil, world.Internalf(err, "store step")
	}
	return &step, nil
}

func (s *stepStore) Get(ctx context.Context, runID, stepID string) (*world.Step, error) {
	filter := bson.M{"step_id": stepID}
	if runID != "" {
		filter = bson.M{"_id": stepDocID(runID, stepID)}
	}
	step, _, err := s.load(ctx, filter)
	return step, err
}

func (s *stepStore) Update(ctx context.Context, runID, stepID string, patch world.StepPatch) (*world.Step, error) {
	docID := stepDocID(runID, stepID)
	for range casAttempts {
		cur, version, err := s.load(ctx, bson.M{"_id": docID})
		if err != nil {
			return nil, err
		}
		next := world.NextStep(*cur, patch, time.Now().UTC())
		doc, err := fromStep(next, version+1)
		if err != nil {
			return nil, err
		}
		replaced, err := s.coll.ReplaceOne(ctx, bson.M{"_id": docID, "version": version}, doc)
		if err != nil {
			return nil, world.Internalf(err, "update step")
		}
		if replaced == 0 {
			continue
		}
		return &next, nil
	}
	return nil, world.Internalf(errors.New("version conflict"), "update step %q", stepID)
}

func (s *stepStore) List(ctx context.Context, params world.ListStepsParams) (*world.Page[world.Step], error) {
	p := params.Pagination.Normalize()

	filter := bson.M{"run_id": params.RunID}
	if p.Cursor != "" {
		filter["step_id"] = bson.M{"$lt": p.Cursor}
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "step_id", Value: -1}}).
		SetLimit(int64(p.Limit+1)))
	if err != nil {
		return nil, world.Internalf(err, "list steps")
	}
	defer cur.Close(ctx)

	var steps []world.Step
	for cur.Next(ctx) {
		var doc stepDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, world.Internalf(err, "decode step")
		}
		step, err := doc.toStep()
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := cur.Err(); err != nil {
		return nil, world.Internalf(err, "list steps")
	}
	return world.NewPage(steps, p.Limit, func(st world.Step) string { return st.ID }), nil
}

func (s *stepStore) load(ctx context.Context, filter bson.M) (*world.Step, int64, error) {
	var doc stepDocument
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongoclient.ErrNoDocuments) {
			return nil, 0, world.NotFoundf("step not found")
		}
		return nil, 0, world.Internalf(err, "load step")
	}
	step, err := doc.toStep()
	if err != nil {
		return nil, 0, err
	}
	return &step, doc.Version, nil
}
