package mongoworld

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	"github.com/durablekit/world"
	"github.com/durablekit/world/ids"
	mongoclient "github.com/durablekit/world/mongoworld/clients/mongo"
)

// casAttempts bounds compare-and-swap retries on contended entity updates.
const casAttempts = 16

// runDocument is the stored form of a run. Dynamic values are JSON strings,
// see codec.go. Version backs optimistic concurrency: updates replace the
// document through a filter pinning the version they read.
type runDocument struct {
	ID           string     `bson:"_id"`
	WorkflowName string     `bson:"workflow_name"`
	DeploymentID string     `bson:"deployment_id,omitempty"`
	Status       string     `bson:"status"`
	Input        string     `bson:"input,omitempty"`
	Output       string     `bson:"output,omitempty"`
	ExecContext  string     `bson:"execution_context,omitempty"`
	Error        string     `bson:"error,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
	StartedAt    *time.Time `bson:"started_at,omitempty"`
	CompletedAt  *time.Time `bson:"completed_at,omitempty"`
	Version      int64      `bson:"version"`
}

func fromRun(run world.Run, version int64) (runDocument, error) {
	input, err := encodeJSON(run.Input)
	if err != nil {
		return runDocument{}, err
	}
	output, err := encodeJSON(run.Output)
	if err != nil {
		return runDocument{}, err
	}
	execCtx, err := encodeJSON(run.ExecutionContext)
	if err != nil {
		return runDocument{}, err
	}
	errVal, err := encodeErrorValue(run.Error)
	if err != nil {
		return runDocument{}, err
	}
	return runDocument{
		ID:           run.ID,
		WorkflowName: run.WorkflowName,
		DeploymentID: run.DeploymentID,
		Status:       string(run.Status),
		Input:        input,
		Output:       output,
		ExecContext:  execCtx,
		Error:        errVal,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		Version:      version,
	}, nil
}

func (doc runDocument) toRun() (world.Run, error) {
	input, err := decodeValues(doc.Input)
	if err != nil {
		return world.Run{}, err
	}
	output, err := decodeValues(doc.Output)
	if err != nil {
		return world.Run{}, err
	}
	execCtx, err := decodeContext(doc.ExecContext)
	if err != nil {
		return world.Run{}, err
	}
	errVal, err := decodeErrorValue(doc.Error)
	if err != nil {
		return world.Run{}, err
	}
	return world.Run{
		ID:               doc.ID,
		WorkflowName:     doc.WorkflowName,
		DeploymentID:     doc.DeploymentID,
		Status:           world.RunStatus(doc.Status),
		Input:            input,
		Output:           output,
		ExecutionContext: execCtx,
		Error:            errVal,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
		StartedAt:        doc.StartedAt,
		CompletedAt:      doc.CompletedAt,
	}, nil
}

// runStore implements world.RunStore on a Mongo collection.
type runStore struct {
	coll       mongoclient.Collection
	gen        *ids.Generator
	onTerminal func(ctx context.Context, runID string) error
}

func newRunStore(coll mongoclient.Collection, gen *ids.Generator, onTerminal func(ctx context.Context, runID string) error) *runStore {
	return &runStore{coll: coll, gen: gen, onTerminal: onTerminal}
}

func (s *runStore) Create(ctx context.Context, req world.CreateRunRequest) (*world.Run, error) {
	if req.WorkflowName == "" {
		return nil, world.InvalidArgumentf("workflow name is required")
	}
	run := world.NewRun(s.gen.RunID(), req, time.Now().UTC())
	doc, err := fromRun(run, 1)
	if err != nil {
		return nil, err
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongoclient.IsDuplicate(err) {
			return nil, world.Conflictf("run %q already exists", run.ID)
		}
		return nil, world.Internalf(err, "store run")
	}
	return &run, nil
}

func (s *runStore) Get(ctx context.Context, runID string, opts world.GetRunOptions) (*world.Run, error) {
	run, _, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if opts.ResolveData == world.ResolveDataNone {
		elided := run.Elide()
		return &elided, nil
	}
	return run, nil
}

func (s *runStore) Update(ctx context.Context, runID string, patch world.RunPatch) (*world.Run, error) {
	return s.mutate(ctx, runID, func(cur world.Run) (world.RunPatch, error) {
		return patch, nil
	})
}

func (s *runStore) Cancel(ctx context.Context, runID string) (*world.Run, error) {
	return s.mutate(ctx, runID, func(cur world.Run) (world.RunPatch, error) {
		return world.CancelPatch(cur.Status)
	})
}

func (s *runStore) Pause(ctx context.Context, runID string) (*world.Run, error) {
	return s.mutate(ctx, runID, func(cur world.Run) (world.RunPatch, error) {
		return world.PausePatch(cur.Status)
	})
}

func (s *runStore) Resume(ctx context.Context, runID string) (*world.Run, error) {
	return s.mutate(ctx, runID, func(cur world.Run) (world.RunPatch, error) {
		return world.ResumePatch(cur.Status)
	})
}

func (s *runStore) List(ctx context.Context, params world.ListRunsParams) (*world.Page[world.Run], error) {
	p := params.Pagination.Normalize()

	filter := bson.M{}
	if params.WorkflowName != "" {
		filter["workflow_name"] = params.WorkflowName
	}
	if params.Status != "" {
		filter["status"] = string(params.Status)
	}
	if p.Cursor != "" {
		filter["_id"] = bson.M{"$lt": p.Cursor}
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(p.Limit+1)))
	if err != nil {
		return nil, world.Internalf(err, "list runs")
	}
	defer cur.Close(ctx)

	var runs []world.Run
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, world.Internalf(err, "decode run")
		}
		run, err := doc.toRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := cur.Err(); err != nil {
		return nil, world.Internalf(err, "list runs")
	}
	return world.NewPage(runs, p.Limit, func(r world.Run) string { return r.ID }), nil
}

// mutate applies a guarded patch under version-pinned replacement so
// concurrent writers serialize through the collection.
func (s *runStore) mutate(ctx context.Context, runID string, guard func(world.Run) (world.RunPatch, error)) (*world.Run, error) {
	for range casAttempts {
		cur, version, err := s.load(ctx, runID)
		if err != nil {
			return nil, err
		}
		patch, err := guard(*cur)
		if err != nil {
			return nil, err
		}
		next := world.NextRun(*cur, patch, time.Now().UTC())
		becameTerminal := next.Status.Terminal() && !cur.Status.Terminal()
		doc, err := fromRun(next, version+1)
		if err != nil {
			return nil, err
		}
		replaced, err := s.coll.ReplaceOne(ctx, bson.M{"_id": runID, "version": version}, doc)
		if err != nil {
			return nil, world.Internalf(err, "update run")
		}
		if replaced == 0 {
			// Lost the race; reload and retry.
			continue
		}
		if becameTerminal && s.onTerminal != nil {
			if err := s.onTerminal(ctx, runID); err != nil {
				log.Error(ctx, err,
					log.KV{K: "msg", V: "hook sweep after run termination failed"},
					log.KV{K: "run_id", V: runID})
			}
		}
		return &next, nil
	}
	return nil, world.Internalf(errors.New("version conflict"), "update run %q", runID)
}

func (s *runStore) load(ctx context.Context, runID string) (*world.Run, int64, error) {
	var doc runDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongoclient.ErrNoDocuments) {
			return nil, 0, world.NotFoundf("run %q", runID)
		}
		return nil, 0, world.Internalf(err, "load run")
	}
	run, err := doc.toRun()
	if err != nil {
		return nil, 0, err
	}
	return &run, doc.Version, nil
}
