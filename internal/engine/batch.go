package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/releaseflow/internal/model"
)

// BatchRequest applies one action to many releases.
type BatchRequest struct {
	Action      string         `json:"action"`
	ReleaseIDs  []string       `json:"releaseIds"`
	Operator    model.Operator `json:"-"`
	Reason      string         `json:"reason,omitempty"`
	TruckNumber string         `json:"truckNumber,omitempty"`
}

// BatchResult is the outcome for one release.
type BatchResult struct {
	ReleaseID  string   `json:"releaseId"`
	OK         bool     `json:"ok"`
	Error      string   `json:"error,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// BatchSummary reports per-release outcomes in request order.
type BatchSummary struct {
	Action    string        `json:"action"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Results   []BatchResult `json:"results"`
}

// ErrUnsupportedBatchAction is returned for actions that cannot be batched.
var ErrUnsupportedBatchAction = errors.New("unsupported batch action")

// Batch applies req.Action to every release. A failure on one release does
// not stop the others.
func (e *Engine) Batch(ctx context.Context, req BatchRequest) (*BatchSummary, error) {
	apply, err := e.batchAction(req)
	if err != nil {
		return nil, err
	}

	results := make([]BatchResult, len(req.ReleaseIDs))
	g := new(errgroup.Group)
	g.SetLimit(e.opts.BatchConcurrency)
	for i, id := range req.ReleaseIDs {
		g.Go(func() error {
			res := BatchResult{ReleaseID: id, OK: true}
			if err := apply(ctx, id); err != nil {
				res.OK = false
				res.Error = err.Error()
				if IsPrecondition(err) {
					res.Violations = PreconditionViolations(err)
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	s := &BatchSummary{Action: req.Action, Total: len(results), Results: results}
	for _, r := range results {
		if r.OK {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	e.logger.Info("batch complete", "action", req.Action, "total", s.Total, "failed", s.Failed)
	return s, nil
}

func (e *Engine) batchAction(req BatchRequest) (func(context.Context, string) error, error) {
	op := req.Operator
	switch req.Action {
	case ActionApprove:
		return func(ctx context.Context, id string) error {
			return e.Approve(ctx, id, op)
		}, nil
	case ActionReject:
		return func(ctx context.Context, id string) error {
			return e.Reject(ctx, id, op, req.Reason)
		}, nil
	case ActionLoad:
		return func(ctx context.Context, id string) error {
			_, err := e.MarkLoaded(ctx, id, op, req.TruckNumber)
			return err
		}, nil
	case ActionShip:
		return func(ctx context.Context, id string) error {
			return e.MarkShipped(ctx, id, op)
		}, nil
	case ActionCancel:
		return func(ctx context.Context, id string) error {
			return e.Cancel(ctx, id, op, req.Reason)
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBatchAction, req.Action)
	}
}
