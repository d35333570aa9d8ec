package engine

import "github.com/seantiz/releaseflow/internal/model"

// Actions an operator can take on a release.
const (
	ActionStage   = "stage"
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionLoad    = "load"
	ActionShip    = "ship"
	ActionCancel  = "cancel"
)

// AvailableActions lists the transitions op may attempt on r. It mirrors the
// transitions' preconditions for UI gating only.
func AvailableActions(r *model.Release, op model.Operator) []string {
	actions := []string{}
	switch r.Status {
	case model.StatusEntered:
		actions = append(actions, ActionStage)
	case model.StatusStaged:
		if r.StagedBy != op.ID {
			actions = append(actions, ActionApprove, ActionReject)
		}
	case model.StatusVerified:
		actions = append(actions, ActionLoad)
	case model.StatusLoaded:
		actions = append(actions, ActionShip)
	}
	if model.ValidTransition(r.Status, model.StatusCancelled) {
		actions = append(actions, ActionCancel)
	}
	return actions
}
