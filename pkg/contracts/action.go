package contracts

import "errors"

// ActionType identifies a side-effecting operation an agent wants to perform.
// The set is closed: anything outside KnownActionTypes is a configuration gap.
type ActionType string

// Action type constants.
const (
	ActionReadRecord        ActionType = "read_record"
	ActionCreateRecord      ActionType = "create_record"
	ActionUpdateRecord      ActionType = "update_record"
	ActionDeleteRecord      ActionType = "delete_record"
	ActionSendEmail         ActionType = "send_email"
	ActionPostMessage       ActionType = "post_message"
	ActionGenerateContent   ActionType = "generate_content"
	ActionCallExternalAPI   ActionType = "call_external_api"
	ActionSpawnWorkflow     ActionType = "spawn_workflow"
	ActionTransferFunds     ActionType = "transfer_funds"
	ActionModifyPermissions ActionType = "modify_permissions"
)

// KnownActionTypes lists every member of the closed action enum.
var KnownActionTypes = []ActionType{
	ActionReadRecord,
	ActionCreateRecord,
	ActionUpdateRecord,
	ActionDeleteRecord,
	ActionSendEmail,
	ActionPostMessage,
	ActionGenerateContent,
	ActionCallExternalAPI,
	ActionSpawnWorkflow,
	ActionTransferFunds,
	ActionModifyPermissions,
}

// IsKnown reports whether t belongs to the closed action enum.
func (t ActionType) IsKnown() bool {
	for _, k := range KnownActionTypes {
		if k == t {
			return true
		}
	}
	return false
}

// ActionProposal is a single-use request to perform an action, submitted for
// governance review before execution. The engine never mutates a proposal.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ActionProposal struct {
	// ProposalID is assigned by the engine when the caller leaves it empty.
	ProposalID        string         `json:"proposal_id,omitempty"`
	PrincipalID       string         `json:"principal_id"`
	OnBehalfOfAgentID string         `json:"on_behalf_of_agent_id,omitempty"`
	WorkspaceID       string         `json:"workspace_id,omitempty"`
	ActionType        ActionType     `json:"action_type"`
	Payload           map[string]any `json:"payload,omitempty"`
	// EstimatedCost is expressed in integer cost units (cents).
	EstimatedCost int64 `json:"estimated_cost"`
}

// AgentInitiated reports whether the proposal is made on behalf of an agent.
func (p ActionProposal) AgentInitiated() bool {
	return p.OnBehalfOfAgentID != ""
}

// ErrStaleReferent is returned by executors when an approved action targets
// something that no longer exists (e.g. a record deleted while the approval
// was pending). Executors must surface it instead of skipping or executing.
var ErrStaleReferent = errors.New("approved action references a stale or missing target")
