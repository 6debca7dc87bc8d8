package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
)

const proposalSchemaURL = "https://physicsrail.local/schemas/action_proposal.schema.json"

// proposalSchema describes the wire form of an ActionProposal. Action
// types are deliberately not enumerated: an unknown type reaches the engine
// and is denied there.
const proposalSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action_type"],
  "additionalProperties": false,
  "properties": {
    "proposal_id": {"type": "string", "maxLength": 128},
    "principal_id": {"type": "string"},
    "on_behalf_of_agent_id": {"type": "string"},
    "workspace_id": {"type": "string"},
    "action_type": {"type": "string", "minLength": 1},
    "payload": {"type": "object"},
    "estimated_cost": {"type": "integer", "minimum": 0, "maximum": 1000000000000000}
  }
}`

// ProposalDecoder validates and decodes proposal bodies.
type ProposalDecoder struct {
	schema *jsonschema.Schema
}

// NewProposalDecoder compiles the proposal schema.
func NewProposalDecoder() (*ProposalDecoder, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(proposalSchemaURL, strings.NewReader(proposalSchema)); err != nil {
		return nil, fmt.Errorf("proposal schema load failed: %w", err)
	}
	compiled, err := c.Compile(proposalSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("proposal schema compile failed: %w", err)
	}
	return &ProposalDecoder{schema: compiled}, nil
}

// Decode checks body against the schema and decodes it.
func (d *ProposalDecoder) Decode(body []byte) (contracts.ActionProposal, error) {
	var p contracts.ActionProposal

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return p, fmt.Errorf("malformed JSON: %w", err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return p, fmt.Errorf("schema validation failed: %w", err)
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("decode proposal: %w", err)
	}
	return p, nil
}
