package ledger

import (
	"fmt"
)

// CommandError reports a non-success ledger response to a command or query.
type CommandError struct {
	Status int
	Body   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("ledger: command failed with status %d: %s", e.Status, e.Body)
}

// Contract is a normalized active contract: an opaque ledger-assigned ID plus
// the decoded create-argument payload. Immutable once observed.
type Contract struct {
	ContractID string
	TemplateID string
	Payload    map[string]any
}

// TemplateID assembles a fully qualified template identifier.
func TemplateID(packageID, moduleName, entityName string) string {
	return packageID + ":" + moduleName + ":" + entityName
}

// Command is one create or exercise command inside a submission.
type Command interface {
	wire() map[string]any
}

// CreateCommand creates a contract instance of a template.
type CreateCommand struct {
	TemplateID string
	Arguments  map[string]any
}

func (c CreateCommand) wire() map[string]any {
	return map[string]any{
		"CreateCommand": map[string]any{
			"templateId":      c.TemplateID,
			"createArguments": c.Arguments,
		},
	}
}

// ExerciseCommand exercises a choice on an existing contract.
type ExerciseCommand struct {
	TemplateID string
	ContractID string
	Choice     string
	Argument   map[string]any
}

func (c ExerciseCommand) wire() map[string]any {
	arg := c.Argument
	if arg == nil {
		arg = map[string]any{}
	}
	return map[string]any{
		"ExerciseCommand": map[string]any{
			"templateId":     c.TemplateID,
			"contractId":     c.ContractID,
			"choice":         c.Choice,
			"choiceArgument": arg,
		},
	}
}

// RawTransaction is the undecoded transaction returned by a submission. It
// stays inside the engine: callers use ExerciseResult and CreatedContractID
// to pull out the pieces they need.
type RawTransaction map[string]any
