package agents

import "github.com/manthysbr/ticketflow/internal/core/domain"

// HandlerKind selects one of the three response handlers
type HandlerKind string

const (
	HandlerLogin   HandlerKind = "login"
	HandlerComplex HandlerKind = "complex"
	HandlerGeneral HandlerKind = "general"
)

// StepName is the history/step name of the handler node.
func (k HandlerKind) StepName() string {
	return string(k) + "_handler"
}

// Category is the classification this handler serves.
func (k HandlerKind) Category() domain.Category {
	switch k {
	case HandlerLogin:
		return domain.CategorySimple
	case HandlerComplex:
		return domain.CategoryComplex
	default:
		return domain.CategoryGeneral
	}
}
