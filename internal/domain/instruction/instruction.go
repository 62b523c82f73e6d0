// Package instruction defines scoped system-prompt instruction records and
// their deterministic composition order.
package instruction

import (
	"sort"
	"strings"
	"time"
)

// Scope identifies which level an instruction applies to. Composition order
// is fixed: default, then tenant, then project, then repository, then ticket.
type Scope string

const (
	ScopeDefault    Scope = "default"
	ScopeTenant     Scope = "tenant"
	ScopeProject    Scope = "project"
	ScopeRepository Scope = "repository"
	ScopeTicket     Scope = "ticket"
)

// priority returns the composition rank of a scope. Unknown scopes sort last
// so they can never displace the documented layers.
func (s Scope) priority() int {
	switch s {
	case ScopeDefault:
		return 0
	case ScopeTenant:
		return 1
	case ScopeProject:
		return 2
	case ScopeRepository:
		return 3
	case ScopeTicket:
		return 4
	}
	return 5
}

// Instruction is one layered prompt fragment.
type Instruction struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Scope     Scope     `json:"scope"`
	ScopeID   string    `json:"scope_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Compose concatenates instruction contents by scope priority, then by
// creation time within a scope, producing a deterministic resolved prompt.
// The user's input prompt is appended last.
func Compose(instructions []Instruction, inputPrompt string) string {
	sorted := make([]Instruction, len(instructions))
	copy(sorted, instructions)
	sort.SliceStable(sorted, func(i, j int) bool {
		if pi, pj := sorted[i].Scope.priority(), sorted[j].Scope.priority(); pi != pj {
			return pi < pj
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var b strings.Builder
	for _, ins := range sorted {
		content := strings.TrimSpace(ins.Content)
		if content == "" {
			continue
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(inputPrompt))
	return b.String()
}
