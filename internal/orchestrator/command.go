package orchestrator

import (
	"context"
	"fmt"
)

// Stage identifies one step of the pipeline. Stages run in declaration order
// and each has its own queue and concurrency limit.
type Stage int

const (
	StageDownload Stage = iota
	StageOperation
)

// Stages lists every stage in pipeline order.
func Stages() []Stage {
	return []Stage{StageDownload, StageOperation}
}

func (s Stage) String() string {
	switch s {
	case StageDownload:
		return "download"
	case StageOperation:
		return "operation"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Command is one unit of work. Stage must return the same value for the life
// of the command. Execute returns nil on success; any error terminates the
// owning item with that error.
//
// ctx is cancelled as soon as the item is terminated, so long-running commands
// should honour it.
type Command interface {
	Stage() Stage
	Execute(ctx context.Context, ic *ItemContext) error
}

type funcCommand struct {
	stage Stage
	name  string
	fn    func(context.Context, *ItemContext) error
}

// NewCommand adapts fn into a Command bound to stage.
func NewCommand(stage Stage, name string, fn func(context.Context, *ItemContext) error) Command {
	return &funcCommand{stage: stage, name: name, fn: fn}
}

func (c *funcCommand) Stage() Stage { return c.stage }

func (c *funcCommand) Name() string { return c.name }

func (c *funcCommand) Execute(ctx context.Context, ic *ItemContext) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, ic)
}

// CommandName returns cmd's Name() when it has one, otherwise its type.
func CommandName(cmd Command) string {
	if named, ok := cmd.(interface{ Name() string }); ok {
		if name := named.Name(); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%T", cmd)
}
