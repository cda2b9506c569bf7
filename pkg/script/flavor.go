// Package script renders the shell scripts the remote batch conductor ships
// to and runs against a cluster.
//
// Every function here is pure: it returns lines and never touches the
// filesystem. Callers write the result with Lines.
package script

import "strings"

// FlavorKind selects how the container start is submitted to the batch system.
type FlavorKind string

const (
	FlavorNone   FlavorKind = "none"
	FlavorSrun   FlavorKind = "srun"
	FlavorSbatch FlavorKind = "sbatch"
	FlavorScrun  FlavorKind = "scrun"
)

// Flavor is a parsed batch-flavor argument list.
type Flavor struct {
	Kind FlavorKind

	// Args are the flavor-specific elements after the selector: sbatch
	// directives, or the single srun argument string.
	Args []string
}

// ParseFlavor interprets a batch-flavor argument list. The first element
// names the flavor; the rest are flavor specific.
//
// An empty list, an unknown selector, or a malformed list (srun with more
// than one argument string) yields FlavorNone rather than an error.
func ParseFlavor(args []string) Flavor {
	if len(args) == 0 {
		return Flavor{Kind: FlavorNone}
	}

	switch FlavorKind(strings.TrimSpace(args[0])) {
	case FlavorSrun:
		switch len(args) {
		case 1:
			return Flavor{Kind: FlavorSrun}
		case 2:
			return Flavor{Kind: FlavorSrun, Args: []string{args[1]}}
		default:
			return Flavor{Kind: FlavorNone}
		}
	case FlavorSbatch:
		return Flavor{Kind: FlavorSbatch, Args: append([]string(nil), args[1:]...)}
	case FlavorScrun:
		return Flavor{Kind: FlavorScrun}
	default:
		return Flavor{Kind: FlavorNone}
	}
}

// String renders the flavor back into its argument-list form.
func (f Flavor) String() string {
	if f.Kind == "" {
		return string(FlavorNone)
	}
	if len(f.Args) == 0 {
		return string(f.Kind)
	}
	return string(f.Kind) + " " + strings.Join(f.Args, " ")
}
