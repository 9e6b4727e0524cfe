// Package picker resolves an instance interactively when a command is
// invoked without one.
package picker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/backhaul-tools/backhaulctl/internal/fleet"
	"github.com/backhaul-tools/backhaulctl/internal/registry"
)

var (
	// ErrCancelled reports an aborted selection: index 0, empty input,
	// junk, or an out-of-range index. Callers perform no side effects.
	ErrCancelled = errors.New("selection cancelled")
	// ErrNoInstances reports an empty fleet before any menu is rendered.
	ErrNoInstances = errors.New("no instances declared")
)

// Selector renders a numbered instance menu. Everything it prints goes to
// the display writer (stderr in the CLI); the resolved instance is returned
// as a value only, keeping the machine-consumable channel clean.
type Selector struct {
	display io.Writer
	input   *bufio.Reader
}

// New wraps input in a buffered reader once. Callers that read more from the
// same stream afterwards should hand in a *bufio.Reader and keep using it,
// so no buffered bytes are lost between reads.
func New(display io.Writer, input io.Reader) *Selector {
	return &Selector{display: display, input: bufio.NewReader(input)}
}

// Select shows the decorated listing and reads one choice. The index is
// bounds-checked against the row count at resolution time.
func (s *Selector) Select(rows []fleet.InstanceStatus) (registry.Instance, error) {
	if len(rows) == 0 {
		return registry.Instance{}, ErrNoInstances
	}

	fmt.Fprintln(s.display, "Declared instances:")
	for i, row := range rows {
		fmt.Fprintf(s.display, "  %2d) %-22s %-7s %s/%s\n",
			i+1, row.Instance.Name, row.Instance.Role, row.Runtime, row.Enablement)
	}
	fmt.Fprintf(s.display, "Select instance [1-%d, 0 to cancel]: ", len(rows))

	line, err := s.input.ReadString('\n')
	if err != nil && line == "" {
		return registry.Instance{}, ErrCancelled
	}
	idx, convErr := strconv.Atoi(strings.TrimSpace(line))
	if convErr != nil || idx < 1 || idx > len(rows) {
		return registry.Instance{}, ErrCancelled
	}
	return rows[idx-1].Instance, nil
}
