package patch

import (
	"fmt"
	"strings"

	"github.com/ZacharyZcR/ILPatch/internal/clr"
)

// Location is the resolved target method.
type Location struct {
	Method *clr.MethodDef
	// Candidates lists every method that matched, in metadata order. Method is
	// the first of them.
	Candidates []*clr.MethodDef
}

// Ambiguous reports whether more than one method matched.
func (l *Location) Ambiguous() bool {
	return len(l.Candidates) > 1
}

// Locate finds the method named method (exact match) on a type whose full
// name contains class. A miss is expected when the assembly's layout changes
// between versions and is reported as ErrMethodNotFound.
func Locate(m *clr.Module, class, method string) (*Location, error) {
	candidates := m.FindMethods(class, method)
	if len(candidates) == 0 {
		if !hasType(m, class) {
			return nil, fmt.Errorf("%w: 没有类型名包含 %q", ErrMethodNotFound, class)
		}
		return nil, fmt.Errorf("%w: 类型 %q 中没有方法 %q", ErrMethodNotFound, class, method)
	}

	return &Location{
		Method:     candidates[0],
		Candidates: candidates,
	}, nil
}

func hasType(m *clr.Module, class string) bool {
	for _, t := range m.Types() {
		if strings.Contains(t.FullName, class) {
			return true
		}
	}
	return false
}
