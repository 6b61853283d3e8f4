package pipeline

import (
	"fmt"
	"strings"
)

// ParamPath addresses one option of one stage: "<stage>.<option>".
type ParamPath struct {
	Stage  string
	Option string
}

func (p ParamPath) String() string { return p.Stage + "." + p.Option }

// ParsePath splits s at its first dot. Both segments must be non-empty;
// the option segment may itself contain dots.
func ParsePath(s string) (ParamPath, error) {
	stage, option, ok := strings.Cut(s, ".")
	if !ok || stage == "" || option == "" {
		return ParamPath{}, fmt.Errorf("malformed parameter path %q: want <stage>.<option>", s)
	}
	return ParamPath{Stage: stage, Option: option}, nil
}
