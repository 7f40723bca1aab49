package codegen

import "fmt"

// UnimplementedError reports an IR construct the backend recognizes but
// deliberately refuses to compile, loudly rather than silently miscompiling.
type UnimplementedError struct {
	Fn   string
	What string
}

func (e *UnimplementedError) Error() string {
	return fmt.Sprintf("codegen: %s: unimplemented: %s", e.Fn, e.What)
}

// UnresolvedSymbolError reports a call to a symbol that no function defined
// and no external registration supplied.
type UnresolvedSymbolError struct {
	Fn  string
	Sym string
}

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("codegen: %s: call to unresolved symbol %q", e.Fn, e.Sym)
}

// ValueLocationError reports a virtual register whose allocation result does
// not fit what the emission site needs. Always a backend bug.
type ValueLocationError struct {
	Fn   string
	VReg int32
	What string
}

func (e *ValueLocationError) Error() string {
	return fmt.Sprintf("codegen: %s: v%d: %s", e.Fn, e.VReg, e.What)
}
