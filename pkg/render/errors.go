package render

import "fmt"

// ValidationError reports a template that cannot be rendered as written,
// such as a native spec carrying both the inline and file-referenced form.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "render validation failed: " + e.Message
}

// UndefinedVariableError reports an expression referencing a variable that
// is neither a standard context variable nor declared by the template. The
// caller decides whether to fall back to the legacy payload path.
type UndefinedVariableError struct {
	Variable string
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("undefined variable %q in template expression", e.Variable)
}

// PathError reports a file-referenced native spec that resolves outside the
// configured base directory.
type PathError struct {
	Path string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("spec file path %q escapes the spec base directory", e.Path)
}

// ExpressionError reports an expression that failed to parse or evaluate
// for a reason other than an undefined variable.
type ExpressionError struct {
	Expression string
	Err        error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression %q failed: %v", e.Expression, e.Err)
}

func (e *ExpressionError) Unwrap() error {
	return e.Err
}
