// Copyright © 2023-2025 The HYMET Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"fmt"

	"github.com/pkg/errors"
)

// errKind classifies pipeline failures. ConfigurationError and
// DataIntegrityError are fatal, ExternalToolError is retriable at the
// orchestration layer, InputError means unusable input data.
// Per-record problems (malformed lines, unmapped accessions) are never
// reported through errors, only counted.
type errKind int

const (
	errConfiguration errKind = iota
	errInput
	errDataIntegrity
	errExternalTool
)

func (k errKind) String() string {
	switch k {
	case errConfiguration:
		return "configuration error"
	case errInput:
		return "input error"
	case errDataIntegrity:
		return "data integrity error"
	case errExternalTool:
		return "external tool error"
	}
	return "unknown error"
}

type pipelineError struct {
	kind errKind
	err  error
}

func (e *pipelineError) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.err) }
func (e *pipelineError) Unwrap() error { return e.err }

func configurationError(format string, a ...interface{}) error {
	return &pipelineError{kind: errConfiguration, err: errors.Errorf(format, a...)}
}

func inputError(format string, a ...interface{}) error {
	return &pipelineError{kind: errInput, err: errors.Errorf(format, a...)}
}

func dataIntegrityError(format string, a ...interface{}) error {
	return &pipelineError{kind: errDataIntegrity, err: errors.Errorf(format, a...)}
}

func externalToolError(err error, tool string) error {
	return &pipelineError{kind: errExternalTool, err: errors.Wrap(err, tool)}
}

func errorKind(err error) (errKind, bool) {
	var pe *pipelineError
	if errors.As(err, &pe) {
		return pe.kind, true
	}
	return 0, false
}

func isExternalToolError(err error) bool {
	k, ok := errorKind(err)
	return ok && k == errExternalTool
}
