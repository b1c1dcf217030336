package as2

import (
	"errors"
	"fmt"
)

// ErrUnsupportedOperation is returned by operations an object does not
// support, such as encoding a Request
var ErrUnsupportedOperation = errors.New("unsupported operation")

// Kind classifies protocol errors
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindSecurityPolicy
	KindCrypto
	KindStructure
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindSecurityPolicy:
		return "security-policy"
	case KindCrypto:
		return "crypto"
	case KindStructure:
		return "structure"
	case KindTransport:
		return "transport"
	}
	return "unknown"
}

// Error levels. The level selects the short code reported in a failed MDN.
const (
	LevelAuthentication = 1
	LevelDecompression  = 2
	LevelDecryption     = 3
	LevelPolicy         = 4
	LevelIntegrity      = 5
	LevelUnexpected     = 6
)

var levelCodes = map[int]string{
	LevelAuthentication: "authentication-failed",
	LevelDecompression:  "decompression-failed",
	LevelDecryption:     "decryption-failed",
	LevelPolicy:         "insufficient-message-security",
	LevelIntegrity:      "integrity-check-failed",
	LevelUnexpected:     "unexpected-processing-error",
}

// Error is a protocol error. Errors with a level are reported to the
// sending partner in a failed MDN; transport errors have none.
type Error struct {
	Kind    Kind
	Level   int
	Code    string
	Message string
	// Qualifier is appended to the code in the disposition modifier,
	// e.g. "not crypted"
	Qualifier string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Severity is the disposition modifier severity
func (e *Error) Severity() string {
	return "error"
}

// Modifier formats the disposition modifier, "error: <code>" with the
// qualifier in parentheses when there is one
func (e *Error) Modifier() string {
	code := e.Code
	if code == "" {
		code = levelCodes[LevelUnexpected]
	}
	if e.Qualifier != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Severity(), code, e.Qualifier)
	}
	return e.Severity() + ": " + code
}

func newError(kind Kind, level int, err error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Level:   level,
		Code:    levelCodes[level],
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// ConfigurationError reports an unknown partner or missing policy material
func ConfigurationError(err error, format string, args ...any) *Error {
	return newError(KindConfiguration, LevelAuthentication, err, format, args...)
}

// PolicyError reports a transmission that does not meet partner policy
func PolicyError(qualifier, format string, args ...any) *Error {
	e := newError(KindSecurityPolicy, LevelPolicy, nil, format, args...)
	e.Qualifier = qualifier
	return e
}

// CryptoError reports a failed cryptographic operation at the given level
func CryptoError(level int, err error, format string, args ...any) *Error {
	return newError(KindCrypto, level, err, format, args...)
}

// StructureError reports an unexpected MIME shape or processing failure
func StructureError(err error, format string, args ...any) *Error {
	return newError(KindStructure, LevelUnexpected, err, format, args...)
}

// TransportError reports a failed outbound send
func TransportError(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransport, Message: fmt.Sprintf(format, args...), Err: err}
}

// asError normalises err into a protocol error, keeping an existing one
func asError(err error, level int) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if level == LevelUnexpected {
		return StructureError(err, "%s", err.Error())
	}
	kind := KindCrypto
	if level == LevelAuthentication {
		kind = KindConfiguration
	}
	return newError(kind, level, err, "%s", err.Error())
}

// IsKind reports whether err is a protocol error of the given kind
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}
