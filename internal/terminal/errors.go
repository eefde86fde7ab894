package terminal

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	gobreaker "github.com/sony/gobreaker/v2"
)

type Kind string

const (
	KindTransport   Kind = "transport"
	KindNetwork     Kind = "network"
	KindTLS         Kind = "tls"
	KindAuth        Kind = "auth"
	KindForbidden   Kind = "forbidden"
	KindNotFound    Kind = "not_found"
	KindPermission  Kind = "permission"
	KindProtocol    Kind = "protocol"
	KindData        Kind = "data"
	KindCircuitOpen Kind = "circuit_open"
)

// Error is returned by every terminal call that fails.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("terminal ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same call may succeed later without a
// credential or configuration change.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindNetwork, KindTLS, KindCircuitOpen:
		return true
	}
	return false
}

// KindOf classifies any error; errors that did not come from this package
// are reported as transport failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransport
}

// IsAuth is true for failures that need a credential change.
func IsAuth(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindForbidden:
		return true
	}
	return false
}

func newError(op string, kind Kind, status int, err error) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Err: err}
}

func classifyTransport(op string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return newError(op, KindCircuitOpen, 0, err)
	}
	var (
		certErr     *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		recordErr   tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &certErr), errors.As(err, &unknownAuth), errors.As(err, &hostErr),
		errors.As(err, &invalidErr), errors.As(err, &recordErr):
		return newError(op, KindTLS, 0, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(op, KindTransport, 0, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return newError(op, KindNetwork, 0, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(op, KindTransport, 0, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return newError(op, KindNetwork, 0, err)
	}
	return newError(op, KindTransport, 0, err)
}

// permissionSubStatus lists ResponseStatus sub codes the firmware uses
// when the account may not use a feature.
var permissionSubStatus = map[string]struct{}{
	"notsupport":   {},
	"nopermission": {},
	"lowprivilege": {},
}

func classifyStatus(op string, status int, rs *responseStatus) *Error {
	if rs != nil {
		if _, ok := permissionSubStatus[strings.ToLower(rs.SubStatusCode)]; ok {
			return newError(op, KindPermission, status, rs.err())
		}
	}
	var detail error
	if rs != nil {
		detail = rs.err()
	} else {
		detail = errors.New(http.StatusText(status))
	}
	switch status {
	case http.StatusUnauthorized:
		return newError(op, KindAuth, status, detail)
	case http.StatusForbidden:
		return newError(op, KindForbidden, status, detail)
	case http.StatusNotFound:
		return newError(op, KindNotFound, status, detail)
	}
	return newError(op, KindProtocol, status, detail)
}

// ActionResult is what administrative calls return instead of an error.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
}

func succeeded(msg string) ActionResult {
	return ActionResult{Success: true, Message: msg}
}

func failed(err error) ActionResult {
	return ActionResult{Kind: KindOf(err), Error: err.Error()}
}
