package resolver

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"

	"github.com/pmkol/tsein/pkg/dnsutils"
)

// Kind classifies a failed resolution.
type Kind uint8

const (
	KindTimeout Kind = iota + 1
	KindServerFailure
	KindMalformedResponse
	KindReferralLoop
	KindNoReachableServer
)

var (
	ErrTimeout           = errors.New("resolution timeout")
	ErrServerFailure     = errors.New("server failure")
	ErrMalformedResponse = errors.New("malformed response")
	ErrReferralLoop      = errors.New("referral loop")
	ErrNoReachableServer = errors.New("no reachable server")
)

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindServerFailure:
		return ErrServerFailure
	case KindMalformedResponse:
		return ErrMalformedResponse
	case KindReferralLoop:
		return ErrReferralLoop
	case KindNoReachableServer:
		return ErrNoReachableServer
	default:
		return errors.New("unknown resolution error")
	}
}

func (k Kind) String() string {
	return k.sentinel().Error()
}

// ResolutionError is returned when a question cannot be resolved.
// errors.Is matches both the sentinel of its Kind and the cause.
type ResolutionError struct {
	Kind     Kind
	Question dns.Question
	Err      error
}

func newError(kind Kind, q dns.Question, err error) *ResolutionError {
	return &ResolutionError{Kind: kind, Question: q, Err: err}
}

func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resolve %s: %s", dnsutils.QuestionString(e.Question), e.Kind)
	}
	return fmt.Sprintf("resolve %s: %s: %v", dnsutils.QuestionString(e.Question), e.Kind, e.Err)
}

func (e *ResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}
