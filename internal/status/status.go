// Package status models the identity service's response codes as a closed set.
package status

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates Status values. Switches over Kind should handle all four.
type Kind int

const (
	KindSuccess Kind = iota
	KindNotExist
	KindWrongPassword
	KindUnknown
)

// Wire codes used by the identity service.
const (
	CodeSuccess       = 0
	CodePending       = 1
	CodeNotExist      = 2
	CodeWrongPassword = 3
)

// Status is a decoded server status. The zero value is Success.
type Status struct {
	kind Kind
	code int
}

var (
	Success       = Status{kind: KindSuccess, code: CodeSuccess}
	NotExist      = Status{kind: KindNotExist, code: CodeNotExist}
	WrongPassword = Status{kind: KindWrongPassword, code: CodeWrongPassword}
)

// Unknown wraps a code the client has no dedicated branch for.
func Unknown(code int) Status {
	return Status{kind: KindUnknown, code: code}
}

// FromCode maps a wire code onto the closed set.
func FromCode(code int) Status {
	switch code {
	case CodeSuccess:
		return Success
	case CodeNotExist:
		return NotExist
	case CodeWrongPassword:
		return WrongPassword
	default:
		return Unknown(code)
	}
}

func (s Status) Kind() Kind { return s.kind }

// Code returns the wire code.
func (s Status) Code() int { return s.code }

func (s Status) IsSuccess() bool { return s.kind == KindSuccess }

func (s Status) String() string {
	switch s.kind {
	case KindSuccess:
		return "success"
	case KindNotExist:
		return "notExist"
	case KindWrongPassword:
		return "wrongPassword"
	default:
		return fmt.Sprintf("unknown(%d)", s.code)
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.code)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	*s = FromCode(code)
	return nil
}
