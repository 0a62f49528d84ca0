package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCredentials is returned for an unknown operator or a wrong key.
// The two cases are indistinguishable to callers.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

type operator struct {
	hash string
	role Role
}

// Operators is the fixed set of operators allowed to obtain tokens.
type Operators struct {
	byID map[string]operator
}

// ParseOperators parses entries of the form "id:role:hash" or "id:hash"
// (role defaults to operator). The hash is the output of HashAPIKey.
func ParseOperators(entries []string) (*Operators, error) {
	ops := &Operators{byID: make(map[string]operator, len(entries))}
	for _, e := range entries {
		parts := strings.SplitN(e, ":", 3)
		var id string
		var op operator
		switch len(parts) {
		case 2:
			id, op = parts[0], operator{hash: parts[1], role: RoleOperator}
		case 3:
			id, op = parts[0], operator{hash: parts[2], role: Role(parts[1])}
		default:
			return nil, fmt.Errorf("auth: operator entry %q: want id:hash or id:role:hash", e)
		}
		if id == "" || op.hash == "" {
			return nil, fmt.Errorf("auth: operator entry %q: empty id or hash", e)
		}
		if !op.role.Valid() {
			return nil, fmt.Errorf("auth: operator %s: unknown role %q", id, op.role)
		}
		if _, _, _, err := decodeHash(op.hash); err != nil {
			return nil, fmt.Errorf("auth: operator %s: %w", id, err)
		}
		if _, dup := ops.byID[id]; dup {
			return nil, fmt.Errorf("auth: operator %s listed twice", id)
		}
		ops.byID[id] = op
	}
	return ops, nil
}

// Len returns the number of configured operators.
func (o *Operators) Len() int {
	if o == nil {
		return 0
	}
	return len(o.byID)
}

// Authenticate checks an operator's API key and returns its role.
func (o *Operators) Authenticate(operatorID, apiKey string) (Role, error) {
	var op operator
	var ok bool
	if o != nil {
		op, ok = o.byID[operatorID]
	}
	if !ok {
		DummyVerify()
		return "", ErrInvalidCredentials
	}
	valid, err := VerifyAPIKey(apiKey, op.hash)
	if err != nil {
		return "", fmt.Errorf("auth: operator %s: %w", operatorID, err)
	}
	if !valid {
		return "", ErrInvalidCredentials
	}
	return op.role, nil
}
