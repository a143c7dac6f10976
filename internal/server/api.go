package server

import (
	"github.com/bolasblack/nfcond/internal/condition"
	"github.com/bolasblack/nfcond/internal/xt"
)

// NamespacesResponse is returned by GET /v1/namespaces.
type NamespacesResponse struct {
	Namespaces []string `json:"namespaces"`
}

// ConditionsResponse is returned by GET /v1/namespaces/:ns/conditions.
type ConditionsResponse struct {
	Conditions []condition.Info `json:"conditions"`
}

// RulesResponse is returned by GET /v1/namespaces/:ns/rules.
type RulesResponse struct {
	Rules []xt.Rule `json:"rules"`
}

// PolicyBody is returned by GET and accepted by PUT /v1/namespaces/:ns/policy.
type PolicyBody struct {
	Policy xt.Verdict `json:"policy"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MaxConditionWrite bounds the body accepted by a condition write.
const MaxConditionWrite = 4096
