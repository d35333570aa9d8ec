package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/seantiz/releaseflow/internal/model"
)

// Operator identity headers, set by the upstream auth layer.
const (
	headerOperatorID   = "X-Operator-Id"
	headerOperatorName = "X-Operator-Name"
	headerOperatorRole = "X-Operator-Role"
)

type operatorKey struct{}

// requireOperator rejects requests without an operator id and stores the
// operator on the request context.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := model.Operator{
			ID:   strings.TrimSpace(r.Header.Get(headerOperatorID)),
			Name: strings.TrimSpace(r.Header.Get(headerOperatorName)),
			Role: strings.TrimSpace(r.Header.Get(headerOperatorRole)),
		}
		if op.ID == "" {
			s.writeError(w, http.StatusUnauthorized, headerOperatorID+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, op)))
	})
}

// operatorFrom returns the operator stored by requireOperator. Read-only
// routes fall back to the raw headers.
func operatorFrom(r *http.Request) model.Operator {
	if op, ok := r.Context().Value(operatorKey{}).(model.Operator); ok {
		return op
	}
	return model.Operator{
		ID:   strings.TrimSpace(r.Header.Get(headerOperatorID)),
		Name: strings.TrimSpace(r.Header.Get(headerOperatorName)),
		Role: strings.TrimSpace(r.Header.Get(headerOperatorRole)),
	}
}
