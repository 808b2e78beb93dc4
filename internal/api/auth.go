package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type ctxSubjectKey struct{}

func parseTokenFromHeader(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// verify accepts tokens issued for this node only.
func (s *Server) verify(token string) (string, error) {
	subject, err := s.opts.Issuer.Validate(token)
	if err != nil {
		return "", err
	}
	if subject != s.opts.Node.SelfID() {
		return "", errors.New("token issued for another node")
	}
	return subject, nil
}

func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := s.verify(parseTokenFromHeader(r.Header.Get("Authorization")))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ctxSubjectKey{}, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
