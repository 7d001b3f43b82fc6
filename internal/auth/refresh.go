package auth

import (
	"net/http"

	"github.com/devrev/opsync/internal/model"
	"go.uber.org/zap"
)

// RefreshedTokenHeader carries a freshly signed token on successful sync
// responses
const RefreshedTokenHeader = "X-Refreshed-Token"

// RefreshMiddleware attaches a new token with a full lifetime to every
// response with a status below 400. It must be mounted inside the auth
// middleware and only on routes whose success should roll the token.
// onRefresh, if non-nil, is called once per attached token.
func RefreshMiddleware(tokens *TokenManager, logger *zap.Logger, onRefresh func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFrom(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			rw := &refreshWriter{
				ResponseWriter: w,
				issue: func() {
					token, _, err := tokens.Issue(&model.User{
						ID:           principal.UserID,
						Email:        principal.Email,
						TokenVersion: principal.TokenVersion,
					})
					if err != nil {
						logger.Warn("failed to refresh token",
							zap.String("user_id", principal.UserID),
							zap.Error(err))
						return
					}
					w.Header().Set(RefreshedTokenHeader, token)
					if onRefresh != nil {
						onRefresh()
					}
				},
			}
			next.ServeHTTP(rw, r)
		})
	}
}

// refreshWriter decides on the header at the moment the status is written
type refreshWriter struct {
	http.ResponseWriter
	issue       func()
	wroteHeader bool
}

func (rw *refreshWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	if code < http.StatusBadRequest {
		rw.issue()
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *refreshWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
