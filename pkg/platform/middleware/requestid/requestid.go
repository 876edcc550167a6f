// Package requestid assigns each inbound request a correlation ID. Handlers
// and the audit pipeline attach it to their output so a single client call
// can be traced across logs, audit records, and responses.
package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"affgate/pkg/requestcontext"
)

// Header carries the request ID on both requests and responses. A client-sent
// value is honored so upstream proxies can stitch traces together.
const Header = "X-Request-Id"

// RequestID middleware reads or generates a request ID, stores it in the
// context, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(Header)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		ctx := requestcontext.WithRequestID(r.Context(), reqID)
		w.Header().Set(Header, reqID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
