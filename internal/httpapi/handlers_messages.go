package httpapi

import (
	"io"
	"net/http"
)

// MessagesHandler proxies /v1/messages (and compatible LLM paths) through
// the request handler's retry/failover state machine.
func MessagesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		d.Handler.HandleRequest(w, r, body)
	}
}
