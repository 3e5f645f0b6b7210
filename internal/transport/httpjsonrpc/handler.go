package httpjsonrpc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/samiralibabic/scriptd/internal/rpc"
)

type RequestHandler func(context.Context, rpc.Request) rpc.Response

const maxBodyBytes = 4 << 20

func Handler(handle RequestHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		var req rpc.Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(rpc.ErrorResponse(nil, rpc.ErrParse, "parse error", nil))
			return
		}
		resp := handle(r.Context(), req)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
