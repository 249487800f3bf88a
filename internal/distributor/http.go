package distributor

import (
	"encoding/json"
	"net/http"
)

// SnapshotProvider is the minimal capability NewHTTPHandler needs from a
// Distributor, so the handler can be exercised against a fake in tests
// without constructing a full Distributor.
type SnapshotProvider interface {
	Snapshot() Snapshot
}

// NewHTTPHandler exposes a minimal introspection API:
//   - GET /healthz: liveness, but tied to this peer's actual bucket
//     consumer rather than a hardcoded "ok" — a peer whose consumer has
//     stopped (broker lost, force-stopped, mid-restart-and-failed) is
//     reported unhealthy so it can be pulled out of a load balancer
//     instead of answering /healthz while doing no useful work.
//   - GET /distributor: the current Snapshot as JSON.
//   - GET /distributor/peers: just the peer id list, for callers that
//     only care about cluster membership and don't want to parse the
//     full snapshot.
func NewHTTPHandler(d SnapshotProvider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := d.Snapshot()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if snap.ConsumerStatus == "stopped" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("consumer stopped\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/distributor", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Snapshot())
	})

	mux.HandleFunc("/distributor/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Snapshot().Peers)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
