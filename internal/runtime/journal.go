package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/scbridge/internal/journal"
	"github.com/loqalabs/scbridge/internal/osc"
)

type runView struct {
	ID             string    `json:"id"`
	FinalState     string    `json:"final_state,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
	SampleRate     int       `json:"sample_rate"`
	BlockSize      int       `json:"block_size"`
	OutputChannels int       `json:"output_channels"`
}

type packetView struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	Address   string    `json:"address"`
	Bytes     int       `json:"bytes"`
	Packet    string    `json:"packet"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Runtime) handleJournalRuns(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	runs, err := r.store.ListRuns(req.Context(), queryLimit(req))
	if err != nil {
		r.logger.Warn("journal query failed", slog.String("error", err.Error()))
		http.Error(w, "journal query failed", http.StatusInternalServerError)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, runView{
			ID:             run.ID,
			FinalState:     run.FinalState,
			StartedAt:      run.StartedAt,
			EndedAt:        run.EndedAt,
			SampleRate:     run.Options.SampleRate,
			BlockSize:      run.Options.BlockSize,
			OutputChannels: run.Options.OutputChannels,
		})
	}
	r.writeJSON(w, out)
}

func (r *Runtime) handleJournalPackets(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	packets, err := r.store.ListRunPackets(req.Context(), req.PathValue("id"), queryLimit(req))
	if err != nil {
		r.logger.Warn("journal query failed", slog.String("error", err.Error()))
		http.Error(w, "journal query failed", http.StatusInternalServerError)
		return
	}
	out := make([]packetView, 0, len(packets))
	for _, p := range packets {
		out = append(out, viewPacket(p))
	}
	r.writeJSON(w, out)
}

func viewPacket(p journal.Packet) packetView {
	v := packetView{
		ID:        p.ID,
		Source:    p.Source,
		Address:   p.Address,
		Bytes:     len(p.Payload),
		CreatedAt: p.CreatedAt,
	}
	if pkt, err := osc.ParsePacket(p.Payload); err == nil {
		v.Packet = pkt.String()
	} else {
		v.Packet = "unparseable: " + err.Error()
	}
	return v
}

// queryLimit reads ?limit=, leaving the store default for missing or bad
// values.
func queryLimit(req *http.Request) int {
	n, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (r *Runtime) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}
