package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/factline/factline/pkg/counter"
	"github.com/factline/factline/pkg/model"
	"github.com/factline/factline/pkg/util"
)

type ingestRequest struct {
	Fact model.Fact `json:"fact"`

	DepthLimit    int64      `json:"depthLimit,omitempty"`
	DepthFromDate *time.Time `json:"depthFromDate,omitempty"`
	Counters      []string   `json:"counters,omitempty"`
	Debug         bool       `json:"debug,omitempty"`
}

type ingestResponse struct {
	Save     string                 `json:"save"`
	Indexed  int                    `json:"indexed"`
	Counters map[string]interface{} `json:"counters"`
	Metrics  *counter.Metrics       `json:"metrics,omitempty"`
}

// handleIngest runs the full path for one fact: persist it, derive and
// persist its index entries, then evaluate every applicable counter against
// the entries' history.
func (a *App) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request: "+err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now()
	if req.Fact.CreatedAt.IsZero() {
		req.Fact.CreatedAt = now
	}

	ctx := r.Context()
	entries := util.BuildIndexEntries(&req.Fact, a.cfg.Catalog.Indexes, now)
	if a.cfg.DB.EmbedFactDataInIndex {
		for i := range entries {
			entries[i].Data = req.Fact.Data
		}
	}

	saveRes, err := a.writer.SaveFact(ctx, &req.Fact)
	if err != nil {
		level.Error(a.logger).Log("msg", "fact save failed", "fact", req.Fact.ID, "err", err)
		http.Error(w, "storage error", http.StatusServiceUnavailable)
		return
	}
	if _, err := a.writer.SaveIndexEntries(ctx, entries); err != nil {
		level.Error(a.logger).Log("msg", "index save failed", "fact", req.Fact.ID, "err", err)
		http.Error(w, "storage error", http.StatusServiceUnavailable)
		return
	}

	opts := counter.ComputeOptions{
		DepthLimit:    req.DepthLimit,
		DepthFromDate: req.DepthFromDate,
		Debug:         req.Debug,
	}
	if req.Counters != nil {
		opts.AllowedCounters = make(map[string]struct{}, len(req.Counters))
		for _, name := range req.Counters {
			opts.AllowedCounters[name] = struct{}{}
		}
	}

	res, err := a.evaluator.ComputeCounters(ctx, &req.Fact, entries, opts)
	if err != nil {
		var invalid *model.InvalidInputError
		if errors.As(err, &invalid) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		level.Error(a.logger).Log("msg", "counter evaluation failed", "fact", req.Fact.ID, "err", err)
		http.Error(w, "evaluation error", http.StatusInternalServerError)
		return
	}

	if req.Debug {
		a.writer.AppendLog(ctx, bson.M{
			"at":       now,
			"factId":   req.Fact.ID,
			"counters": len(res.Counters),
			"groups":   res.Metrics.GroupCount,
			"errors":   res.Metrics.Errors,
			"reason":   res.Metrics.Reason,
		})
	}

	resp := ingestResponse{
		Save:     string(saveRes.Kind),
		Indexed:  len(entries),
		Counters: res.Counters,
	}
	if req.Debug {
		resp.Metrics = &res.Metrics
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		level.Warn(a.logger).Log("msg", "writing response", "err", err)
	}
}
