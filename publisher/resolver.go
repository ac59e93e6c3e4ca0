package publisher

import (
	"encoding/json"
	"errors"
	"github.com/cpacia/feedpinner/repo"
	"github.com/gorilla/mux"
	"net/http"
	"strconv"
	"time"
)

// ipnsRecordType is the content type of a serialized name record.
const ipnsRecordType = "application/vnd.ipfs.ipns-record"

type resolver struct {
	p *Publisher
}

// ownerStatus is the body of GET /owners/{handle}.
type ownerStatus struct {
	Handle              string     `json:"handle"`
	State               string     `json:"state"`
	Name                string     `json:"name,omitempty"`
	KeyID               string     `json:"keyId,omitempty"`
	LastPublishedCID    string     `json:"lastPublishedCid,omitempty"`
	LastPublishedAt     *time.Time `json:"lastPublishedAt,omitempty"`
	Sequence            uint64     `json:"sequence,omitempty"`
	MissingCount        *int       `json:"missingCount,omitempty"`
	RetriesAfterMissing *int       `json:"retriesAfterMissing,omitempty"`
	Purged              bool       `json:"purged"`
	Refreshing          bool       `json:"refreshing"`
}

// refreshResponse is the body of POST /owners/{handle}/refresh.
type refreshResponse struct {
	JobID               string `json:"jobId"`
	Handle              string `json:"handle"`
	LastPublishedCID    string `json:"lastPublishedCid,omitempty"`
	MissingCount        int    `json:"missingCount"`
	RetriesAfterMissing int    `json:"retriesAfterMissing"`
	Attempts            int    `json:"attempts"`
	Published           bool   `json:"published"`
}

// Handler returns the resolver HTTP API.
func (p *Publisher) Handler() http.Handler {
	res := &resolver{p: p}

	r := mux.NewRouter()
	r.HandleFunc("/ipns/{handle}", res.handleRecord).Methods("GET")
	r.HandleFunc("/owners/{handle}", res.handleStatus).Methods("GET")
	r.HandleFunc("/owners/{handle}/refresh", res.handleRefresh).Methods("POST")
	r.HandleFunc("/events", res.handleEvents).Methods("GET")
	r.Use(mux.CORSMethodMiddleware(r))
	return r
}

// lookup loads an owner and its live naming record, which may be nil.
func (res *resolver) lookup(w http.ResponseWriter, handle string) (*repo.Owner, *repo.NamingRecord, bool) {
	owner, err := res.p.catalog.GetOwner(handle)
	if errors.Is(err, repo.ErrNotFound) {
		http.Error(w, ErrOwnerNotFound.Error(), http.StatusNotFound)
		return nil, nil, false
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, nil, false
	}
	rec, err := res.p.catalog.GetNamingRecord(owner.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return owner, nil, true
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, nil, false
	}
	return owner, rec, true
}

func (res *resolver) handleRecord(w http.ResponseWriter, r *http.Request) {
	_, rec, ok := res.lookup(w, mux.Vars(r)["handle"])
	if !ok {
		return
	}
	if rec == nil || rec.IsPurged() || len(rec.Record) == 0 {
		http.Error(w, "no record published", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", ipnsRecordType)
	w.Write(rec.Record)
}

func (res *resolver) handleStatus(w http.ResponseWriter, r *http.Request) {
	owner, rec, ok := res.lookup(w, mux.Vars(r)["handle"])
	if !ok {
		return
	}
	status := ownerStatus{
		Handle:     owner.Handle,
		State:      string(owner.State),
		Refreshing: res.p.scheduler.InFlight(owner.Handle),
	}
	if rec != nil {
		status.KeyID = rec.KeyID
		if rec.KeyID != "" {
			status.Name = "/ipns/" + rec.KeyID
		}
		status.LastPublishedCID = rec.LastPublishedCID
		if !rec.LastPublishedAt.IsZero() {
			at := rec.LastPublishedAt
			status.LastPublishedAt = &at
		}
		status.Sequence = rec.Sequence
		status.MissingCount = rec.MissingCount
		status.RetriesAfterMissing = rec.RetriesAfterMissing
		status.Purged = rec.IsPurged()
	}
	writeJSON(w, http.StatusOK, status)
}

func (res *resolver) handleRefresh(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]
	opts := RefreshOptions{
		Limit:         res.p.opts.RefreshLimit,
		UseManagedKey: res.p.opts.UseManagedKeys,
	}
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		opts.Limit = limit
	}
	if s := q.Get("force"); s != "" {
		force, err := strconv.ParseBool(s)
		if err != nil {
			http.Error(w, "invalid force flag", http.StatusBadRequest)
			return
		}
		opts.ForceReplace = force
	}

	result, err := res.p.Refresh(r.Context(), handle, opts)
	switch {
	case errors.Is(err, ErrOwnerNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ErrOwnerInactive):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, newRefreshResponse(result))
}

func newRefreshResponse(result *RefreshResult) refreshResponse {
	resp := refreshResponse{
		JobID:               result.JobID.String(),
		Handle:              result.Handle,
		MissingCount:        result.MissingCount,
		RetriesAfterMissing: result.RetriesAfterMissing(),
		Attempts:            result.Attempts,
		Published:           result.Published,
	}
	if result.LastPublishedCID.Defined() {
		resp.LastPublishedCID = result.LastPublishedCID.String()
	}
	return resp
}

// handleEvents streams finished refreshes as newline delimited JSON until
// the client goes away. The handle query parameter filters by owner.
func (res *resolver) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	handle := r.URL.Query().Get("handle")

	sub, err := res.p.Subscribe()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case result := <-sub.Out:
			if handle != "" && result.Handle != handle {
				continue
			}
			if err := enc.Encode(newRefreshResponse(result)); err != nil {
				log.Debugf("Event stream closed: %s", err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-res.p.shutdown:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Error encoding response: %s", err)
	}
}
