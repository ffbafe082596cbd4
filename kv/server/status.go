package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinytxn/kv/storage/partition"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/coordinator"
	"github.com/pingcap-incubator/tinytxn/kv/util/typeutil"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
)

type statusHandler struct {
	svr *Server
	rd  *render.Render
}

func newStatusHandler(svr *Server) http.Handler {
	h := &statusHandler{
		svr: svr,
		rd:  render.New(render.Options{IndentJSON: true}),
	}
	router := mux.NewRouter()
	router.HandleFunc("/status", h.GetStatus).Methods("GET")
	router.HandleFunc("/config", h.GetConfig).Methods("GET")
	router.HandleFunc("/partitions", h.ListPartitions).Methods("GET")
	router.HandleFunc("/partitions/{id}", h.GetPartition).Methods("GET")
	router.HandleFunc("/txns/{id}", h.GetTxn).Methods("GET")
	router.HandleFunc("/txn-timeout", h.SetTxnTimeout).Methods("POST")
	router.HandleFunc("/gc", h.RunGC).Methods("POST")
	router.Handle("/metrics", promhttp.Handler())

	n := negroni.New(negroni.NewRecovery())
	n.UseHandler(router)
	return n
}

// Status is the body of GET /status.
type Status struct {
	Name       string            `json:"name"`
	Partitions int               `json:"partitions"`
	TxnTimeout typeutil.Duration `json:"txn-timeout"`
	Txns       coordinator.Stats `json:"txns"`
}

// TxnStatus is the body of GET /txns/{id}.
type TxnStatus struct {
	ID    uint64 `json:"id"`
	State string `json:"state"`
}

func (h *statusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	c := h.svr.Coordinator()
	h.rd.JSON(w, http.StatusOK, &Status{
		Name:       h.svr.Config().Name,
		Partitions: len(h.svr.Partitions()),
		TxnTimeout: typeutil.NewDuration(c.TxnTimeout()),
		Txns:       c.Stats(),
	})
}

func (h *statusHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.svr.Config())
}

func (h *statusHandler) ListPartitions(w http.ResponseWriter, r *http.Request) {
	stats := make([]partition.Stats, 0, len(h.svr.Partitions()))
	for _, p := range h.svr.Partitions() {
		stats = append(stats, p.Stats())
	}
	h.rd.JSON(w, http.StatusOK, stats)
}

func (h *statusHandler) GetPartition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	parts := h.svr.Partitions()
	if id >= uint64(len(parts)) {
		h.rd.JSON(w, http.StatusNotFound, "partition not found")
		return
	}
	h.rd.JSON(w, http.StatusOK, parts[id].Stats())
}

func (h *statusHandler) GetTxn(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := h.svr.Coordinator().State(id)
	if errors.Cause(err) == coordinator.ErrTxnNotFound {
		h.rd.JSON(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, &TxnStatus{ID: id, State: state.String()})
}

func (h *statusHandler) SetTxnTimeout(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Timeout typeutil.Duration `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svr.Coordinator().SetTxnTimeout(input.Timeout.Duration); err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, input)
}

func (h *statusHandler) RunGC(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.svr.Coordinator().RunGC(r.Context()))
}
