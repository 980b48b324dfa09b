package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Hain2000/pairkv/cluster"
	"github.com/Hain2000/pairkv/utils"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

var errNotFound = errors.New("key not found")

// Record 列表中的一条记录
type Record struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// WriterRequest 增加写者的请求体，key 为 z-base-32 编码的写者公钥
type WriterRequest struct {
	Key string `json:"key"`
}

type Status struct {
	Key          string   `json:"key"`
	DiscoveryKey string   `json:"discoveryKey"`
	WriterKey    string   `json:"writerKey"`
	Writable     bool     `json:"writable"`
	Members      []string `json:"members"`
	Entries      int      `json:"entries"`
	Sessions     int      `json:"sessions"`
	Admitted     uint64   `json:"admitted"`
	Rejected     uint64   `json:"rejected"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	var value any
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.Add(r.Context(), key, value); err != nil {
		s.logger.Debug("put failed", zap.String("key", key), zap.Error(err))
		writeError(w, statusOf(err), err)
		return
	}
	writeResponse(w, http.StatusOK, "ok")
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	value, ok, err := s.store.Get(key)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeResponse(w, http.StatusOK, value)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if err := s.store.Remove(r.Context(), key); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeResponse(w, http.StatusOK, "ok")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records := []Record{}
	for k, v := range s.store.List(r.URL.Query().Get("prefix")) {
		records = append(records, Record{Key: k, Value: v})
	}
	writeResponse(w, http.StatusOK, records)
}

func (s *Server) handleWriters(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, http.StatusOK, s.store.Members())
}

func (s *Server) handleAddWriter(w http.ResponseWriter, r *http.Request) {
	var req WriterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := cluster.DecodeWriterKey(req.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.AddWriter(r.Context(), key); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeResponse(w, http.StatusOK, "ok")
}

func (s *Server) handleRemoveWriter(w http.ResponseWriter, r *http.Request) {
	key, err := cluster.DecodeWriterKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.RemoveWriter(r.Context(), key); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeResponse(w, http.StatusOK, "ok")
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	invite, err := s.store.CreateInvite(r.Context())
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeResponse(w, http.StatusOK, map[string]string{"invite": invite})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()
	writeResponse(w, http.StatusOK, Status{
		Key:          utils.Z32.EncodeToString(s.store.Key()),
		DiscoveryKey: utils.Z32.EncodeToString(s.store.DiscoveryKey()),
		WriterKey:    utils.Z32.EncodeToString(s.store.WriterKey()),
		Writable:     s.store.Writable(),
		Members:      s.store.Members(),
		Entries:      stats.Entries,
		Sessions:     stats.Sessions,
		Admitted:     stats.Admitted,
		Rejected:     stats.Rejected,
	})
}
