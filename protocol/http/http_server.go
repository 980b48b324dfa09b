package http

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"time"

	"github.com/Hain2000/pairkv"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Store HTTP 接口需要的存储操作，*pairkv.Pass 实现了它
type Store interface {
	Add(ctx context.Context, key string, value any) error
	Remove(ctx context.Context, key string) error
	Get(key string) (any, bool, error)
	List(prefix string) iter.Seq2[string, any]
	Members() []string
	AddWriter(ctx context.Context, key []byte) error
	RemoveWriter(ctx context.Context, key []byte) error
	CreateInvite(ctx context.Context) (string, error)
	Writable() bool
	Key() []byte
	DiscoveryKey() []byte
	WriterKey() []byte
	Stats() pairkv.Stats
}

type Server struct {
	store  Store
	addr   string
	logger *zap.Logger
	server *http.Server
}

func NewServer(store Store, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{store: store, addr: addr, logger: logger}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return s
}

// Handler 路由
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// 记录
	r.Get("/records", s.handleList)
	r.Get("/records/*", s.handleGet)
	r.Put("/records/*", s.handlePut)
	r.Delete("/records/*", s.handleDelete)

	// 写者和邀请
	r.Get("/writers", s.handleWriters)
	r.Post("/writers", s.handleAddWriter)
	r.Delete("/writers/{key}", s.handleRemoveWriter)
	r.Post("/invites", s.handleCreateInvite)

	r.Get("/status", s.handleStatus)
	return r
}

func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// 公共响应格式
func writeResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  data,
		"error": nil,
	})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  nil,
		"error": err.Error(),
	})
}

// statusOf 存储错误对应的状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, pairkv.ErrNotWritable):
		return http.StatusForbidden
	case errors.Is(err, pairkv.ErrKeyIsEmpty), errors.Is(err, pairkv.ErrInvalidWriterKey):
		return http.StatusBadRequest
	case errors.Is(err, pairkv.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
