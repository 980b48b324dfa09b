package resp

import (
	"github.com/tidwall/redcon"
	"go.uber.org/zap"
)

type Server struct {
	handler *Handler
	logger  *zap.Logger
	server  *redcon.Server
}

func NewServer(store Store, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{handler: NewHandler(store), logger: logger}
	s.server = redcon.NewServer(addr,
		func(conn redcon.Conn, cmd redcon.Command) {
			s.handler.HandleCommand(conn, cmd)
		},
		func(conn redcon.Conn) bool {
			s.logger.Debug("resp connection accepted", zap.String("remote", conn.RemoteAddr()))
			return true
		},
		func(conn redcon.Conn, err error) {
			if err != nil {
				s.logger.Debug("resp connection closed", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
			}
		},
	)
	return s
}

func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// StartAndSignal 开始监听后向 signal 发送 nil，监听失败时发送错误
func (s *Server) StartAndSignal(signal chan error) error {
	return s.server.ListenServeAndSignal(signal)
}

func (s *Server) Close() error {
	return s.server.Close()
}
