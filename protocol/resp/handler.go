package resp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/Hain2000/pairkv"
	"github.com/Hain2000/pairkv/cluster"
	"github.com/tidwall/redcon"
)

// Store RESP 接口需要的存储操作，*pairkv.Pass 实现了它
type Store interface {
	Add(ctx context.Context, key string, value any) error
	Remove(ctx context.Context, key string) error
	Get(key string) (any, bool, error)
	List(prefix string) iter.Seq2[string, any]
	Members() []string
	AddWriter(ctx context.Context, key []byte) error
	RemoveWriter(ctx context.Context, key []byte) error
	CreateInvite(ctx context.Context) (string, error)
	NewWriteBatch(opts pairkv.WriteBatchOptions) *pairkv.WriteBatch
}

func newWrongNumberOfArgsError(cmd string) string {
	return fmt.Sprintf("ERR wrong number of arguments for '%s' command", cmd)
}

func errorReply(err error) string {
	if errors.Is(err, pairkv.ErrNotWritable) {
		return "NOTWRITABLE " + err.Error()
	}
	return "ERR " + err.Error()
}

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// HandleCommand 直接使用redcon解析后的命令参数
func (h *Handler) HandleCommand(conn redcon.Conn, cmd redcon.Command) {
	ctx := context.Background()
	args := cmd.Args[1:]
	switch strings.ToLower(string(cmd.Args[0])) {
	case "ping":
		h.handlePing(conn, args)
	case "set":
		h.handleSet(ctx, conn, args)
	case "mset":
		h.handleMSet(ctx, conn, args)
	case "get":
		h.handleGet(conn, args)
	case "del":
		h.handleDel(ctx, conn, args)
	case "keys":
		h.handleKeys(conn, args)
	case "writers":
		h.handleWriters(conn, args)
	case "addwriter":
		h.handleWriter(ctx, conn, "addwriter", args, h.store.AddWriter)
	case "removewriter":
		h.handleWriter(ctx, conn, "removewriter", args, h.store.RemoveWriter)
	case "invite":
		h.handleInvite(ctx, conn, args)
	case "quit":
		conn.WriteString("OK")
		_ = conn.Close()
	default:
		conn.WriteError("ERR unknown command '" + string(cmd.Args[0]) + "'")
	}
}

func (h *Handler) handlePing(conn redcon.Conn, args [][]byte) {
	switch len(args) {
	case 0:
		conn.WriteString("PONG")
	case 1:
		conn.WriteBulk(args[0])
	default:
		conn.WriteError(newWrongNumberOfArgsError("ping"))
	}
}

// handleSet 值按字符串保存
func (h *Handler) handleSet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		conn.WriteError(newWrongNumberOfArgsError("set"))
		return
	}
	if err := h.store.Add(ctx, string(args[0]), string(args[1])); err != nil {
		conn.WriteError(errorReply(err))
		return
	}
	conn.WriteString("OK")
}

// handleMSet 所有键值作为一个批次提交
func (h *Handler) handleMSet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 || len(args)%2 != 0 {
		conn.WriteError(newWrongNumberOfArgsError("mset"))
		return
	}
	wb := h.store.NewWriteBatch(pairkv.DefaultWriteBatchOptions)
	for i := 0; i < len(args); i += 2 {
		if err := wb.Put(string(args[i]), string(args[i+1])); err != nil {
			conn.WriteError(errorReply(err))
			return
		}
	}
	if err := wb.Commit(ctx); err != nil {
		conn.WriteError(errorReply(err))
		return
	}
	conn.WriteString("OK")
}

// handleGet 字符串原样返回，其他类型的值返回 JSON
func (h *Handler) handleGet(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError(newWrongNumberOfArgsError("get"))
		return
	}
	value, ok, err := h.store.Get(string(args[0]))
	switch {
	case err != nil:
		conn.WriteError(errorReply(err))
	case !ok:
		conn.WriteNull()
	default:
		if s, isString := value.(string); isString {
			conn.WriteBulkString(s)
			return
		}
		b, err := json.Marshal(value)
		if err != nil {
			conn.WriteError(errorReply(err))
			return
		}
		conn.WriteBulk(b)
	}
}

// handleDel 返回删除前存在的 key 数量
func (h *Handler) handleDel(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError(newWrongNumberOfArgsError("del"))
		return
	}
	var n int
	for _, arg := range args {
		key := string(arg)
		_, ok, err := h.store.Get(key)
		if err != nil {
			conn.WriteError(errorReply(err))
			return
		}
		if !ok {
			continue
		}
		if err := h.store.Remove(ctx, key); err != nil {
			conn.WriteError(errorReply(err))
			return
		}
		n++
	}
	conn.WriteInt(n)
}

// handleKeys 只支持 "*" 和 "prefix*"
func (h *Handler) handleKeys(conn redcon.Conn, args [][]byte) {
	if len(args) > 1 {
		conn.WriteError(newWrongNumberOfArgsError("keys"))
		return
	}
	pattern := "*"
	if len(args) == 1 {
		pattern = string(args[0])
	}
	prefix, ok := strings.CutSuffix(pattern, "*")
	if !ok || strings.ContainsAny(prefix, "*?[") {
		conn.WriteError("ERR only prefix patterns are supported")
		return
	}
	var keys []string
	for k := range h.store.List(prefix) {
		keys = append(keys, k)
	}
	conn.WriteArray(len(keys))
	for _, k := range keys {
		conn.WriteBulkString(k)
	}
}

func (h *Handler) handleWriters(conn redcon.Conn, args [][]byte) {
	if len(args) != 0 {
		conn.WriteError(newWrongNumberOfArgsError("writers"))
		return
	}
	members := h.store.Members()
	conn.WriteArray(len(members))
	for _, m := range members {
		conn.WriteBulkString(m)
	}
}

func (h *Handler) handleWriter(ctx context.Context, conn redcon.Conn, name string, args [][]byte,
	apply func(context.Context, []byte) error) {
	if len(args) != 1 {
		conn.WriteError(newWrongNumberOfArgsError(name))
		return
	}
	key, err := cluster.DecodeWriterKey(string(args[0]))
	if err != nil {
		conn.WriteError(errorReply(err))
		return
	}
	if err := apply(ctx, key); err != nil {
		conn.WriteError(errorReply(err))
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) handleInvite(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 0 {
		conn.WriteError(newWrongNumberOfArgsError("invite"))
		return
	}
	invite, err := h.store.CreateInvite(ctx)
	if err != nil {
		conn.WriteError(errorReply(err))
		return
	}
	conn.WriteBulkString(invite)
}
