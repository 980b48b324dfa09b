package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/Hain2000/pairkv/utils"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"
)

// ReservedInviteKey 当前邀请记录在视图中的 key
const ReservedInviteKey = "pairkv/invite"

const (
	codeVersion = 1
	seedSize    = ed25519.SeedSize
	idSize      = blake2b.Size256
)

// Code 邀请码的内容，持有它的人可以证明自己拿到了邀请
type Code struct {
	V            uint8  `msgpack:"v"`
	DiscoveryKey []byte `msgpack:"discoveryKey"`
	Seed         []byte `msgpack:"seed"`
	Expires      int64  `msgpack:"expires"`
}

// NewCode 为 discoveryKey 生成新的邀请码，expires 为 0 表示不过期
func NewCode(discoveryKey []byte, expires int64) (*Code, error) {
	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return &Code{V: codeVersion, DiscoveryKey: discoveryKey, Seed: seed, Expires: expires}, nil
}

// ParseCode 解码 z-base-32 的邀请码
func ParseCode(s string) (*Code, error) {
	b, err := utils.Z32.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInviteInvalid, err)
	}
	var c Code
	if err := msgpack.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInviteInvalid, err)
	}
	if c.V != codeVersion || len(c.Seed) != seedSize || len(c.DiscoveryKey) == 0 {
		return nil, ErrInviteInvalid
	}
	return &c, nil
}

func (c *Code) String() string {
	b, err := msgpack.Marshal(c)
	if err != nil {
		panic(err)
	}
	return utils.Z32.EncodeToString(b)
}

func (c *Code) privateKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(c.Seed)
}

func (c *Code) PublicKey() ed25519.PublicKey {
	return c.privateKey().Public().(ed25519.PublicKey)
}

// ID 邀请 id，公钥的 blake2b-256
func (c *Code) ID() []byte {
	return inviteID(c.PublicKey())
}

func inviteID(publicKey []byte) []byte {
	id := blake2b.Sum256(publicKey)
	return id[:]
}

// Invite 保存在视图中的邀请记录，字段都是 z-base-32 字符串
type Invite struct {
	ID        string `msgpack:"id" json:"id"`
	Invite    string `msgpack:"invite" json:"invite"`
	PublicKey string `msgpack:"publicKey" json:"publicKey"`
	Expires   int64  `msgpack:"expires" json:"expires"`
}

// NewInvite 生成新的邀请记录
func NewInvite(discoveryKey []byte, expires int64) (*Invite, error) {
	code, err := NewCode(discoveryKey, expires)
	if err != nil {
		return nil, err
	}
	pub := code.PublicKey()
	return &Invite{
		ID:        utils.Z32.EncodeToString(inviteID(pub)),
		Invite:    code.String(),
		PublicKey: utils.Z32.EncodeToString(pub),
		Expires:   expires,
	}, nil
}

// Expired Expires 为 0 时永不过期
func (i *Invite) Expired(now time.Time) bool {
	return i.Expires != 0 && now.Unix() >= i.Expires
}

// Store 邀请记录的持久化，由日志提供
type Store interface {
	Writable() bool
	DiscoveryKey() []byte
	Add(ctx context.Context, key string, value any) error
	GetInto(key string, v any) (bool, error)
}

// Registry 管理当前的邀请记录
type Registry struct {
	mu    sync.Mutex
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewRegistry ttl 为 0 时邀请不过期
func NewRegistry(store Store, ttl time.Duration) *Registry {
	return &Registry{store: store, ttl: ttl, now: time.Now}
}

// CreateInvite 返回当前未过期的邀请，没有时生成新邀请并写入日志
// 邀请在过期之前可以被任意多个候选者使用
func (r *Registry) CreateInvite(ctx context.Context) (*Invite, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.store.Writable() {
		return nil, ErrNotWritable
	}
	now := r.now()
	existing, ok, err := r.lookup()
	if err != nil {
		return nil, err
	}
	if ok && !existing.Expired(now) {
		return existing, nil
	}

	var expires int64
	if r.ttl > 0 {
		expires = now.Add(r.ttl).Unix()
	}
	inv, err := NewInvite(r.store.DiscoveryKey(), expires)
	if err != nil {
		return nil, err
	}
	if err := r.store.Add(ctx, ReservedInviteKey, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// Lookup 视图中当前的邀请记录
func (r *Registry) Lookup() (*Invite, bool, error) {
	return r.lookup()
}

func (r *Registry) lookup() (*Invite, bool, error) {
	var inv Invite
	ok, err := r.store.GetInto(ReservedInviteKey, &inv)
	if err != nil || !ok {
		return nil, false, err
	}
	return &inv, true, nil
}
