package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	requestDomain = "pairkv/pair-request"
	confirmDomain = "pairkv/pair-confirm"
	writerKeySize = ed25519.PublicKeySize
)

var errBadMessage = errors.New("malformed pairing message")

// PairRequest 候选者的证明，由邀请私钥签名
type PairRequest struct {
	InviteID  []byte `msgpack:"inviteId"`
	UserData  []byte `msgpack:"userData"` // 候选者的写者公钥
	Ephemeral []byte `msgpack:"ephemeral"`
	Signature []byte `msgpack:"signature"`
}

// PairConfirm 成员的回复，Sealed 只有候选者能打开
type PairConfirm struct {
	Ephemeral []byte `msgpack:"ephemeral"`
	Nonce     []byte `msgpack:"nonce"`
	Sealed    []byte `msgpack:"sealed"`
}

// Confirmation 候选者加入日志需要的内容
type Confirmation struct {
	Key           []byte `msgpack:"key"`
	EncryptionKey []byte `msgpack:"encryptionKey"`
}

func (r *PairRequest) validate() error {
	if len(r.InviteID) != idSize || len(r.UserData) != writerKeySize ||
		len(r.Ephemeral) != curve25519.PointSize || len(r.Signature) != ed25519.SignatureSize {
		return errBadMessage
	}
	return nil
}

func (r *PairRequest) signedBytes() []byte {
	msg := make([]byte, 0, len(requestDomain)+len(r.InviteID)+len(r.UserData)+len(r.Ephemeral))
	msg = append(msg, requestDomain...)
	msg = append(msg, r.InviteID...)
	msg = append(msg, r.UserData...)
	msg = append(msg, r.Ephemeral...)
	return msg
}

func (r *PairRequest) sign(priv ed25519.PrivateKey) {
	r.Signature = ed25519.Sign(priv, r.signedBytes())
}

func (r *PairRequest) verify(pub ed25519.PublicKey) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, r.signedBytes(), r.Signature)
}

// ephemeral 一次会话使用的 X25519 密钥对
type ephemeral struct {
	priv []byte
	pub  []byte
}

func newEphemeral() (*ephemeral, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &ephemeral{priv: priv, pub: pub}, nil
}

// sessionKey X25519 共享密钥经过 HKDF-SHA256，盐为邀请 id
func (e *ephemeral) sessionKey(peer, inviteID []byte) ([]byte, error) {
	shared, err := curve25519.X25519(e.priv, peer)
	if err != nil {
		return nil, err
	}
	defer clear(shared)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, inviteID, []byte(confirmDomain)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func (e *ephemeral) wipe() {
	clear(e.priv)
}

func confirmAD(req *PairRequest) []byte {
	ad := make([]byte, 0, len(req.InviteID)+len(req.UserData))
	ad = append(ad, req.InviteID...)
	return append(ad, req.UserData...)
}

// sealConfirmation 成员使用候选者的临时公钥加密确认内容
func sealConfirmation(req *PairRequest, conf *Confirmation) (*PairConfirm, error) {
	eph, err := newEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.wipe()
	key, err := eph.sessionKey(req.Ephemeral, req.InviteID)
	if err != nil {
		return nil, err
	}
	defer clear(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plain, err := msgpack.Marshal(conf)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &PairConfirm{
		Ephemeral: eph.pub,
		Nonce:     nonce,
		Sealed:    aead.Seal(nil, nonce, plain, confirmAD(req)),
	}, nil
}

// openConfirmation 候选者解开确认内容
func openConfirmation(eph *ephemeral, req *PairRequest, msg *PairConfirm) (*Confirmation, error) {
	key, err := eph.sessionKey(msg.Ephemeral, req.InviteID)
	if err != nil {
		return nil, err
	}
	defer clear(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(msg.Nonce) != aead.NonceSize() {
		return nil, errBadMessage
	}
	plain, err := aead.Open(nil, msg.Nonce, msg.Sealed, confirmAD(req))
	if err != nil {
		return nil, err
	}
	var conf Confirmation
	if err := msgpack.Unmarshal(plain, &conf); err != nil {
		return nil, err
	}
	if len(conf.Key) == 0 || len(conf.EncryptionKey) == 0 {
		return nil, errBadMessage
	}
	return &conf, nil
}
