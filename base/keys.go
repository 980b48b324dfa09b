package base

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Hain2000/pairkv/fio"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize 日志 key、加密 key、种子的长度
const KeySize = 32

const (
	metaFileName    = "META"
	discoveryDomain = "pairkv"
)

// meta 持久化在 META 文件中
type meta struct {
	Key           []byte `msgpack:"key,omitempty"`
	EncryptionKey []byte `msgpack:"encryptionKey,omitempty"`
	Seed          []byte `msgpack:"seed"`
}

func loadMeta(dirPath string) (*meta, error) {
	b, err := os.ReadFile(filepath.Join(dirPath, metaFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m meta
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", metaFileName, err)
	}
	if len(m.Seed) != KeySize {
		return nil, fmt.Errorf("decode %s: %w", metaFileName, ErrInvalidKey)
	}
	return &m, nil
}

// saveMeta 先写临时文件再改名
func saveMeta(dirPath string, m *meta) error {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return err
	}
	path := filepath.Join(dirPath, metaFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, fio.DataFilePerm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func randomKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}

// LoadOrCreateSeed 返回目录中本地写者的种子，不存在时新建
// dirPath 为空时返回一个不持久化的新种子
func LoadOrCreateSeed(dirPath string) ([]byte, error) {
	if dirPath == "" {
		return randomKey()
	}
	if err := os.MkdirAll(dirPath, os.ModePerm); err != nil {
		return nil, err
	}
	m, err := loadMeta(dirPath)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m.Seed, nil
	}
	seed, err := randomKey()
	if err != nil {
		return nil, err
	}
	if err := saveMeta(dirPath, &meta{Seed: seed}); err != nil {
		return nil, err
	}
	return seed, nil
}

// PublicKey 种子对应的写者公钥
func PublicKey(seed []byte) []byte {
	return ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
}

// DiscoveryKey 用 key 做密钥的 blake2b-256，可以公开而不泄露 key
func DiscoveryKey(key []byte) []byte {
	h, err := blake2b.New256(key)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(discoveryDomain))
	return h.Sum(nil)
}

// cipherSuite 日志内容的加密，附加数据绑定写者和序号
type cipherSuite struct {
	key []byte
}

func (c cipherSuite) ad(writer []byte, seq uint64) []byte {
	ad := make([]byte, 0, len(writer)+8)
	ad = append(ad, writer...)
	for i := 0; i < 8; i++ {
		ad = append(ad, byte(seq>>(8*i)))
	}
	return ad
}

// seal nonce(24) | ciphertext
func (c cipherSuite) seal(writer []byte, seq uint64, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out, plain, c.ad(writer, seq)), nil
}

func (c cipherSuite) open(writer []byte, seq uint64, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed payload too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, c.ad(writer, seq))
}

// Initialized 目录中是否已经有日志
func Initialized(dirPath string) (bool, error) {
	if dirPath == "" {
		return false, nil
	}
	m, err := loadMeta(dirPath)
	if err != nil || m == nil {
		return false, err
	}
	return len(m.Key) != 0, nil
}
