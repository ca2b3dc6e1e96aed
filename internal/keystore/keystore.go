// Package keystore persists the service-mode signing key.
package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"

	"github.com/zmlAEQ/Aequa-fhevm/pkg/logger"
	"github.com/zmlAEQ/Aequa-fhevm/pkg/metrics"
)

// Store 以原子写（tmp+fsync+rename）保存服务私钥，并保留 .bak 以便回退。
// 口令非空时使用 scrypt 派生的 AES-256-GCM 密钥加密。
type Store struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
}

var (
	ErrNotFound      = errors.New("keystore: not found")
	ErrNeedPassword  = errors.New("keystore: encrypted but no passphrase")
	ErrBadPassphrase = errors.New("keystore: wrong passphrase or corrupted key")
)

const (
	magic       uint32 = 0x46484b53 // 'FHKS'
	version     uint16 = 1
	flagEncrypt uint16 = 1 << 0

	saltLen  = 16
	nonceLen = 12
	hdrLen   = 4 + 2 + 2 + 4 + 4
)

// scrypt cost; lowered in tests.
var scryptN = 1 << 15

// New opens a store at path. An empty passphrase stores the key in clear.
func New(path, passphrase string) *Store {
	return &Store{path: path, passphrase: []byte(passphrase)}
}

// FromEnv reads the passphrase from the named variable.
func FromEnv(path, env string) *Store {
	return New(path, os.Getenv(env))
}

func (s *Store) Path() string { return s.path }

type record struct {
	Address string    `json:"address"`
	Key     string    `json:"key"`
	Created time.Time `json:"created"`
}

// 磁盘结构：
// [magic u32][version u16][flags u16][length u32][crc32 u32][body ...]
// body = JSON 明文，或 salt(16B)||nonce(12B)||ciphertext

// Save persists key, keeping the previous file as .bak.
func (s *Store) Save(_ context.Context, key *ecdsa.PrivateKey) error {
	begin := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	if err := s.writeAtomic(key); err != nil {
		metrics.Inc("keystore_ops_total", map[string]string{"op": "save", "result": "error"})
		logger.ErrorJ("keystore", map[string]any{"op": "save", "result": "error", "err": err.Error()})
		return err
	}
	metrics.Inc("keystore_ops_total", map[string]string{"op": "save", "result": "ok"})
	metrics.ObserveSummary("keystore_save_ms", nil, float64(time.Since(begin).Milliseconds()))
	logger.InfoJ("keystore", map[string]any{"op": "save", "result": "ok", "address": addr.Hex()})
	return nil
}

// Load reads the key, falling back to .bak when the primary file is damaged.
func (s *Store) Load(_ context.Context) (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.readFile(s.path)
	if err == nil {
		metrics.Inc("keystore_ops_total", map[string]string{"op": "load", "result": "ok"})
		return key, nil
	}
	// A wrong passphrase fails the same way on the backup.
	if errors.Is(err, ErrBadPassphrase) || errors.Is(err, ErrNeedPassword) {
		metrics.Inc("keystore_ops_total", map[string]string{"op": "load", "result": "denied"})
		return nil, err
	}
	if key, berr := s.readFile(s.path + ".bak"); berr == nil {
		metrics.Inc("keystore_ops_total", map[string]string{"op": "load", "result": "fallback"})
		logger.WarnJ("keystore", map[string]any{"op": "load", "result": "fallback", "err": err.Error()})
		return key, nil
	}
	metrics.Inc("keystore_ops_total", map[string]string{"op": "load", "result": "miss"})
	if os.IsNotExist(errors.Cause(err)) {
		return nil, ErrNotFound
	}
	return nil, err
}

func (s *Store) writeAtomic(key *ecdsa.PrivateKey) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "keystore: mkdir")
	}
	plain, err := json.Marshal(record{
		Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Key:     hex.EncodeToString(crypto.FromECDSA(key)),
		Created: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	defer zero(plain)

	flags := uint16(0)
	body := plain
	if len(s.passphrase) > 0 {
		salt := make([]byte, saltLen)
		nonce := make([]byte, nonceLen)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		aead, err := s.aead(salt)
		if err != nil {
			return err
		}
		sealed := aead.Seal(nil, nonce, plain, nil)
		body = make([]byte, 0, saltLen+nonceLen+len(sealed))
		body = append(body, salt...)
		body = append(body, nonce...)
		body = append(body, sealed...)
		flags |= flagEncrypt
	}

	var hdr [hdrLen]byte
	binary.BigEndian.PutUint32(hdr[0:], magic)
	binary.BigEndian.PutUint16(hdr[4:], version)
	binary.BigEndian.PutUint16(hdr[6:], flags)
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(body)))
	binary.BigEndian.PutUint32(hdr[12:], crc32.ChecksumIEEE(body))

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "keystore: create")
	}
	if _, err = f.Write(hdr[:]); err == nil {
		_, err = f.Write(body)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "keystore: write")
	}
	if _, err := os.Stat(s.path); err == nil {
		_ = os.Rename(s.path, s.path+".bak")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "keystore: rename")
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func (s *Store) readFile(path string) (*ecdsa.PrivateKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: open")
	}
	defer f.Close()
	var hdr [hdrLen]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "keystore: header")
	}
	if binary.BigEndian.Uint32(hdr[0:]) != magic {
		return nil, errors.New("keystore: bad magic")
	}
	flags := binary.BigEndian.Uint16(hdr[6:])
	length := binary.BigEndian.Uint32(hdr[8:])
	if length == 0 || length > 1<<16 {
		return nil, errors.New("keystore: bad length")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(f, body); err != nil {
		return nil, errors.Wrap(err, "keystore: body")
	}
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(hdr[12:]) {
		return nil, errors.New("keystore: crc mismatch")
	}

	plain := body
	if flags&flagEncrypt != 0 {
		if len(s.passphrase) == 0 {
			return nil, ErrNeedPassword
		}
		if len(body) < saltLen+nonceLen {
			return nil, errors.New("keystore: short body")
		}
		aead, err := s.aead(body[:saltLen])
		if err != nil {
			return nil, err
		}
		p, err := aead.Open(nil, body[saltLen:saltLen+nonceLen], body[saltLen+nonceLen:], nil)
		if err != nil {
			return nil, ErrBadPassphrase
		}
		plain = p
	}
	defer zero(plain)

	var rec record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, errors.Wrap(err, "keystore: decode")
	}
	key, err := crypto.HexToECDSA(rec.Key)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: key")
	}
	if got := crypto.PubkeyToAddress(key.PublicKey); got != common.HexToAddress(rec.Address) {
		return nil, errors.Errorf("keystore: address mismatch %s != %s", got.Hex(), rec.Address)
	}
	return key, nil
}

func (s *Store) aead(salt []byte) (cipher.AEAD, error) {
	k, err := scrypt.Key(s.passphrase, salt, scryptN, 8, 1, 32)
	if err != nil {
		return nil, err
	}
	defer zero(k)
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
