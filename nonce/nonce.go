// Package nonce implements the anti-replay nonce pool. Rather than holding
// every issued nonce in memory, nonces are an AEAD-sealed monotonic counter:
// a nonce is acceptable iff it decrypts under this service's key, its counter
// falls inside the (earliest, latest] window, and it has not been redeemed
// before. Advancing the earliest edge when the redeemed set hits its ceiling
// bounds memory; nonces behind the edge fail redemption forever.
package nonce

import (
	"container/heap"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultMaxUsed = 65536

var errInvalidNonceLength = errors.New("invalid nonce length")

// NonceService generates and redeems nonces. Redemption is atomic and
// single-use: of any number of concurrent redemptions of one nonce, exactly
// one succeeds.
type NonceService struct {
	mu       sync.Mutex
	latest   int64
	earliest int64
	used     map[int64]bool
	usedHeap *int64Heap
	gcm      cipher.AEAD
	maxUsed  int

	nonceCreates prometheus.Counter
	nonceRedeems *prometheus.CounterVec
}

type int64Heap []int64

func (h int64Heap) Len() int           { return len(h) }
func (h int64Heap) Less(i, j int) bool { return h[i] < h[j] }
func (h int64Heap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *int64Heap) Push(x interface{}) {
	*h = append(*h, x.(int64))
}

func (h *int64Heap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// NewNonceService constructs a NonceService with a fresh random key.
func NewNonceService(stats prometheus.Registerer) (*NonceService, error) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	if err != nil {
		return nil, err
	}

	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(c)
	if err != nil {
		return nil, err
	}

	nonceCreates := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nonce_creates",
		Help: "A counter of nonce creations",
	})
	stats.MustRegister(nonceCreates)
	nonceRedeems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nonce_redeems",
		Help: "A counter of nonce redemptions labelled by result",
	}, []string{"result"})
	stats.MustRegister(nonceRedeems)

	return &NonceService{
		earliest:     0,
		latest:       0,
		used:         make(map[int64]bool, defaultMaxUsed),
		usedHeap:     &int64Heap{},
		gcm:          gcm,
		maxUsed:      defaultMaxUsed,
		nonceCreates: nonceCreates,
		nonceRedeems: nonceRedeems,
	}, nil
}

func (ns *NonceService) encrypt(counter int64) (string, error) {
	// Generate a nonce with upper 4 bytes zero
	nonce := make([]byte, 12)
	_, err := rand.Read(nonce[4:])
	if err != nil {
		return "", err
	}

	pt := make([]byte, 8)
	binary.BigEndian.PutUint64(pt, uint64(counter))

	ret := ns.gcm.Seal(nil, nonce, pt, nil)
	return base64.RawURLEncoding.EncodeToString(append(nonce[4:], ret...)), nil
}

func (ns *NonceService) decrypt(nonce string) (int64, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(nonce)
	if err != nil {
		return 0, err
	}
	if len(decoded) != 32 {
		return 0, errInvalidNonceLength
	}

	n := make([]byte, 12)
	copy(n[4:], decoded[:8])

	pt, err := ns.gcm.Open(nil, n, decoded[8:], nil)
	if err != nil {
		return 0, err
	}
	if len(pt) != 8 {
		return 0, errors.New("invalid nonce contents")
	}
	return int64(binary.BigEndian.Uint64(pt)), nil
}

// Nonce provides a new nonce value.
func (ns *NonceService) Nonce() (string, error) {
	ns.mu.Lock()
	ns.latest++
	latest := ns.latest
	ns.mu.Unlock()
	defer ns.nonceCreates.Inc()
	return ns.encrypt(latest)
}

// Valid consumes a nonce: it returns true exactly once for a nonce this
// service issued and which is still inside the acceptance window.
func (ns *NonceService) Valid(nonce string) bool {
	c, err := ns.decrypt(nonce)
	if err != nil {
		ns.nonceRedeems.WithLabelValues("invalid").Inc()
		return false
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if c > ns.latest {
		ns.nonceRedeems.WithLabelValues("invalid").Inc()
		return false
	}
	if c <= ns.earliest {
		ns.nonceRedeems.WithLabelValues("invalid").Inc()
		return false
	}
	if ns.used[c] {
		ns.nonceRedeems.WithLabelValues("invalid").Inc()
		return false
	}

	ns.used[c] = true
	heap.Push(ns.usedHeap, c)
	if len(ns.used) > ns.maxUsed {
		s := heap.Pop(ns.usedHeap).(int64)
		ns.earliest = s
		delete(ns.used, s)
	}

	ns.nonceRedeems.WithLabelValues("valid").Inc()
	return true
}
