// Package goodkey vets public keys offered for accounts and CSRs.
package goodkey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"math/big"

	"github.com/titanous/rocacheck"

	berrors "github.com/pumice-ca/pumice/errors"
)

// To generate, run: primes 2 752 | tr '\n' ,
var smallPrimeInts = []int64{
	2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43,
	47, 53, 59, 61, 67, 71, 73, 79, 83, 89, 97, 101, 103,
	107, 109, 113, 127, 131, 137, 139, 149, 151, 157, 163,
	167, 173, 179, 181, 191, 193, 197, 199, 211, 223, 227,
	229, 233, 239, 241, 251, 257, 263, 269, 271, 277, 281,
	283, 293, 307, 311, 313, 317, 331, 337, 347, 349, 353,
	359, 367, 373, 379, 383, 389, 397, 401, 409, 419, 421,
	431, 433, 439, 443, 449, 457, 461, 463, 467, 479, 487,
	491, 499, 503, 509, 521, 523, 541, 547, 557, 563, 569,
	571, 577, 587, 593, 599, 601, 607, 613, 617, 619, 631,
	641, 643, 647, 653, 659, 661, 673, 677, 683, 691, 701,
	709, 719, 727, 733, 739, 743, 751,
}

var smallPrimes []*big.Int

func init() {
	for _, prime := range smallPrimeInts {
		smallPrimes = append(smallPrimes, big.NewInt(prime))
	}
}

const (
	minRSAKeySize = 2048
	maxRSAKeySize = 4096
)

// KeyPolicy determines which types of key may be used.
type KeyPolicy struct {
	allowRSA           bool
	allowECDSANISTP256 bool
}

// NewKeyPolicy returns a KeyPolicy for the named profile. The "legacy"
// profile accepts RSA only; every other profile additionally accepts ECDSA
// on P-256.
func NewKeyPolicy(profile string) KeyPolicy {
	kp := KeyPolicy{allowRSA: true}
	if profile != "legacy" {
		kp.allowECDSANISTP256 = true
	}
	return kp
}

// GoodKey returns nil if the key is acceptable for account or certificate
// use, and a berrors.Malformed error describing the problem otherwise.
func (policy *KeyPolicy) GoodKey(key crypto.PublicKey) error {
	switch t := key.(type) {
	case *rsa.PublicKey:
		if !policy.allowRSA {
			return berrors.MalformedError("RSA keys are not allowed")
		}
		return policy.goodKeyRSA(t)
	case *ecdsa.PublicKey:
		if !policy.allowECDSANISTP256 {
			return berrors.MalformedError("ECDSA keys are not allowed")
		}
		return policy.goodKeyECDSA(t)
	default:
		return berrors.MalformedError("unsupported key type %T", t)
	}
}

func (policy *KeyPolicy) goodKeyECDSA(key *ecdsa.PublicKey) error {
	if key.Curve != elliptic.P256() {
		return berrors.MalformedError("ECDSA curve %s not allowed", key.Curve.Params().Name)
	}
	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return berrors.MalformedError("key point is not on the curve")
	}
	return nil
}

func (policy *KeyPolicy) goodKeyRSA(key *rsa.PublicKey) error {
	bitLen := key.N.BitLen()
	if bitLen < minRSAKeySize {
		return berrors.MalformedError("key too small: %d bits", bitLen)
	}
	if bitLen > maxRSAKeySize {
		return berrors.MalformedError("key too large: %d bits", bitLen)
	}
	// Rather than support arbitrary exponents, which significantly increases
	// the size of the key space we allow, we restrict E to the range that
	// Windows crypto APIs accept: odd and at least 65537.
	if key.E%2 == 0 {
		return berrors.MalformedError("key exponent must be odd")
	}
	if key.E < 65537 {
		return berrors.MalformedError("key exponent too small: %d", key.E)
	}
	mod := new(big.Int)
	for _, prime := range smallPrimes {
		mod.Mod(key.N, prime)
		if mod.Sign() == 0 {
			return berrors.MalformedError("key divisible by small prime")
		}
	}
	if rocacheck.IsWeak(key) {
		return berrors.MalformedError("key generated by vulnerable Infineon firmware")
	}
	return nil
}
