package goodkey

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"testing"

	"github.com/pumice-ca/pumice/test"
)

var testingPolicy = NewKeyPolicy("")

func TestUnknownKeyType(t *testing.T) {
	notAKey := struct{}{}
	err := testingPolicy.GoodKey(notAKey)
	test.AssertError(t, err, "Should have rejected a key of unknown type")
}

func TestSmallModulus(t *testing.T) {
	pubKey := rsa.PublicKey{
		N: big.NewInt(0),
		E: 65537,
	}
	// 2040 bits
	_, ok := pubKey.N.SetString("104192126510885102608953552259747211060428328569316484779167706297543848858189721071301121307701498317286069484848193969810800653457088975832436062805901725915630417996487259956349018066196416400386483594314258078114607080545265502078791826837453107382149801134758925783533855977774557233564574468116782963989567299396165471041089790708218441494383937992243163637705517953515050040869227004725429859646811457413247750233902463402118375096046738544368346253478668125100503513052685549244495995494961126880362970458552087739989976245240633060225672934902253055891836570154028239482028929702961662699764810190033553002", 10)
	if !ok {
		t.Errorf("error parsing pubkey modulus")
	}
	err := testingPolicy.GoodKey(&pubKey)
	test.AssertError(t, err, "Should have rejected too-short key")
}

func TestLargeModulus(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "Error generating key")
	pubKey := rsa.PublicKey{
		N: new(big.Int).Lsh(key.PublicKey.N, 4096),
		E: key.PublicKey.E,
	}
	err = testingPolicy.GoodKey(&pubKey)
	test.AssertError(t, err, "Should have rejected too-long key")
}

func TestModulusDivisibleBySmallPrime(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "Error generating key")
	// Round the modulus down to the nearest multiple of 3; shaving at most
	// two off a 2048-bit value leaves the bit length unchanged.
	n := new(big.Int).Set(key.PublicKey.N)
	n.Sub(n, new(big.Int).Mod(n, big.NewInt(3)))
	pubKey := rsa.PublicKey{N: n, E: 65537}
	err = testingPolicy.GoodKey(&pubKey)
	test.AssertError(t, err, "Should have rejected modulus with small prime factor")
}

func TestEvenExponent(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "Error generating key")
	pubKey := rsa.PublicKey{N: key.PublicKey.N, E: 65536}
	err = testingPolicy.GoodKey(&pubKey)
	test.AssertError(t, err, "Should have rejected even exponent")
}

func TestSmallExponent(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "Error generating key")
	pubKey := rsa.PublicKey{N: key.PublicKey.N, E: 3}
	err = testingPolicy.GoodKey(&pubKey)
	test.AssertError(t, err, "Should have rejected small exponent")
}

func TestGoodRSAKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "Error generating key")
	err = testingPolicy.GoodKey(&key.PublicKey)
	test.AssertNotError(t, err, "Should have accepted a sound RSA-2048 key")
}

func TestECDSAByProfile(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "Error generating key")

	err = testingPolicy.GoodKey(&key.PublicKey)
	test.AssertNotError(t, err, "Should have accepted P-256 key")

	legacy := NewKeyPolicy("legacy")
	err = legacy.GoodKey(&key.PublicKey)
	test.AssertError(t, err, "Legacy profile should reject ECDSA keys")
}

func TestECDSABadCurve(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	test.AssertNotError(t, err, "Error generating key")
	err = testingPolicy.GoodKey(&key.PublicKey)
	test.AssertError(t, err, "Should have rejected P-384 key")
}
