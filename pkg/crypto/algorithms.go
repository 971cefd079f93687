// Package crypto is the signing plane of osprey: algorithm-agile sign and
// verify primitives behind a closed algorithm table, and a keystore that
// isolates private key material from the rest of the pipeline.
//
// Routing, safety, and registry code only ever hold opaque KeyRef handles;
// raw private bytes never cross a package boundary. Verification failures
// are verdicts, never panics.
package crypto

import (
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// Algorithm identifies one of the nine supported signature schemes.
type Algorithm string

const (
	ES256 Algorithm = "ES256" // ECDSA P-256 / SHA-256
	ES384 Algorithm = "ES384" // ECDSA P-384 / SHA-384
	ES512 Algorithm = "ES512" // ECDSA P-521 / SHA-512
	RS256 Algorithm = "RS256" // RSA PKCS#1 v1.5 / SHA-256
	RS384 Algorithm = "RS384" // RSA PKCS#1 v1.5 / SHA-384
	RS512 Algorithm = "RS512" // RSA PKCS#1 v1.5 / SHA-512
	EdDSA Algorithm = "EdDSA" // Ed25519
	HS256 Algorithm = "HS256" // HMAC / SHA-256
	HS512 Algorithm = "HS512" // HMAC / SHA-512
)

// Algorithms lists every supported identifier in stable order.
var Algorithms = []Algorithm{ES256, ES384, ES512, RS256, RS384, RS512, EdDSA, HS256, HS512}

// ErrUnsupportedAlgorithm is returned for identifiers outside the table.
var ErrUnsupportedAlgorithm = errors.New("crypto: unsupported algorithm")

// ParseAlgorithm validates an algorithm identifier.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(s)
	if _, ok := schemes[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
	}
	return a, nil
}

// Symmetric reports whether the algorithm uses a shared secret.
func (a Algorithm) Symmetric() bool {
	return a == HS256 || a == HS512
}

// scheme binds one algorithm identifier to its implementation. Adding an
// algorithm means adding one table entry and one test vector.
type scheme struct {
	hash   stdcrypto.Hash
	sign   func(sc *scheme, priv any, msg []byte) ([]byte, error)
	verify func(sc *scheme, pub any, msg, sig []byte) bool
}

var schemes = map[Algorithm]*scheme{
	ES256: {hash: stdcrypto.SHA256, sign: signECDSA, verify: verifyECDSA},
	ES384: {hash: stdcrypto.SHA384, sign: signECDSA, verify: verifyECDSA},
	ES512: {hash: stdcrypto.SHA512, sign: signECDSA, verify: verifyECDSA},
	RS256: {hash: stdcrypto.SHA256, sign: signRSA, verify: verifyRSA},
	RS384: {hash: stdcrypto.SHA384, sign: signRSA, verify: verifyRSA},
	RS512: {hash: stdcrypto.SHA512, sign: signRSA, verify: verifyRSA},
	EdDSA: {sign: signEd25519, verify: verifyEd25519},
	HS256: {hash: stdcrypto.SHA256, sign: signHMAC, verify: verifyHMAC},
	HS512: {hash: stdcrypto.SHA512, sign: signHMAC, verify: verifyHMAC},
}

func digest(h stdcrypto.Hash, msg []byte) []byte {
	switch h {
	case stdcrypto.SHA256:
		d := sha256.Sum256(msg)
		return d[:]
	case stdcrypto.SHA384:
		d := sha512.Sum384(msg)
		return d[:]
	default:
		d := sha512.Sum512(msg)
		return d[:]
	}
}

func signECDSA(sc *scheme, priv any, msg []byte) ([]byte, error) {
	key, ok := priv.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("crypto: key type mismatch for ECDSA: %T", priv)
	}
	return ecdsa.SignASN1(rand.Reader, key, digest(sc.hash, msg))
}

func verifyECDSA(sc *scheme, pub any, msg, sig []byte) bool {
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return false
	}
	return ecdsa.VerifyASN1(key, digest(sc.hash, msg), sig)
}

func signRSA(sc *scheme, priv any, msg []byte) ([]byte, error) {
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("crypto: key type mismatch for RSA: %T", priv)
	}
	return rsa.SignPKCS1v15(rand.Reader, key, sc.hash, digest(sc.hash, msg))
}

func verifyRSA(sc *scheme, pub any, msg, sig []byte) bool {
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return false
	}
	return rsa.VerifyPKCS1v15(key, sc.hash, digest(sc.hash, msg), sig) == nil
}

func signEd25519(_ *scheme, priv any, msg []byte) ([]byte, error) {
	key, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("crypto: key type mismatch for Ed25519: %T", priv)
	}
	return ed25519.Sign(key, msg), nil
}

func verifyEd25519(_ *scheme, pub any, msg, sig []byte) bool {
	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return false
	}
	return ed25519.Verify(key, msg, sig)
}

func signHMAC(sc *scheme, priv any, msg []byte) ([]byte, error) {
	secret, ok := priv.([]byte)
	if !ok {
		return nil, fmt.Errorf("crypto: key type mismatch for HMAC: %T", priv)
	}
	mac := hmac.New(sc.hash.New, secret)
	mac.Write(msg)
	return mac.Sum(nil), nil
}

func verifyHMAC(sc *scheme, pub any, msg, sig []byte) bool {
	secret, ok := pub.([]byte)
	if !ok {
		return false
	}
	mac := hmac.New(sc.hash.New, secret)
	mac.Write(msg)
	return hmac.Equal(mac.Sum(nil), sig)
}

// GenerateKey creates fresh key material for the given algorithm.
//
// Asymmetric algorithms return (PKCS#8 private PEM, PKIX public PEM).
// HMAC algorithms return (base64 secret, base64 secret): the shared secret
// doubles as the verification key.
func GenerateKey(alg Algorithm) (private []byte, public []byte, err error) {
	switch alg {
	case ES256, ES384, ES512:
		curve := elliptic.P256()
		if alg == ES384 {
			curve = elliptic.P384()
		} else if alg == ES512 {
			curve = elliptic.P521()
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("crypto: generate %s: %w", alg, err)
		}
		return encodeKeyPair(key, &key.PublicKey)
	case RS256, RS384, RS512:
		bits := 2048
		if alg == RS384 {
			bits = 3072
		} else if alg == RS512 {
			bits = 4096
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, nil, fmt.Errorf("crypto: generate %s: %w", alg, err)
		}
		return encodeKeyPair(key, &key.PublicKey)
	case EdDSA:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("crypto: generate EdDSA: %w", err)
		}
		return encodeKeyPair(priv, pub)
	case HS256, HS512:
		length := 32
		if alg == HS512 {
			length = 64
		}
		secret := make([]byte, length)
		if _, err := rand.Read(secret); err != nil {
			return nil, nil, fmt.Errorf("crypto: generate %s: %w", alg, err)
		}
		encoded := []byte(base64.StdEncoding.EncodeToString(secret))
		return encoded, encoded, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

func encodeKeyPair(priv any, pub any) ([]byte, []byte, error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: marshal public key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}

func parsePrivateKey(alg Algorithm, material []byte) (any, error) {
	if alg.Symmetric() {
		secret, err := base64.StdEncoding.DecodeString(string(material))
		if err != nil {
			// Raw secrets are accepted as-is.
			return append([]byte(nil), material...), nil
		}
		return secret, nil
	}

	block, _ := pem.Decode(material)
	if block == nil {
		return nil, errors.New("crypto: private key is not PEM encoded")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	return key, nil
}

func parsePublicKey(alg Algorithm, material []byte) (any, error) {
	if alg.Symmetric() {
		secret, err := base64.StdEncoding.DecodeString(string(material))
		if err != nil {
			return append([]byte(nil), material...), nil
		}
		return secret, nil
	}

	block, _ := pem.Decode(material)
	if block == nil {
		return nil, errors.New("crypto: public key is not PEM encoded")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	return key, nil
}
