package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTripAllAlgorithms(t *testing.T) {
	msg := []byte(`{"a":1,"b":"two"}`)

	for _, alg := range Algorithms {
		t.Run(string(alg), func(t *testing.T) {
			plane := NewPlane()
			ref := KeyRef("test-" + string(alg))

			pub, err := plane.Generate(ref, alg)
			require.NoError(t, err)
			require.NotEmpty(t, pub)

			sig, err := plane.Sign(msg, ref, alg)
			require.NoError(t, err)

			ok, err := Verify(msg, sig, pub, alg)
			require.NoError(t, err)
			require.True(t, ok, "round trip must verify")
		})
	}
}

func TestVerifyFailsOnTamperedMessage(t *testing.T) {
	for _, alg := range Algorithms {
		t.Run(string(alg), func(t *testing.T) {
			plane := NewPlane()
			ref := KeyRef("tamper")
			pub, err := plane.Generate(ref, alg)
			require.NoError(t, err)

			msg := []byte("the quick brown fox")
			sig, err := plane.Sign(msg, ref, alg)
			require.NoError(t, err)

			flipped := append([]byte(nil), msg...)
			flipped[0] ^= 0x01
			ok, _ := Verify(flipped, sig, pub, alg)
			require.False(t, ok, "tampered message must not verify")
		})
	}
}

func TestVerifyFailsOnTamperedSignature(t *testing.T) {
	plane := NewPlane()
	ref := KeyRef("sig-tamper")
	pub, err := plane.Generate(ref, EdDSA)
	require.NoError(t, err)

	msg := []byte("payload")
	sig, err := plane.Sign(msg, ref, EdDSA)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	raw[3] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	ok, _ := Verify(msg, tampered, pub, EdDSA)
	require.False(t, ok)
}

func TestVerifyMalformedInputsNeverPanic(t *testing.T) {
	ok, err := Verify([]byte("m"), "!!not-base64!!", "also not a key", ES256)
	require.False(t, ok)
	require.Error(t, err)

	ok, err = Verify([]byte("m"), base64.StdEncoding.EncodeToString([]byte("x")), "not pem", RS256)
	require.False(t, ok)
	require.Error(t, err)

	_, err = Verify([]byte("m"), "c2ln", "key", Algorithm("XX999"))
	require.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestPlaneIsolation(t *testing.T) {
	plane := NewPlane()
	pub, err := plane.Generate("iso", ES256)
	require.NoError(t, err)

	// The only exportable material is the public half.
	exported, err := plane.PublicKey("iso")
	require.NoError(t, err)
	require.Equal(t, pub, exported)
	require.True(t, strings.Contains(exported, "PUBLIC KEY"))
	require.False(t, strings.Contains(exported, "PRIVATE"))

	_, err = plane.PublicKey("missing")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestSignRejectsAlgorithmMismatch(t *testing.T) {
	plane := NewPlane()
	_, err := plane.Generate("ed", EdDSA)
	require.NoError(t, err)

	_, err = plane.Sign([]byte("m"), "ed", ES256)
	require.Error(t, err)

	_, err = plane.Sign([]byte("m"), "missing", EdDSA)
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestHMACSharedSecretVerifies(t *testing.T) {
	priv, pub, err := GenerateKey(HS512)
	require.NoError(t, err)
	require.Equal(t, priv, pub)

	plane := NewPlane()
	require.NoError(t, plane.Load("hmac", HS512, priv, string(pub)))

	sig, err := plane.Sign([]byte("m"), "hmac", HS512)
	require.NoError(t, err)

	ok, err := Verify([]byte("m"), sig, string(pub), HS512)
	require.NoError(t, err)
	require.True(t, ok)

	// A different secret must fail.
	otherPriv, _, err := GenerateKey(HS512)
	require.NoError(t, err)
	ok, _ = Verify([]byte("m"), sig, string(otherPriv), HS512)
	require.False(t, ok)
}
