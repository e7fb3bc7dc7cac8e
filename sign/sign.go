/*
Package sign wraps the two signature schemes used by the nodes:
ED25519 for per-message authentication and a (t, n) threshold BLS scheme on
the bn256 pairing for compact quorum certificates.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var suite = bn256.NewSuite()

var (
	// ErrMalformedKey is returned when an encoded key cannot be decoded.
	ErrMalformedKey = errors.New("malformed key encoding")
)

// GenED25519Keys generates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return priv, pub
}

// SignEd25519 signs data with the private key.
func SignEd25519(privateKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privateKey, data)
}

// VerifySignEd25519 checks the signature of data against the public key.
func VerifySignEd25519(publicKey ed25519.PublicKey, data []byte, sig []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, ErrMalformedKey
	}
	return ed25519.Verify(publicKey, data, sig), nil
}

// GenTSKeys generates n key shares of a threshold scheme that needs t of them
// to produce a signature, together with the public polynomial.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	secret := suite.G1().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	return priPoly.Shares(n), pubPoly
}

// SignTSPartial produces a signature share over data.
func SignTSPartial(priShare *share.PriShare, data []byte) ([]byte, error) {
	return tbls.Sign(suite, priShare, data)
}

// VerifyTSPartial checks a signature share against the public polynomial.
func VerifyTSPartial(pubPoly *share.PubPoly, data []byte, partial []byte) bool {
	return tbls.Verify(suite, pubPoly, data, partial) == nil
}

// PartialIndex returns the share index a partial signature was produced with.
func PartialIndex(partial []byte) (int, error) {
	return tbls.SigShare(partial).Index()
}

// AssembleIntactTSPartial recovers the full threshold signature from at least t partials.
func AssembleIntactTSPartial(partials [][]byte, pubPoly *share.PubPoly, data []byte, t, n int) ([]byte, error) {
	return tbls.Recover(suite, pubPoly, data, partials, t, n)
}

// VerifyTS checks a recovered threshold signature against the group public key.
func VerifyTS(pubPoly *share.PubPoly, data []byte, sig []byte) bool {
	return bls.Verify(suite, pubPoly.Commit(), data, sig) == nil
}

// EncodeTSPublicKey serialises the public polynomial as the base point followed by
// the commitments, each prefixed by its length.
func EncodeTSPublicKey(pubPoly *share.PubPoly) ([]byte, error) {
	base, commits := pubPoly.Info()
	points := append([]kyber.Point{base}, commits...)
	var out []byte
	for _, p := range points {
		b, err := p.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(b)))
		out = append(out, b...)
	}
	return out, nil
}

// DecodeTSPublicKey is the inverse of EncodeTSPublicKey.
func DecodeTSPublicKey(data []byte) (*share.PubPoly, error) {
	var points []kyber.Point
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, ErrMalformedKey
		}
		l := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if len(data) < l {
			return nil, ErrMalformedKey
		}
		p := suite.G2().Point()
		if err := p.UnmarshalBinary(data[:l]); err != nil {
			return nil, err
		}
		points = append(points, p)
		data = data[l:]
	}
	if len(points) < 2 {
		return nil, ErrMalformedKey
	}
	return share.NewPubPoly(suite.G2(), points[0], points[1:]), nil
}

// EncodeTSPartialKey serialises a key share as its index followed by the scalar.
func EncodeTSPartialKey(priShare *share.PriShare) ([]byte, error) {
	v, err := priShare.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := binary.BigEndian.AppendUint32(nil, uint32(priShare.I))
	return append(out, v...), nil
}

// DecodeTSPartialKey is the inverse of EncodeTSPartialKey.
func DecodeTSPartialKey(data []byte) (*share.PriShare, error) {
	if len(data) <= 4 {
		return nil, ErrMalformedKey
	}
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(data[4:]); err != nil {
		return nil, err
	}
	return &share.PriShare{I: int(binary.BigEndian.Uint32(data)), V: v}, nil
}
