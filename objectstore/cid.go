package objectstore

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
)

// cidPrefix is the fixed CIDv1 shape every object in the store uses: a
// sha2-256 multihash under the dag-pb codec. This is what makes byte-exact
// compatibility with existing ml-git repositories possible (spec §1, §3).
var cidPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.DagProtobuf,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// digest computes the CID of data under the fixed prefix above.
func digest(data []byte) (cid.Cid, error) {
	return cidPrefix.Sum(data)
}

// encodeCID renders a CID the way the reference implementation does: base58
// (multibase prefix 'z'), not the go-cid default of base32 for CIDv1.
func encodeCID(c cid.Cid) (string, error) {
	return c.StringOfBase(multibase.Base58BTC)
}

// digestString computes and base58-encodes the CID for data in one call.
func digestString(data []byte) (string, error) {
	c, err := digest(data)
	if err != nil {
		return "", err
	}
	return encodeCID(c)
}

// parseCID decodes a base58 CID string back into a cid.Cid, accepting any
// multibase the string happens to carry (decoding is not sensitive to the
// encoding used to produce it).
func parseCID(s string) (cid.Cid, error) {
	return cid.Decode(s)
}

// verify reports whether data's CID matches the expected string form.
func verify(expected string, data []byte) bool {
	got, err := digestString(data)
	if err != nil {
		return false
	}
	return got == expected
}
