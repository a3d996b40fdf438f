package sip

import (
	"crypto/rand"
	"hash/fnv"
	"strconv"
	"strings"
)

// MagicCookie is the prefix of RFC 3261 compliant branch parameters.
const MagicCookie = "z9hG4bK"

// IsRFC3261Branch reports whether branch starts with the [MagicCookie].
// The prefix is compared case-insensitively like the rest of the branch.
func IsRFC3261Branch(branch string) bool {
	return len(branch) > len(MagicCookie) && strings.EqualFold(branch[:len(MagicCookie)], MagicCookie)
}

// GenerateBranch returns a random unique RFC 3261 branch for locally originated requests.
func GenerateBranch() string {
	return MagicCookie + "." + rand.Text()
}

// LegacyBranch synthesizes a branch for a request that arrived without one,
// as RFC 2543 elements may send.
//
// The result is the [MagicCookie] followed by the decimal value of
// hash(Call-ID) XOR hash(From tag) XOR CSeq number, so retransmissions of the same
// request always produce the same branch. A missing From tag hashes as empty string.
// LegacyBranch must not be used for responses, a response without branch can not be matched.
func LegacyBranch(req *Request) string {
	hdrs := GetMessageHeaders(req)

	var seq uint32
	if hdrs != nil && hdrs.CSeq != nil {
		seq = hdrs.CSeq.SeqNum
	}
	var callID CallID
	if hdrs != nil {
		callID = hdrs.CallID
	}

	h := hashString(string(callID)) ^ hashString(hdrs.FromTag()) ^ seq
	return MagicCookie + strconv.FormatUint(uint64(h), 10)
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
