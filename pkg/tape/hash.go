package tape

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gowebpki/jcs"
)

// RequestHash digests a JSON request in canonical form so that formatting
// differences between the recorded and the replayed call do not count as
// divergence. Empty requests hash to "".
func RequestHash(req []byte) string {
	if len(req) == 0 {
		return ""
	}
	canonical, err := jcs.Transform(req)
	if err != nil {
		canonical = req
	}
	return digest(canonical)
}

func digest(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
