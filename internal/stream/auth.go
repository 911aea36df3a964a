package stream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// queryAuth is the result of validating the three /stream query parameters
// against the access key, per spec.md §4.6/§6.2.
type queryAuth struct {
	exp    int64
	cnonce []byte
}

// verifyQuery checks token/exp/cnonce and returns the parsed auth, or an
// error describing which AuthFailure case (spec.md §7) applied. The server
// must respond 401 and never send hello on any error here.
func verifyQuery(accessKey []byte, token, expStr, cnonceB64 string) (*queryAuth, error) {
	if token == "" || expStr == "" || cnonceB64 == "" {
		return nil, fmt.Errorf("stream: missing query parameter")
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || exp < 0 {
		return nil, fmt.Errorf("stream: malformed exp")
	}
	cnonce, err := base64.StdEncoding.DecodeString(cnonceB64)
	if err != nil {
		return nil, fmt.Errorf("stream: malformed cnonce: %w", err)
	}
	if len(cnonce) != 16 {
		return nil, fmt.Errorf("stream: cnonce must decode to 16 bytes, got %d", len(cnonce))
	}

	got, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		// Some clients send standard base64 padding; accept either encoding
		// for the token itself.
		got, err = base64.StdEncoding.DecodeString(token)
		if err != nil {
			return nil, fmt.Errorf("stream: malformed token")
		}
	}
	expected := streamToken(accessKey, expStr)
	if !hmac.Equal(got, expected) {
		return nil, fmt.Errorf("stream: token mismatch")
	}
	if exp < time.Now().Unix() {
		return nil, fmt.Errorf("stream: token expired")
	}
	return &queryAuth{exp: exp, cnonce: cnonce}, nil
}

// streamToken computes HMAC-SHA256("stream:"+exp, access_key), the raw tag
// (not yet base64-encoded) a valid token must match.
func streamToken(accessKey []byte, expStr string) []byte {
	mac := hmac.New(sha256.New, accessKey)
	mac.Write([]byte("stream:" + expStr))
	return mac.Sum(nil)
}

// EncodeToken base64url-encodes a stream token for a given exp. Exported for
// the player/test harness that needs to construct a valid query string.
func EncodeToken(accessKey []byte, expStr string) string {
	return base64.URLEncoding.EncodeToString(streamToken(accessKey, expStr))
}
