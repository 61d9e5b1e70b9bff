// Package confd implements the authenticated UDP cluster-query protocol
//: a 4-byte magic prefix followed by an HMAC-signed
// JSON body, request/reply framing, a filtering client that suppresses
// stale or duplicate replies, and a read-mostly server answering from an
// in-memory config snapshot.
package confd

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // the wire protocol is defined over SHA-1
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
)

// Magic is the 4-byte identifier every confd datagram starts with.
var Magic = [4]byte{'p', 'l', 'j', '0'}

const maxDatagramSize = 60 * 1024

// NodeMaxClockSkew bounds how far a request's timestamp may lag behind
// "now" before it is rejected; requests older than 2x this are dropped
//
const NodeMaxClockSkew = 5 * time.Minute

// envelope is the signed wire container: magic is carried out-of-band
// (prefixed to the datagram, not part of the JSON) so it can be checked
// before attempting to parse anything.
type envelope struct {
	Msg   string `json:"msg"` // JSON-encoded inner payload
	Salt  string `json:"salt"`
	Tstamp string `json:"tstamp"` // decimal seconds, part of the signed content
	HMAC  string `json:"hmac"`
}

// sign computes HMAC-SHA1(key, msg||tstamp) hex-encoded, matching
// the "body signed with HMAC(key, body || tstamp)".
func sign(key []byte, msg, tstamp string) string {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(msg))
	mac.Write([]byte(tstamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// Pack builds a signed datagram for payload, salt-tagged, timestamped at
// now.
func Pack(key []byte, payload interface{}, salt string, now time.Time) ([]byte, error) {
	msgJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	tstamp := strconv.FormatInt(now.Unix(), 10)
	env := envelope{
		Msg:    string(msgJSON),
		Salt:   salt,
		Tstamp: tstamp,
		HMAC:   sign(key, string(msgJSON), tstamp),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(Magic)+len(body))
	out = append(out, Magic[:]...)
	out = append(out, body...)
	if len(out) > maxDatagramSize {
		return nil, gerrors.NewProgrammerError("confd datagram exceeds %d bytes", maxDatagramSize)
	}
	return out, nil
}

// Unpack verifies the magic prefix and HMAC, rejects requests whose
// timestamp is older than 2xNodeMaxClockSkew, and decodes the inner
// payload into v. Unknown magic or a bad signature both return
// gerrors-typed errors so callers can silently drop instead of crashing.
func Unpack(key []byte, data []byte, now time.Time, v interface{}) (salt string, err error) {
	if len(data) < len(Magic) {
		return "", &gerrors.ConfdMagicError{Msg: "datagram too short"}
	}
	var gotMagic [4]byte
	copy(gotMagic[:], data[:4])
	if gotMagic != Magic {
		return "", &gerrors.ConfdMagicError{Msg: "bad magic prefix"}
	}

	var env envelope
	if err := json.Unmarshal(data[4:], &env); err != nil {
		return "", &gerrors.SignatureError{Msg: "malformed envelope: " + err.Error()}
	}

	want := sign(key, env.Msg, env.Tstamp)
	if !hmac.Equal([]byte(want), []byte(env.HMAC)) {
		return "", &gerrors.SignatureError{Msg: "HMAC mismatch"}
	}

	tsSec, err := strconv.ParseInt(env.Tstamp, 10, 64)
	if err != nil {
		return "", &gerrors.SignatureError{Msg: "bad timestamp"}
	}
	ts := time.Unix(tsSec, 0)
	if now.Sub(ts) > 2*NodeMaxClockSkew {
		return "", &gerrors.SignatureError{Msg: fmt.Sprintf("request timestamp %s too old", ts)}
	}

	if v != nil {
		if err := json.Unmarshal([]byte(env.Msg), v); err != nil {
			return "", &gerrors.SignatureError{Msg: "malformed payload: " + err.Error()}
		}
	}
	return env.Salt, nil
}
