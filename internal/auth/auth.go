package auth

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultRealm = "camstream"
	nonceTTL     = 5 * time.Minute
	maxNonces    = 1024
)

// Database holds the credentials a camera server challenges clients
// against. A nil *Database disables authentication.
type Database struct {
	sync.Mutex
	realm   string
	records map[string]string
	nonces  map[string]time.Time
}

func NewDatabase(realm string) *Database {
	if realm == "" {
		realm = DefaultRealm
	}
	return &Database{
		realm:   realm,
		records: make(map[string]string),
		nonces:  make(map[string]time.Time),
	}
}

func (d *Database) Realm() string {
	if d == nil {
		return ""
	}
	return d.realm
}

func (d *Database) AddUser(username, password string) {
	if d == nil || username == "" || password == "" {
		return
	}
	d.Lock()
	defer d.Unlock()
	d.records[username] = password
}

func (d *Database) RemoveUser(username string) {
	if d == nil {
		return
	}
	d.Lock()
	defer d.Unlock()
	delete(d.records, username)
}

func (d *Database) Password(username string) (string, bool) {
	if d == nil {
		return "", false
	}
	d.Lock()
	defer d.Unlock()
	p, ok := d.records[username]
	return p, ok
}

// Challenge issues a fresh nonce and returns the WWW-Authenticate value.
func (d *Database) Challenge() string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	d.Lock()
	defer d.Unlock()
	d.expire(time.Now())
	d.nonces[nonce] = time.Now()
	return fmt.Sprintf(`Digest realm="%s", nonce="%s"`, d.realm, nonce)
}

// Verify checks an Authorization header for a request of method on uri. A
// nil database accepts everything.
func (d *Database) Verify(method, uri, header string) bool {
	if d == nil {
		return true
	}
	params, ok := parseDigest(header)
	if !ok || !sameURI(params["uri"], uri) {
		return false
	}

	d.Lock()
	defer d.Unlock()
	d.expire(time.Now())
	if _, ok := d.nonces[params["nonce"]]; !ok {
		return false
	}
	if params["realm"] != d.realm {
		return false
	}
	password, ok := d.records[params["username"]]
	if !ok {
		return false
	}
	want := Response(params["username"], d.realm, password, params["nonce"], method, params["uri"])
	return subtle.ConstantTimeCompare([]byte(params["response"]), []byte(want)) == 1
}

// sameURI accepts the request URL as sent or its path, which some clients
// put in the digest instead.
func sameURI(digest, request string) bool {
	if digest == request {
		return true
	}
	u, err := url.Parse(request)
	if err != nil {
		return false
	}
	return digest == u.RequestURI()
}

func (d *Database) expire(now time.Time) {
	for nonce, issued := range d.nonces {
		if now.Sub(issued) > nonceTTL || len(d.nonces) > maxNonces {
			delete(d.nonces, nonce)
		}
	}
}

// Response computes the RFC 2617 digest response without qop.
func Response(username, realm, password, nonce, method, uri string) string {
	ha1 := md5Hex(username + ":" + realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)
	return md5Hex(ha1 + ":" + nonce + ":" + ha2)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func parseDigest(header string) (map[string]string, bool) {
	const prefix = "Digest "
	if !strings.HasPrefix(header, prefix) {
		return nil, false
	}
	params := make(map[string]string)
	for _, part := range splitParams(header[len(prefix):]) {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		params[strings.ToLower(kv[0])] = strings.Trim(kv[1], `"`)
	}
	for _, key := range []string{"username", "nonce", "uri", "response"} {
		if params[key] == "" {
			return nil, false
		}
	}
	return params, true
}

// splitParams splits on commas outside of quoted strings.
func splitParams(s string) []string {
	var (
		parts  []string
		quoted bool
		start  int
	)
	for i, c := range s {
		switch c {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}
