package inject

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// challenge 是解析后的 WWW-Authenticate 质询
type challenge struct {
	scheme string // "basic" 或 "digest"
	params map[string]string
}

// parseChallenges 解析 401 响应里的所有 WWW-Authenticate 头。
// Digest 优先于 Basic。
func parseChallenges(headers []string) (digest, basic *challenge) {
	for _, h := range headers {
		lower := strings.ToLower(h)
		switch {
		case strings.HasPrefix(lower, "basic"):
			basic = &challenge{scheme: "basic"}
		case strings.HasPrefix(lower, "digest"):
			digest = &challenge{
				scheme: "digest",
				params: parseChallengeParams(h[len("digest"):]),
			}
		}
	}
	return digest, basic
}

// parseChallengeParams 解析逗号分隔的 k=v 参数表，去掉引号
func parseChallengeParams(s string) map[string]string {
	params := make(map[string]string)
	for _, part := range splitChallengeParams(s) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
			v = v[1 : len(v)-1]
		}
		params[k] = v
	}
	return params
}

// splitChallengeParams 在引号外的逗号处切分参数
func splitChallengeParams(s string) []string {
	var (
		out      []string
		start    int
		inQuotes bool
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

// newHash 按质询的 algorithm 参数选择摘要算法。
// 支持 MD5（默认）、MD5-sess、SHA/SHA1 及其 -sess 变体。
func newHash(algorithm string) (func() hash.Hash, error) {
	switch strings.TrimSuffix(strings.ToLower(algorithm), "-sess") {
	case "", "md5":
		return md5.New, nil
	case "sha", "sha1", "sha-1":
		return sha1.New, nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
}

func isSessionAlgorithm(algorithm string) bool {
	return strings.HasSuffix(strings.ToLower(algorithm), "-sess")
}

func hexDigest(newHash func() hash.Hash, parts ...string) string {
	h := newHash()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte(":"))
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// calcHA1 计算 HA1 = H(username:realm:password)；
// "-sess" 变体再做一次 H(HA1:nonce:cnonce)
func calcHA1(newHash func() hash.Hash, algorithm, username, realm, password, nonce, cnonce string) string {
	ha1 := hexDigest(newHash, username, realm, password)
	if isSessionAlgorithm(algorithm) {
		ha1 = hexDigest(newHash, ha1, nonce, cnonce)
	}
	return ha1
}

// calcResponse 计算摘要响应值。
// HA2 = H(method:uri)，qop=auth-int 时为 H(method:uri:H(entityBody))；
// response = H(HA1:nonce:HA2)，带 qop 时为 H(HA1:nonce:nc:cnonce:qop:HA2)。
func calcResponse(newHash func() hash.Hash, ha1, method, uri, nonce, nc, cnonce, qop, entityBodyHash string) string {
	var ha2 string
	if qop == "auth-int" {
		ha2 = hexDigest(newHash, method, uri, entityBodyHash)
	} else {
		ha2 = hexDigest(newHash, method, uri)
	}

	if qop != "" && nc != "" && cnonce != "" {
		return hexDigest(newHash, ha1, nonce, nc, cnonce, qop, ha2)
	}
	return hexDigest(newHash, ha1, nonce, ha2)
}

// digestAuthorization 按质询参数组装 Authorization 头。
// 服务器给出 qop 列表时优先选 "auth"。
func digestAuthorization(chal *challenge, username, password, method, uri string, body []byte) (string, error) {
	algorithm := chal.params["algorithm"]
	hasher, err := newHash(algorithm)
	if err != nil {
		return "", err
	}

	realm := chal.params["realm"]
	nonce := chal.params["nonce"]
	if nonce == "" {
		return "", fmt.Errorf("digest challenge carries no nonce")
	}

	qop := selectQop(chal.params["qop"])
	var cnonce, nc string
	if qop != "" || isSessionAlgorithm(algorithm) {
		cnonce = newCnonce()
		nc = "00000001"
	}

	entityBodyHash := ""
	if qop == "auth-int" {
		entityBodyHash = hexDigest(hasher, string(body))
	}

	ha1 := calcHA1(hasher, algorithm, username, realm, password, nonce, cnonce)
	response := calcResponse(hasher, ha1, method, uri, nonce, nc, cnonce, qop, entityBodyHash)

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
		username, realm, nonce, uri, response)
	if algorithm != "" {
		fmt.Fprintf(&b, `, algorithm=%s`, algorithm)
	}
	if qop != "" {
		fmt.Fprintf(&b, `, cnonce=%q, qop=%s, nc=%s`, cnonce, qop, nc)
	}
	if opaque := chal.params["opaque"]; opaque != "" {
		fmt.Fprintf(&b, `, opaque=%q`, opaque)
	}
	return b.String(), nil
}

// selectQop 从服务器给出的 qop 列表里选一个，偏向 "auth"
func selectQop(offered string) string {
	if offered == "" {
		return ""
	}
	var fallback string
	for _, q := range strings.Split(offered, ",") {
		q = strings.TrimSpace(strings.ToLower(q))
		if q == "auth" {
			return "auth"
		}
		if fallback == "" {
			fallback = q
		}
	}
	return fallback
}

func newCnonce() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
