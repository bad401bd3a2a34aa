package inject

import (
	"crypto/md5"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChallengesPrefersDigest(t *testing.T) {
	digest, basic := parseChallenges([]string{
		`Basic realm="cal"`,
		`Digest realm="cal", nonce="abc123", qop="auth", algorithm=MD5`,
	})
	require.NotNil(t, basic)
	require.NotNil(t, digest)
	assert.Equal(t, "cal", digest.params["realm"])
	assert.Equal(t, "abc123", digest.params["nonce"])
	assert.Equal(t, "auth", digest.params["qop"])
	assert.Equal(t, "MD5", digest.params["algorithm"])
}

func TestParseChallengeParamsQuotedComma(t *testing.T) {
	params := parseChallengeParams(` realm="a, b", nonce="n"`)
	assert.Equal(t, "a, b", params["realm"])
	assert.Equal(t, "n", params["nonce"])
}

// RFC 2617 3.5 的参考向量
func TestCalcResponseRFCExample(t *testing.T) {
	hasher, err := newHash("MD5")
	require.NoError(t, err)

	ha1 := calcHA1(hasher, "MD5", "Mufasa", "testrealm@host.com", "Circle Of Life",
		"dcd98b7102dd2f0e8b11d0f600bfb0c093", "0a4f113b")
	response := calcResponse(hasher, ha1, "GET", "/dir/index.html",
		"dcd98b7102dd2f0e8b11d0f600bfb0c093", "00000001", "0a4f113b", "auth", "")
	assert.Equal(t, "6629fae49393a05397450978507c4ef1", response)
}

func TestCalcHA1Session(t *testing.T) {
	hasher, _ := newHash("MD5-sess")
	plain := calcHA1(hasher, "MD5", "u", "r", "p", "n", "c")
	sess := calcHA1(hasher, "MD5-sess", "u", "r", "p", "n", "c")
	assert.NotEqual(t, plain, sess)

	// md5-sess = H(H(u:r:p):nonce:cnonce)
	want := hexDigest(md5.New, hexDigest(md5.New, "u", "r", "p"), "n", "c")
	assert.Equal(t, want, sess)
}

func TestCalcResponseAuthInt(t *testing.T) {
	hasher, _ := newHash("MD5")
	bodyHash := hexDigest(hasher, "payload")
	withBody := calcResponse(hasher, "ha1", "POST", "/inbox/", "n", "00000001", "c", "auth-int", bodyHash)
	without := calcResponse(hasher, "ha1", "POST", "/inbox/", "n", "00000001", "c", "auth", "")
	assert.NotEqual(t, withBody, without)
}

func TestNewHashAlgorithms(t *testing.T) {
	for _, algo := range []string{"", "MD5", "md5-sess", "SHA", "sha1", "SHA-1"} {
		_, err := newHash(algo)
		assert.NoError(t, err, algo)
	}
	_, err := newHash("SHA-512")
	assert.Error(t, err)
}

func TestDigestAuthorizationHeader(t *testing.T) {
	chal := &challenge{scheme: "digest", params: map[string]string{
		"realm": "cal", "nonce": "abc", "qop": "auth", "algorithm": "MD5",
	}}
	header, err := digestAuthorization(chal, "user", "pass", "POST", "/inbox/", nil)
	require.NoError(t, err)
	assert.Contains(t, header, `Digest username="user"`)
	assert.Contains(t, header, `realm="cal"`)
	assert.Contains(t, header, `nonce="abc"`)
	assert.Contains(t, header, `uri="/inbox/"`)
	assert.Contains(t, header, `qop=auth`)
	assert.Contains(t, header, `nc=00000001`)
	assert.Contains(t, header, `algorithm=MD5`)
}

func TestDigestAuthorizationNoNonce(t *testing.T) {
	chal := &challenge{scheme: "digest", params: map[string]string{"realm": "cal"}}
	_, err := digestAuthorization(chal, "user", "pass", "POST", "/inbox/", nil)
	assert.Error(t, err)
}

func TestSelectQop(t *testing.T) {
	assert.Equal(t, "", selectQop(""))
	assert.Equal(t, "auth", selectQop("auth"))
	assert.Equal(t, "auth", selectQop("auth-int, auth"))
	assert.Equal(t, "auth-int", selectQop("auth-int"))
}
