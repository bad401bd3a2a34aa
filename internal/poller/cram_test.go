package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRAMMD5ReferenceVector(t *testing.T) {
	// RFC 2195 §2 的参考样例
	client := newCRAMMD5Client("tim", "tanstaaftanstaaf")

	mech, ir, err := client.Start()
	require.NoError(t, err)
	assert.Equal(t, "CRAM-MD5", mech)
	assert.Nil(t, ir)

	resp, err := client.Next([]byte("<1896.697170952@postoffice.reston.mci.net>"))
	require.NoError(t, err)
	assert.Equal(t, "tim b913a602c7eda7a495b4e6e7334d3890", string(resp))
}
