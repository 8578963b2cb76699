package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubnetOctet(t *testing.T) {
	octet, err := subnetOctet("10.133.3.0/24")
	require.NoError(t, err)
	assert.Equal(t, uint8(3), octet)

	octet, err = subnetOctet("10.133.255.0/24")
	require.NoError(t, err)
	assert.Equal(t, uint8(255), octet)

	_, err = subnetOctet("10.133")
	assert.Error(t, err)

	_, err = subnetOctet("10.133.flowers.0/24")
	assert.Error(t, err)
}

func TestResourceNames(t *testing.T) {
	assert.Equal(t, "ae_sv_17", serverName(17))
	assert.Equal(t, "ae_nw_7", networkName(7))
}
