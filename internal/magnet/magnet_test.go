package magnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesExampleMagnet(t *testing.T) {
	link := "magnet:?xt=urn:btih:EADAF0EFEA39406914414D359E0EA16416409BD7&dn=debian-12.4.0-amd64-DVD-1.iso&tr=udp://tracker.opentrackr.org:1337"
	m, err := New(link)
	require.NoError(t, err)
	assert.Equal(t, "eadaf0efea39406914414d359e0ea16416409bd7", m.InfoHash.String())
	assert.Equal(t, "debian-12.4.0-amd64-DVD-1.iso", m.Name)
	require.Len(t, m.Trackers, 1)
	assert.Equal(t, "udp://tracker.opentrackr.org:1337", m.Trackers[0])
}

func TestNewRejectsWrongScheme(t *testing.T) {
	_, err := New("http://example.com")
	assert.Error(t, err)
}

func TestNewRejectsMissingXT(t *testing.T) {
	_, err := New("magnet:?dn=foo")
	assert.Error(t, err)
}
