package dnsutils

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPFraming(t *testing.T) {
	var stream bytes.Buffer
	for i := 0; i < 3; i++ {
		m := new(dns.Msg)
		m.SetQuestion("example.com.", dns.TypeA)
		m.Id = uint16(100 + i)
		_, err := WriteMsgToTCP(&stream, m)
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		m, _, err := ReadMsgFromTCP(&stream)
		require.NoError(t, err)
		assert.Equal(t, uint16(100+i), m.Id)
	}

	_, _, err := ReadMsgFromTCP(&stream)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMsgFromTCP_malformed(t *testing.T) {
	var stream bytes.Buffer
	_, err := WriteRawMsgToTCP(&stream, []byte{0x12, 0x34, 0xff})
	require.NoError(t, err)

	q := new(dns.Msg)
	q.SetQuestion("a.", dns.TypeA)
	_, err = WriteMsgToTCP(&stream, q)
	require.NoError(t, err)

	_, _, err = ReadMsgFromTCP(&stream)
	require.ErrorIs(t, err, ErrInvalidDNSMsg)
	var me *MalformedMsgError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, uint16(0x1234), me.ID)

	// The stream is still in sync.
	m, _, err := ReadMsgFromTCP(&stream)
	require.NoError(t, err)
	assert.Equal(t, q.Id, m.Id)
}

func TestWriteRawMsgToTCP_tooLarge(t *testing.T) {
	_, err := WriteRawMsgToTCP(io.Discard, make([]byte, dns.MaxMsgSize+1))
	assert.Error(t, err)
}

func TestGetHeaderInfo(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	r := new(dns.Msg)
	r.SetRcode(m, dns.RcodeNameError)
	b, err := r.Pack()
	require.NoError(t, err)

	h, err := GetHeaderInfo(b)
	require.NoError(t, err)
	assert.Equal(t, m.Id, h.ID)
	assert.True(t, h.Response)
	assert.Equal(t, dns.RcodeNameError, h.Rcode)

	_, err = GetHeaderInfo(b[:5])
	assert.ErrorIs(t, err, ErrInvalidDNSMsg)
}
