package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepsnet/peepsd/internal/modmanifest"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMagic(&buf))
	require.NoError(t, WriteFrame(&buf, []byte(`{"hello":"world"}`)))

	require.NoError(t, ReadMagic(&buf))
	payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(payload))
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x08, 0x00, 0x00, 0x01}) // 0x08000001 > 128MiB
	_, err := ReadFrame(&buf)
	require.Error(t, err)
	var fe *FrameCodecError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FrameTooLarge, fe.Kind)
}

func TestReadFrameRejectsTruncatedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x10}) // only 2 of the 4 length-prefix bytes, then EOF
	_, err := ReadFrame(&buf)
	require.Error(t, err)
	var fe *FrameCodecError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FrameTruncated, fe.Kind)
}

func TestReadFrameRejectsTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x10}) // claims 16 bytes
	buf.WriteString("short")
	_, err := ReadFrame(&buf)
	require.Error(t, err)
	var fe *FrameCodecError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FrameTruncated, fe.Kind)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	err := WriteFrame(&bytes.Buffer{}, make([]byte, MaxPayloadBytes+1))
	require.Error(t, err)
	var fe *FrameCodecError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, PayloadTooLarge, fe.Kind)
}

func TestClientEnvelopeRoundTrip(t *testing.T) {
	env := ClientEnvelope{Handshake: &Handshake{
		ProcessName: "demo",
		PID:         123,
		ModuleManifest: []modmanifest.Entry{
			{ModulePath: "/usr/bin/demo", RuntimeBase: 0x1000, Arch: "x86_64", Identity: "buildid:abc"},
		},
	}}
	data, err := env.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"handshake"`)

	var decoded ClientEnvelope
	require.NoError(t, decoded.UnmarshalJSON(data))
	require.NotNil(t, decoded.Handshake)
	assert.Equal(t, "demo", decoded.Handshake.ProcessName)
}

func TestHandshakeValidateRejectsRelativePath(t *testing.T) {
	h := Handshake{
		ProcessName:    "demo",
		ModuleManifest: []modmanifest.Entry{{ModulePath: "rel/path", RuntimeBase: 1, Arch: "x86_64", Identity: "x"}},
	}
	err := h.Validate()
	require.Error(t, err)
	var he *HandshakeError
	require.ErrorAs(t, err, &he)
}

func TestHandshakeValidateRejectsZeroBase(t *testing.T) {
	h := Handshake{
		ProcessName:    "demo",
		ModuleManifest: []modmanifest.Entry{{ModulePath: "/a", RuntimeBase: 0, Arch: "x86_64", Identity: "x"}},
	}
	require.Error(t, h.Validate())
}

func TestGateRejectsNonHandshakeFirst(t *testing.T) {
	var g Gate
	err := g.Admit(ClientEnvelope{Error: &ErrorMsg{}})
	require.Error(t, err)
	var pv *ProtocolViolation
	require.ErrorAs(t, err, &pv)
}

func TestGateRejectsSecondHandshake(t *testing.T) {
	var g Gate
	require.NoError(t, g.Admit(ClientEnvelope{Handshake: &Handshake{ProcessName: "demo"}}))
	err := g.Admit(ClientEnvelope{Handshake: &Handshake{ProcessName: "demo"}})
	require.Error(t, err)
}

func TestGateAdmitsAfterHandshake(t *testing.T) {
	var g Gate
	require.NoError(t, g.Admit(ClientEnvelope{Handshake: &Handshake{ProcessName: "demo"}}))
	assert.NoError(t, g.Admit(ClientEnvelope{Error: &ErrorMsg{}}))
}

func TestServerEnvelopeRoundTrip(t *testing.T) {
	env := ServerEnvelope{CutRequest: &CutRequest{CutID: "c-1"}}
	data, err := env.MarshalJSON()
	require.NoError(t, err)

	var decoded ServerEnvelope
	require.NoError(t, decoded.UnmarshalJSON(data))
	require.NotNil(t, decoded.CutRequest)
	assert.Equal(t, "c-1", decoded.CutRequest.CutID)
}
