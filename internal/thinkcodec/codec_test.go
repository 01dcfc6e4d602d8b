package thinkcodec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		toolID string
		sig    string
	}{
		{"with signature", "call_abc123", "signature-payload-xyz"},
		{"empty signature", "call_abc123", ""},
		{"separator inside natural id", "call__thought__weird", ""},
		{"long signature", "call_1", string(make([]byte, 2000))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, sig := Decode(Encode(tc.toolID, tc.sig))
			require.Equal(t, tc.toolID, id)
			require.Equal(t, tc.sig, sig)
		})
	}
}

func TestDecodeSplitsOnFirstOccurrence(t *testing.T) {
	// A signature that itself contains the separator still comes back
	// whole, because decode splits once.
	encoded := Encode("call_1", "sig__thought__tail")
	id, sig := Decode(encoded)
	require.Equal(t, "call_1", id)
	require.Equal(t, "sig__thought__tail", sig)
}

func TestDecodePassthroughWithoutSeparator(t *testing.T) {
	id, sig := Decode("call_plain")
	require.Equal(t, "call_plain", id)
	require.Empty(t, sig)
	require.False(t, HasSignature("call_plain"))
}

func TestClientSupportsEncoding(t *testing.T) {
	require.True(t, ClientSupportsEncoding(ClientTerminal))
	require.True(t, ClientSupportsEncoding(ClientOpenAISDK))
	require.False(t, ClientSupportsEncoding(ClientIDEInline))
	require.False(t, ClientSupportsEncoding(ClientIDENDJSON))
	require.False(t, ClientSupportsEncoding("something-new"))
}
