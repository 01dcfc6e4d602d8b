package clienttype

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaygate/gateway/internal/signature"
	"github.com/relaygate/gateway/internal/thinkcodec"
)

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		h    http.Header
		want string
	}{
		{"explicit client name wins", headers("X-Client-Name", "terminal", "User-Agent", "vscode/1.2"), thinkcodec.ClientTerminal},
		{"terminal ua", headers("User-Agent", "claude-cli/2.0"), thinkcodec.ClientTerminal},
		{"openai sdk ua", headers("User-Agent", "OpenAI/Python 1.30"), thinkcodec.ClientOpenAISDK},
		{"vscode extension", headers("User-Agent", "vscode-ext/0.9"), thinkcodec.ClientIDEExt},
		{"forwarded ua beats transport ua", headers("User-Agent", "Go-http-client/1.1", "X-Forwarded-User-Agent", "augment-ide/3"), thinkcodec.ClientIDENDJSON},
		{"nothing recognizable", headers("User-Agent", "curl/8.0"), thinkcodec.ClientUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Detect(tc.h))
		})
	}
}

func TestPolicyTable(t *testing.T) {
	term := PolicyFor(thinkcodec.ClientTerminal)
	require.True(t, term.SupportsIDEncoding)
	require.True(t, term.AggressiveFallback)
	require.Equal(t, signature.ClientCLI, term.SignatureTTL)

	ide := PolicyFor(thinkcodec.ClientIDENDJSON)
	require.False(t, ide.SupportsIDEncoding)
	require.False(t, ide.AggressiveFallback)
	require.Equal(t, signature.ClientIDE, ide.SignatureTTL)

	unknown := PolicyFor("never-seen-before")
	require.True(t, unknown.NeedsSanitization)
	require.False(t, unknown.AggressiveFallback)
}
