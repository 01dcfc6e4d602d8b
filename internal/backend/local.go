package backend

import (
	"context"
	"errors"
	"net/http"

	"github.com/relaygate/gateway/internal/credential"
	"github.com/relaygate/gateway/internal/translate"
	"github.com/relaygate/gateway/internal/upstream"
)

// LocalHandler is an in-process implementation of the same semantics a
// normal Adapter would reach over HTTP for. Set by whatever server-side
// component the router's "local" backend config entry names.
type LocalHandler func(ctx context.Context, req translate.Request) (<-chan upstream.Event, error)

// LocalAdapter bypasses HTTP entirely and calls Handler directly.
// LocalAdapter itself just reports errors; the decision to fall back to the
// HTTP path on an internal error lives in the router.
type LocalAdapter struct {
	Handler LocalHandler
}

func (a *LocalAdapter) Stream(ctx context.Context, client *http.Client, baseURL string, cred *credential.Credential, req translate.Request) (<-chan upstream.Event, error) {
	if a.Handler == nil {
		return nil, errors.New("local adapter not configured")
	}
	return a.Handler(ctx, req)
}
