package refresh

import (
	"context"
	"net/http"

	"github.com/pilab-dev/civic-session/api"
	"github.com/pilab-dev/civic-session/domain"
	"github.com/pilab-dev/civic-session/transport"
)

// HTTPExchanger calls POST /auth/refresh over an unauthenticated transport.
type HTTPExchanger struct {
	doer transport.Doer
}

// NewHTTPExchanger creates an exchanger using doer.
func NewHTTPExchanger(doer transport.Doer) *HTTPExchanger {
	return &HTTPExchanger{doer: doer}
}

// Exchange implements Exchanger.
func (e *HTTPExchanger) Exchange(ctx context.Context, refreshToken string) (domain.Credentials, error) {
	body, err := api.Encode(api.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return domain.Credentials{}, err
	}

	resp, err := e.doer.Do(ctx, transport.NewRequest(http.MethodPost, api.PathRefresh, body))
	if err != nil {
		return domain.Credentials{}, err
	}

	var out api.TokenResponse
	if err := api.Decode(resp, &out); err != nil {
		return domain.Credentials{}, err
	}
	return out.Credentials(), nil
}
