package qbo

import (
	"github.com/smallbiznis/sitebridge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("qbo",
	fx.Provide(
		func(cfg config.Config, log *zap.Logger) *Client {
			return NewClient(ClientConfig{
				Environment:  cfg.QBO.Environment,
				MinorVersion: cfg.QBO.MinorVersion,
			}, log)
		},
		func(cfg config.Config) *OAuthClient {
			return NewOAuthClient(OAuthConfig{
				ClientID:     cfg.QBO.ClientID,
				ClientSecret: cfg.QBO.ClientSecret,
				RedirectURI:  cfg.QBO.RedirectURI,
			})
		},
	),
)
