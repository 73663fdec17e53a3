package util

import (
	"github.com/sidkik/olsync/pkg/config"
	"github.com/sidkik/olsync/pkg/errors"
	"github.com/sidkik/olsync/pkg/realtime"
	"github.com/sidkik/olsync/pkg/remote"
)

// GetRemoteClient creates a client for the REST API of the configured
// server.
func GetRemoteClient(cfg config.User) (remote.Client, error) {
	if cfg.Cookie == "" {
		return nil, errors.NewFriendlyError("No session cookie is configured. "+
			"Please run `olsync config`, or set %s.", config.CookieEnvKey)
	}

	client, err := remote.New(remote.Config{
		ServerURL: cfg.ServerURL,
		Cookie:    cfg.Cookie,
		CSRFToken: cfg.CSRFToken,
	})
	if err != nil {
		return nil, errors.WithContext(err, "create remote client")
	}
	return client, nil
}

// GetDialer returns a Dialer for the realtime service of the configured
// server.
func GetDialer(cfg config.User) realtime.Dialer {
	return realtime.DialOverleaf(realtime.OverleafConfig{
		ServerURL: cfg.ServerURL,
		Cookie:    cfg.Cookie,
	})
}
