package sourcestore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/labctrl/config"
	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/health"
	"github.com/c360/labctrl/natsclient"
	"github.com/c360/labctrl/pkg/retry"
)

// Open creates the store selected by cfg.Backend. For the nats backend the
// connection is retried with backoff and closed together with the store.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger, monitor *health.Monitor) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case config.StoreMemory, "":
		return NewMemoryStore(), nil
	case config.StorePebble:
		return OpenPebble(cfg.PebblePath, logger)
	case config.StoreNATS:
		client, err := natsclient.NewClient(cfg.NATSURL, natsOptions(cfg, logger, monitor)...)
		if err != nil {
			return nil, err
		}
		err = retry.Do(ctx, errors.DefaultRetryConfig().ToRetryConfig(), func() error {
			return client.Connect(ctx)
		})
		if err != nil {
			return nil, errors.Wrap(err, "sourcestore", "Open", "connect to NATS")
		}
		store, err := OpenKV(ctx, client, cfg.Bucket, logger)
		if err != nil {
			_ = client.Close(ctx)
			return nil, err
		}
		return &ownedKV{KVStore: store, client: client}, nil
	}
	return nil, errors.WrapInvalid(fmt.Errorf("%w: store backend %q", errors.ErrInvalidConfig, cfg.Backend),
		"sourcestore", "Open", "select backend")
}

func natsOptions(cfg config.StoreConfig, logger *slog.Logger, monitor *health.Monitor) []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithHealth(monitor),
		natsclient.WithName("labctrl"),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.ConnectTimeout.Std()))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait.Std()))
	}
	if cfg.NATSUser != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATSUser, cfg.NATSPassword))
	}
	if cfg.NATSToken != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATSToken))
	}
	return opts
}

// ownedKV closes the NATS client it was opened with
type ownedKV struct {
	*KVStore
	client *natsclient.Client
}

func (o *ownedKV) Close() error {
	err := o.KVStore.Close()
	if cerr := o.client.Close(context.Background()); err == nil {
		err = cerr
	}
	return err
}
