package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/updownarb/internal/blob/s3"
	"github.com/alanyoungcy/updownarb/internal/cache/redis"
	"github.com/alanyoungcy/updownarb/internal/chain"
	"github.com/alanyoungcy/updownarb/internal/config"
	"github.com/alanyoungcy/updownarb/internal/crypto"
	"github.com/alanyoungcy/updownarb/internal/domain"
	"github.com/alanyoungcy/updownarb/internal/notify"
	"github.com/alanyoungcy/updownarb/internal/platform/polymarket"
	"github.com/alanyoungcy/updownarb/internal/store/postgres"
)

// keyPrefix namespaces every Redis key, channel and stream.
const keyPrefix = "updownarb:"

// Dependencies holds the venue clients and the optional edge collaborators.
// Locks, Bus, Audit and Archive are nil when their backend is disabled.
type Dependencies struct {
	Signer   *crypto.Signer
	Clob     *polymarket.ClobClient
	Gamma    *polymarket.GammaClient
	Data     *polymarket.DataClient
	Redeemer domain.Redeemer

	Locks    domain.LockManager
	Bus      domain.EventBus
	Audit    domain.AuditLog
	Archive  *s3blob.Archiver
	Notifier *notify.Notifier
}

// Wire builds Dependencies for cfg. The returned cleanup closes everything
// that was opened, in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Gamma: polymarket.NewGammaClient(cfg.Polymarket.GammaHost),
	}

	if cfg.NeedsWallet() {
		key, err := crypto.LoadKey(crypto.KeySource{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: wallet key: %w", err))
		}
		signer, err := crypto.NewSigner(key, int64(cfg.Polymarket.ChainID))
		if err != nil {
			return fail(fmt.Errorf("wire: signer: %w", err))
		}
		deps.Signer = signer
	}

	deps.Clob = polymarket.NewClobClient(polymarket.ClobOptions{
		BaseURL: cfg.Polymarket.ClobHost,
		Signer:  deps.Signer,
		Credentials: crypto.APICredentials{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		},
		ProxyAddress:      cfg.Wallet.ProxyAddress,
		SignatureType:     cfg.Polymarket.SignatureType,
		RequestsPerSecond: cfg.Polymarket.RequestsPerSecond,
	})

	if deps.Signer != nil {
		deps.Data = polymarket.NewDataClient(cfg.Polymarket.DataHost, deps.Clob.Funder().Hex())

		if needsChain(cfg.Mode) {
			rpc, err := ethclient.DialContext(ctx, cfg.Polymarket.RPCURL)
			if err != nil {
				return fail(fmt.Errorf("wire: polygon rpc: %w", err))
			}
			closers = append(closers, rpc.Close)
			deps.Redeemer = chain.NewRedeemer(chain.Config{ProxyWallet: mergeProxy(cfg)}, rpc, deps.Signer, logger)
		}
	}

	var audits []domain.AuditLog

	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: %w", err))
			}
		}
		audits = append(audits, postgres.NewAuditStore(pg.Pool()))
	}

	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Locks = redis.NewLocker(rc, keyPrefix)
		deps.Bus = redis.NewEventBus(rc, keyPrefix, cfg.Redis.StreamMaxLen)
	}

	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		if err := sc.Health(ctx); err != nil {
			logger.WarnContext(ctx, "audit archive bucket not reachable", slog.String("error", err.Error()))
		}
		deps.Archive = s3blob.NewArchiver(s3blob.NewWriter(sc), cfg.S3.Prefix, cfg.S3.ArchiveFlushInterval(), 0, logger)
		audits = append(audits, deps.Archive)
	}

	if len(audits) > 0 {
		deps.Audit = fanout(audits)
	}
	deps.Notifier = notifier(cfg.Notify, logger)

	return deps, cleanup, nil
}

func needsChain(mode string) bool {
	switch strings.ToLower(mode) {
	case "run", "merge":
		return true
	}
	return false
}

// mergeProxy returns the proxy wallet merges are routed through. Only
// POLY_PROXY wallets (signature type 1) are owned by the proxy factory;
// other setups merge from the signing account.
func mergeProxy(cfg *config.Config) common.Address {
	if cfg.Polymarket.SignatureType != 1 || cfg.Wallet.ProxyAddress == "" {
		return common.Address{}
	}
	return common.HexToAddress(cfg.Wallet.ProxyAddress)
}

func notifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return notify.NewNotifier(senders, cfg.Events, logger)
}

// fanout writes each entry to every audit sink.
type fanout []domain.AuditLog

func (f fanout) Log(ctx context.Context, event string, detail map[string]any) error {
	var errs []error
	for _, a := range f {
		if err := a.Log(ctx, event, detail); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
