// Package cli wires the sealmail components into the command-line
// application: database, key store, contact directory, lookup and relay
// clients, and the two engine sides.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sealmail/sealmail/internal/config"
	"github.com/sealmail/sealmail/internal/contacts"
	"github.com/sealmail/sealmail/internal/engine"
	"github.com/sealmail/sealmail/internal/keycodec"
	"github.com/sealmail/sealmail/internal/keyring"
	"github.com/sealmail/sealmail/internal/logging"
	"github.com/sealmail/sealmail/internal/lookup"
	"github.com/sealmail/sealmail/internal/relay"
)

type App struct {
	config *config.Config
	log    logging.Logger

	codec    *keycodec.Codec
	keyring  *keyring.Keyring
	keystore *keyring.SQLiteStore
	vault    *keyring.PassphraseVault
	contacts *contacts.Store
	lookup   *lookup.Client
	relay    *relay.Client

	enc *engine.Encrypter
	dec *engine.Decrypter

	reader *bufio.Reader
}

func NewApp(ctx context.Context, cfg *config.Config, log logging.Logger) (*App, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}

	db, err := contacts.InitDatabase(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	codec := keycodec.New(time.Hour)
	kr := keyring.New(codec)
	vault, err := keyring.NewPassphraseVault(cfg.PassphraseTTL)
	if err != nil {
		return nil, err
	}

	keystore := keyring.NewSQLiteStore(db)
	persisted, err := keystore.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	if err := kr.Restore(persisted); err != nil {
		return nil, fmt.Errorf("failed to restore account keys: %w", err)
	}

	store := contacts.NewStore(db, codec, log)

	var relayOpts []relay.Option
	if cfg.S3Endpoint != "" {
		uploader, err := relay.NewS3Uploader(ctx, relay.S3Config{
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure s3 uploader: %w", err)
		}
		relayOpts = append(relayOpts, relay.WithUploader(uploader))
	}
	relayClient := relay.New(cfg.RelayBaseURL, log, relayOpts...)
	lookupClient := lookup.New(cfg.LookupBaseURL, codec, log)

	return &App{
		config:   cfg,
		log:      log,
		codec:    codec,
		keyring:  kr,
		keystore: keystore,
		vault:    vault,
		contacts: store,
		lookup:   lookupClient,
		relay:    relayClient,
		enc:      engine.NewEncrypter(store, relayClient, log),
		dec:      engine.NewDecrypter(kr, vault, store, log),
		reader:   bufio.NewReader(os.Stdin),
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	return a.rootCommand(ctx).Execute()
}
