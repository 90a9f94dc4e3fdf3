package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"peerchat/config"
	"peerchat/discovery"
	"peerchat/engine"
	"peerchat/gateway"
	"peerchat/media"
	"peerchat/messaging"
	"peerchat/models"
	"peerchat/store"
)

const version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:          "peerchat",
	Short:        "Serverless peer-to-peer chat for the local network",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the peerchat version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("peerchat", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	log.SetPrefix("peerchat: ")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	// Developer overrides from a local .env file, if one exists.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.ApplyEnvOverrides(cfg)
	dataDir := filepath.Dir(cfgPath)

	fmt.Printf("User ID:         %s\n", cfg.UserID)
	fmt.Printf("Username:        %s\n", cfg.Username)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	docStore, err := openStore(ctx, cfg, dataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := docStore.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
	}()

	if err := registerSelf(ctx, docStore, cfg); err != nil {
		return fmt.Errorf("register local user: %w", err)
	}

	uploader, err := media.NewLocalUploader(config.MediaDir(dataDir))
	if err != nil {
		return fmt.Errorf("prepare media storage: %w", err)
	}

	service, err := messaging.NewService(messaging.ServiceOptions{
		Store:    docStore,
		Uploader: uploader,
	})
	if err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	defer service.Close()

	var gw *gateway.Server
	eng, err := engine.New(engine.Options{
		Store:     docStore,
		Messaging: service,
		OnError: func(err error) {
			log.Printf("chat: %v", err)
		},
		OnChange: func() {
			if gw != nil {
				gw.PushState()
			}
		},
	})
	if err != nil {
		return fmt.Errorf("start chat engine: %w", err)
	}
	defer eng.Close()
	eng.SetIdentity(cfg.UserID)

	gw, err = gateway.New(gateway.Options{
		Engine:   eng,
		MediaDir: config.MediaDir(dataDir),
	})
	if err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	if cfg.DiscoveryEnabled {
		discoveryService, err := discovery.Start(discovery.Config{
			SelfUserID:  cfg.UserID,
			Username:    cfg.Username,
			Email:       cfg.Email,
			GatewayPort: cfg.GatewayPort,
		}, docStore)
		if err != nil {
			log.Printf("discovery startup failed: %v", err)
		} else {
			defer discoveryService.Stop()
			fmt.Println("Discovery:       running")
		}
	}

	addr := fmt.Sprintf(":%d", cfg.GatewayPort)
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Listen(addr)
	}()
	fmt.Printf("Gateway:         http://localhost:%d (press Ctrl+C to stop)\n", cfg.GatewayPort)

	select {
	case <-ctx.Done():
		fmt.Println("Status:          shutting down")
		if err := gw.Shutdown(); err != nil {
			log.Printf("gateway shutdown error: %v", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	}
}

func openStore(ctx context.Context, cfg *config.DeviceConfig, dataDir string) (store.Store, error) {
	if cfg.StoreMode == config.StoreModeRemote {
		remote, err := store.Dial(ctx, cfg.RemoteStoreURL, store.RemoteOptions{
			AutoReconnect: true,
			OnConnectionError: func(err error) {
				log.Printf("remote store: %v", err)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("connect remote store %s: %w", cfg.RemoteStoreURL, err)
		}
		fmt.Printf("Store:           remote (%s)\n", cfg.RemoteStoreURL)
		return remote, nil
	}

	sqlite, dbPath, err := store.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	fmt.Printf("Store:           local (%s)\n", dbPath)
	return sqlite, nil
}

// registerSelf makes sure the local identity exists in the users
// collection and is marked online for this session.
func registerSelf(ctx context.Context, st store.Store, cfg *config.DeviceConfig) error {
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	now := models.NowMillis()
	user := models.User{
		ID:        cfg.UserID,
		Username:  cfg.Username,
		Email:     cfg.Email,
		IsOnline:  true,
		LastSeen:  &now,
		CreatedAt: now,
	}

	err := st.Create(callCtx, store.CollectionUsers, cfg.UserID, user.Fields())
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrExists) {
		return err
	}

	return st.Update(callCtx, store.CollectionUsers, cfg.UserID,
		store.Set("username", cfg.Username),
		store.Set("email", cfg.Email),
		store.Set("is_online", true),
		store.Set("last_seen", now),
	)
}
